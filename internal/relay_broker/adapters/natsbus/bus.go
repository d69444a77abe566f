// Package natsbus mirrors broker activity onto NATS and reaches an external
// desktop shell over request/reply.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/relay_broker/domain"
)

const (
	SubjectOTPReceived   = "otp.events.received"
	SubjectCodeConsumed  = "otp.codes.consumed"
	SubjectConsumeCode   = "otp.codes.consume"
	SubjectShellMarkRead = "otp.shell.mark_read"
	SubjectShellCopyCode = "otp.shell.copy_code"

	consumeQueueGroup = "otprelay"
)

// Bus is the part of messagebroker.NATSClient used here.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Subscribe(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// OTPEventMessage is published on SubjectOTPReceived.
type OTPEventMessage struct {
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Service   string    `json:"service,omitempty"`
	Code      string    `json:"code"`
	SentAt    time.Time `json:"sent_at"`
}

// MessageRef names a source message.
type MessageRef struct {
	MessageID string `json:"message_id"`
}

// MarkReadReply is the shell's answer on SubjectShellMarkRead.
type MarkReadReply struct {
	OK bool `json:"ok"`
}

// Publisher implements domain.EventPublisher.
type Publisher struct {
	bus    Bus
	logger *slog.Logger
}

func NewPublisher(bus Bus, logger *slog.Logger) *Publisher {
	return &Publisher{bus: bus, logger: logger.With("component", "natsbus_publisher")}
}

func (p *Publisher) PublishOTPEvent(ctx context.Context, ev core_domain.OTPEvent) error {
	data, err := json.Marshal(OTPEventMessage{
		MessageID: ev.Message.ID,
		Sender:    ev.Message.Sender,
		Service:   ev.OTP.ServiceName(),
		Code:      ev.OTP.Code,
		SentAt:    ev.Message.SentAt,
	})
	if err != nil {
		return fmt.Errorf("marshal otp event: %w", err)
	}
	return p.bus.Publish(ctx, SubjectOTPReceived, data)
}

func (p *Publisher) PublishCodeConsumed(ctx context.Context, messageID string) error {
	data, err := json.Marshal(MessageRef{MessageID: messageID})
	if err != nil {
		return fmt.Errorf("marshal consumed notice: %w", err)
	}
	return p.bus.Publish(ctx, SubjectCodeConsumed, data)
}

// Shell reaches a desktop shell over NATS. When the shell does not answer,
// MarkRead falls back to the local shell if one is set.
type Shell struct {
	bus      Bus
	fallback domain.Shell
	logger   *slog.Logger
}

func NewShell(bus Bus, fallback domain.Shell, logger *slog.Logger) *Shell {
	return &Shell{bus: bus, fallback: fallback, logger: logger.With("component", "natsbus_shell")}
}

func (s *Shell) MarkRead(ctx context.Context, messageID string) bool {
	data, _ := json.Marshal(MessageRef{MessageID: messageID})
	resp, err := s.bus.Request(ctx, SubjectShellMarkRead, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			s.logger.DebugContext(ctx, "No shell listening for mark_read", "message_id", messageID)
		} else {
			s.logger.WarnContext(ctx, "mark_read request failed", "message_id", messageID, "error", err)
		}
		if s.fallback != nil {
			return s.fallback.MarkRead(ctx, messageID)
		}
		return false
	}

	var reply MarkReadReply
	if err := json.Unmarshal(resp, &reply); err != nil {
		s.logger.WarnContext(ctx, "Malformed mark_read reply", "error", err)
		return false
	}
	if reply.OK && s.fallback != nil {
		s.fallback.MarkRead(ctx, messageID)
	}
	return reply.OK
}

func (s *Shell) CopyCode(ctx context.Context, otp core_domain.ParsedOTP) error {
	data, err := json.Marshal(otp)
	if err != nil {
		return fmt.Errorf("marshal otp: %w", err)
	}
	if err := s.bus.Publish(ctx, SubjectShellCopyCode, data); err != nil {
		return fmt.Errorf("publishing copy_code: %w", err)
	}
	return nil
}

// ConsumeFunc marks a code consumed.
type ConsumeFunc func(ctx context.Context, messageID string) error

// SubscribeConsume lets other processes report a code as used. Requests with
// a reply subject are answered with MarkReadReply.
func SubscribeConsume(ctx context.Context, bus Bus, consume ConsumeFunc, logger *slog.Logger) (*nats.Subscription, error) {
	logger = logger.With("component", "natsbus_consume")
	handler := func(msg *nats.Msg) {
		var ref MessageRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.MessageID == "" {
			logger.Error("Failed to unmarshal consume request", "error", err, "data", string(msg.Data))
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		err := consume(reqCtx, ref.MessageID)
		if err != nil {
			logger.Warn("Consume request failed", "message_id", ref.MessageID, "error", err)
		}
		if msg.Reply != "" {
			out, _ := json.Marshal(MarkReadReply{OK: err == nil})
			if rErr := msg.Respond(out); rErr != nil {
				logger.Warn("Failed to respond to consume request", "error", rErr)
			}
		}
	}

	sub, err := bus.Subscribe(ctx, SubjectConsumeCode, consumeQueueGroup, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to NATS subject '%s': %w", SubjectConsumeCode, err)
	}
	return sub, nil
}
