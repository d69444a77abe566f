package app

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/message_poller/domain"
	parserdomain "github.com/otprelay/golang_services/internal/otp_parser/domain"
)

// PollerConfig holds configuration specific to the Poller.
type PollerConfig struct {
	Interval time.Duration `mapstructure:"POLL_INTERVAL"`
	Lookback time.Duration `mapstructure:"LOOKBACK"`
	// Skip drops bodies before they reach the parser or the processed set.
	Skip func(body string) bool
}

// Poller periodically scans the message source for new OTPs.
type Poller struct {
	source domain.MessageSource
	parser parserdomain.Parser
	ledger domain.DeliveryLedger
	sink   domain.EventSink
	config PollerConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	processed map[string]struct{}
	messages  []core_domain.Message

	// run guards start/stop/reset transitions.
	run     sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoller creates a Poller. ctx bounds every polling loop it starts.
func NewPoller(
	source domain.MessageSource,
	parser parserdomain.Parser,
	ledger domain.DeliveryLedger,
	sink domain.EventSink,
	cfg PollerConfig,
	logger *slog.Logger,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	return &Poller{
		source:    source,
		parser:    parser,
		ledger:    ledger,
		sink:      sink,
		config:    cfg,
		logger:    logger.With("component", "message_poller"),
		now:       time.Now,
		processed: make(map[string]struct{}),
	}
}

// StartListening begins polling in the background. Calling it while
// already listening does nothing.
func (p *Poller) StartListening(ctx context.Context) {
	p.run.Lock()
	defer p.run.Unlock()
	p.startLocked(ctx)
}

func (p *Poller) startLocked(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	p.baseCtx = ctx
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done

	go func() {
		defer close(done)
		p.loop(loopCtx)
	}()
	p.logger.Info("Message poller started", "interval", p.config.Interval, "lookback", p.config.Lookback)
}

// StopListening stops polling and returns once the loop has exited; no
// event is emitted after it returns. Safe to call repeatedly.
func (p *Poller) StopListening() {
	p.run.Lock()
	defer p.run.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel, p.done = nil, nil
	p.logger.Info("Message poller stopped")
}

// Reset stops polling, forgets scanned messages and the processed set, and
// starts again. Ids already emitted stay in the delivery ledger.
func (p *Poller) Reset() {
	p.run.Lock()
	defer p.run.Unlock()

	ctx := p.baseCtx
	wasRunning := p.cancel != nil
	p.stopLocked()

	p.mu.Lock()
	p.processed = make(map[string]struct{})
	p.messages = nil
	p.mu.Unlock()
	p.logger.Info("Message poller state cleared")

	if wasRunning && ctx != nil && ctx.Err() == nil {
		p.startLocked(ctx)
	}
}

// Listening reports whether the polling loop is running.
func (p *Poller) Listening() bool {
	p.run.Lock()
	defer p.run.Unlock()
	return p.cancel != nil
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single tick and returns the number of events emitted.
// Source failures count as an empty tick.
func (p *Poller) PollOnce(ctx context.Context) int {
	timer := prometheus.NewTimer(pollDurationHist)
	defer timer.ObserveDuration()

	since := p.now().Add(-p.config.Lookback)
	msgs, err := p.source.ReadMessagesSince(ctx, since)
	if err != nil {
		pollTicksCounter.WithLabelValues("source_error").Inc()
		if errors.Is(err, domain.ErrSourceUnavailable) {
			p.logger.WarnContext(ctx, "Message source unavailable, skipping tick", "error", err)
		} else if ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "Failed to read messages", "error", err)
		}
		return 0
	}
	pollTicksCounter.WithLabelValues("ok").Inc()

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })

	// A message is settled once its outcome is final. Parser failures and
	// candidates cut off by a stop stay unsettled and are retried next tick.
	var (
		candidates []core_domain.OTPEvent
		settled    []core_domain.Message
	)
	for _, msg := range p.admit(msgs) {
		if ctx.Err() != nil {
			break
		}
		messagesScannedCounter.Inc()

		otp, err := p.parser.Parse(ctx, msg.Body)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.WarnContext(ctx, "Parser failed, retrying next tick", "message_id", msg.ID, "error", err)
			}
			continue
		}
		if otp == nil {
			settled = append(settled, msg)
			continue
		}
		candidates = append(candidates, core_domain.OTPEvent{Message: msg, OTP: *otp})
	}

	if ctx.Err() != nil || len(candidates) == 0 {
		p.settle(settled)
		return 0
	}

	// From here the batch is committed: ledger entries are only written for
	// events that are handed to the sink in the same step.
	commitCtx := context.WithoutCancel(ctx)
	var events []core_domain.OTPEvent
	for _, ev := range candidates {
		settled = append(settled, ev.Message)
		first, err := p.ledger.MarkEmitted(commitCtx, ev.Message.ID)
		if err != nil {
			p.logger.ErrorContext(ctx, "Delivery ledger unavailable, emitting anyway", "message_id", ev.Message.ID, "error", err)
		} else if !first {
			p.logger.DebugContext(ctx, "OTP already emitted for message", "message_id", ev.Message.ID)
			continue
		}
		events = append(events, ev)
	}
	p.settle(settled)

	if len(events) == 0 {
		return 0
	}
	p.logger.InfoContext(ctx, "New OTP events", "count", len(events))
	otpEventsEmittedCounter.Add(float64(len(events)))
	p.sink.HandleOTPEvents(commitCtx, events)
	return len(events)
}

// admit filters msgs down to the ones not yet settled.
func (p *Poller) admit(msgs []core_domain.Message) []core_domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []core_domain.Message
	for _, m := range msgs {
		if m.FromSelf {
			continue
		}
		if _, seen := p.processed[m.ID]; seen {
			continue
		}
		if p.config.Skip != nil && p.config.Skip(m.Body) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// settle records msgs as processed and scanned.
func (p *Poller) settle(msgs []core_domain.Message) {
	if len(msgs) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if _, seen := p.processed[m.ID]; seen {
			continue
		}
		p.processed[m.ID] = struct{}{}
		p.messages = append(p.messages, m)
	}
}

// Messages returns a copy of every message scanned since the last reset.
func (p *Poller) Messages() []core_domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core_domain.Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// MarkRead flips the local read flag of a scanned message. It reports
// whether the message is known.
func (p *Poller) MarkRead(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.messages {
		if p.messages[i].ID == id {
			p.messages[i].Read = true
			return true
		}
	}
	return false
}
