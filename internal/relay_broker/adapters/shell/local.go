// Package shell is the in-process stand-in for the desktop shell.
package shell

import (
	"context"
	"log/slog"
	"sync"

	"github.com/otprelay/golang_services/internal/core_domain"
)

// MessageMarker flips the read flag of a scanned message.
type MessageMarker interface {
	MarkRead(messageID string) bool
}

// Local marks messages read in the poller's view and keeps the last copied
// code in memory.
type Local struct {
	marker MessageMarker
	logger *slog.Logger

	mu     sync.Mutex
	copied *core_domain.ParsedOTP
}

func NewLocal(marker MessageMarker, logger *slog.Logger) *Local {
	return &Local{marker: marker, logger: logger.With("component", "local_shell")}
}

func (s *Local) MarkRead(ctx context.Context, messageID string) bool {
	ok := s.marker.MarkRead(messageID)
	if !ok {
		s.logger.DebugContext(ctx, "Message not in poller view", "message_id", messageID)
	}
	return ok
}

func (s *Local) CopyCode(ctx context.Context, otp core_domain.ParsedOTP) error {
	s.mu.Lock()
	s.copied = &otp
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "Code copied", "service", otp.ServiceName())
	return nil
}

// LastCopied returns the most recently copied code.
func (s *Local) LastCopied() (core_domain.ParsedOTP, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.copied == nil {
		return core_domain.ParsedOTP{}, false
	}
	return *s.copied, true
}
