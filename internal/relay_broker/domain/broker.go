package domain

import (
	"context"
	"sync"
	"time"

	"github.com/otprelay/golang_services/internal/core_domain"
)

// Shell is the desktop side that owns the message store and the clipboard.
type Shell interface {
	// MarkRead flags the source message read and reports success.
	MarkRead(ctx context.Context, messageID string) bool
	CopyCode(ctx context.Context, otp core_domain.ParsedOTP) error
}

// EventPublisher mirrors broker activity to an external bus.
type EventPublisher interface {
	PublishOTPEvent(ctx context.Context, ev core_domain.OTPEvent) error
	PublishCodeConsumed(ctx context.Context, messageID string) error
}

// LastEventSlot holds the most recently published event. The broker compares
// each candidate against it so an unchanged tail is not re-broadcast.
type LastEventSlot struct {
	mu sync.Mutex
	ev *core_domain.OTPEvent
}

// Swap stores ev when its OTP differs from the held one and reports whether
// it did. An empty slot always differs.
func (s *LastEventSlot) Swap(ev core_domain.OTPEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ev != nil && s.ev.OTP.Equal(ev.OTP) {
		return false
	}
	s.ev = &ev
	return true
}

func (s *LastEventSlot) Load() (core_domain.OTPEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ev == nil {
		return core_domain.OTPEvent{}, false
	}
	return *s.ev, true
}

// RecentCode is one broadcast event as tracked by the broker.
type RecentCode struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Service     string    `json:"service,omitempty"`
	Sender      string    `json:"sender"`
	Read        bool      `json:"read"`
	BroadcastAt time.Time `json:"broadcast_at"`
}
