package domain

import (
	"context"
	"errors"
	"time"

	"github.com/otprelay/golang_services/internal/core_domain"
)

// ErrSourceUnavailable wraps read failures caused by missing access or an
// unreachable message store.
var ErrSourceUnavailable = errors.New("message source unavailable")

// MessageSource is the read-only store messages are polled from.
type MessageSource interface {
	ReadMessagesSince(ctx context.Context, since time.Time) ([]core_domain.Message, error)
}

// AccessChecker reports whether the source is readable right now.
type AccessChecker interface {
	HasRequiredAccess(ctx context.Context) bool
}

// DeliveryLedger remembers which message ids were already emitted as OTP
// events. It outlives poller resets.
type DeliveryLedger interface {
	// MarkEmitted records id and reports whether this was the first time.
	MarkEmitted(ctx context.Context, messageID string) (bool, error)
}

// EventSink receives each tick's new OTP events, oldest first.
type EventSink interface {
	HandleOTPEvents(ctx context.Context, events []core_domain.OTPEvent)
}
