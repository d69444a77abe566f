package memory

import (
	"context"
	"sync"
)

// DeliveryLedger is the process-local ledger used when no database is
// configured.
type DeliveryLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewDeliveryLedger() *DeliveryLedger {
	return &DeliveryLedger{seen: make(map[string]struct{})}
}

func (l *DeliveryLedger) MarkEmitted(_ context.Context, messageID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[messageID]; ok {
		return false, nil
	}
	l.seen[messageID] = struct{}{}
	return true, nil
}
