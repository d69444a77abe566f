package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgxpool.Pool the ledger needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createDeliveriesTable = `CREATE TABLE IF NOT EXISTS otp_deliveries (
	message_id TEXT PRIMARY KEY,
	emitted_at TIMESTAMPTZ NOT NULL
)`

const insertDelivery = `INSERT INTO otp_deliveries (message_id, emitted_at) VALUES ($1, $2) ON CONFLICT (message_id) DO NOTHING`

// PgDeliveryLedger remembers which message ids already produced an event,
// so a restart or Reset does not re-announce the same code.
type PgDeliveryLedger struct {
	db     DBTX
	logger *slog.Logger
	now    func() time.Time
}

func NewPgDeliveryLedger(db DBTX, logger *slog.Logger) *PgDeliveryLedger {
	return &PgDeliveryLedger{db: db, logger: logger.With("component", "delivery_ledger_pg"), now: time.Now}
}

func (l *PgDeliveryLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, createDeliveriesTable); err != nil {
		return fmt.Errorf("creating otp_deliveries table: %w", err)
	}
	return nil
}

// MarkEmitted returns true the first time messageID is seen.
func (l *PgDeliveryLedger) MarkEmitted(ctx context.Context, messageID string) (bool, error) {
	tag, err := l.db.Exec(ctx, insertDelivery, messageID, l.now().UTC())
	if err != nil {
		l.logger.ErrorContext(ctx, "Error recording delivery", "message_id", messageID, "error", err)
		return false, fmt.Errorf("recording delivery for %s: %w", messageID, err)
	}
	return tag.RowsAffected() == 1, nil
}
