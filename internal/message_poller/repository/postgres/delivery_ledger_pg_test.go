package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgDeliveryLedger_MarkEmitted(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	insertSQL := `INSERT INTO otp_deliveries \(message_id, emitted_at\) VALUES \(\$1, \$2\) ON CONFLICT \(message_id\) DO NOTHING`

	t.Run("FirstDelivery", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		ledger := NewPgDeliveryLedger(mockPool, logger)
		ledger.now = func() time.Time { return fixed }

		mockPool.ExpectExec(insertSQL).
			WithArgs("guid-1", fixed).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		first, err := ledger.MarkEmitted(context.Background(), "guid-1")
		assert.NoError(t, err)
		assert.True(t, first)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("AlreadyDelivered", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		ledger := NewPgDeliveryLedger(mockPool, logger)
		ledger.now = func() time.Time { return fixed }

		mockPool.ExpectExec(insertSQL).
			WithArgs("guid-1", fixed).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		first, err := ledger.MarkEmitted(context.Background(), "guid-1")
		assert.NoError(t, err)
		assert.False(t, first)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("ExecError", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		ledger := NewPgDeliveryLedger(mockPool, logger)
		ledger.now = func() time.Time { return fixed }

		mockPool.ExpectExec(insertSQL).
			WithArgs("guid-2", fixed).
			WillReturnError(errors.New("connection reset"))

		first, err := ledger.MarkEmitted(context.Background(), "guid-2")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
		assert.False(t, first)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgDeliveryLedger_EnsureSchema(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	ledger := NewPgDeliveryLedger(mockPool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mockPool.ExpectExec(`CREATE TABLE IF NOT EXISTS otp_deliveries`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, ledger.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
