package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerPoolOptions sizes the pool behind the delivery ledger. The ledger
// writes one row per scanned OTP, so the defaults stay small.
type LedgerPoolOptions struct {
	AppName        string
	MaxConns       int32
	ConnectTimeout time.Duration
}

func DefaultLedgerPoolOptions(appName string) LedgerPoolOptions {
	return LedgerPoolOptions{AppName: appName, MaxConns: 4, ConnectTimeout: 5 * time.Second}
}

func ledgerPoolConfig(dsn string, opts LedgerPoolOptions) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse ledger dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 0
	cfg.MaxConnIdleTime = 10 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	if opts.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}
	if opts.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.AppName
	}
	return cfg, nil
}

// OpenLedgerPool connects to the ledger database and checks it answers
// within the connect timeout. Only host and database are logged.
func OpenLedgerPool(ctx context.Context, dsn string, opts LedgerPoolOptions, logger *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := ledgerPoolConfig(dsn, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger pool: %w", err)
	}

	timeout := cfg.ConnConfig.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultLedgerPoolOptions("").ConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger database %s/%s unreachable: %w", cfg.ConnConfig.Host, cfg.ConnConfig.Database, err)
	}

	logger.Info("Ledger database connected", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database, "max_conns", cfg.MaxConns)
	return pool, nil
}
