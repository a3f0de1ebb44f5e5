// Package connect dials the backing stores with retry, so a cold start
// does not lose the race against its own database container.
package connect

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/internal/config"
)

// Postgres establishes a connection to Postgres with retries and pool
// tuning. The handle is pinged before it is returned.
func Postgres(ctx context.Context, log *zap.Logger, cfg *config.Config) (*sql.DB, error) {
	var db *sql.DB
	attempt := 0

	op := func() error {
		attempt++
		log.Info("Attempting database connection", zap.Int("attempt", attempt))

		handle, err := sql.Open("postgres", cfg.DSN())
		if err != nil {
			log.Error("Failed to open database", zap.Error(err))
			return err
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = handle.PingContext(pingCtx)
		cancel()
		if err != nil {
			log.Error("Database ping failed", zap.Error(err))
			_ = handle.Close()
			return err
		}

		db = handle
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 5), ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetimeMinutes) * time.Minute)
	log.Info("Database connection established")
	return db, nil
}
