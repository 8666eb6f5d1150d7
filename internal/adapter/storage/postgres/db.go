package postgres

import (
	"context"
	"fmt"
	"time"

	"travel-event-core/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// NewPool opens the pgx pool shared by every repository and waits for the
// database to answer a ping, retrying up to cfg.ConnectRetries times.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	attempts, err := pingWithRetry(ctx, pool.Ping, cfg.ConnectRetries, cfg.ConnectRetryDelay, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database after %d attempts: %w", attempts, err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("dbname", cfg.DBName).
		Int32("max_conns", cfg.MaxConns).
		Int("attempts", attempts).
		Msg("PostgreSQL connection pool established")

	return pool, nil
}

// pingWithRetry calls ping until it succeeds, retries run out or ctx ends.
// It returns the number of attempts made.
func pingWithRetry(ctx context.Context, ping func(context.Context) error, retries int, delay time.Duration, log zerolog.Logger) (int, error) {
	if retries < 1 {
		retries = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		if err = ping(ctx); err == nil {
			return attempt, nil
		}
		if attempt >= retries {
			return attempt, err
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Database not ready")
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(delay):
		}
	}
}
