// Package db is the transactional boundary between the PPE core and the
// queue database: opening the pool, creating a batch, claiming ready
// jobs, and recording outcomes through the ppe.* stored procedures.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// Config holds the PostgreSQL connection settings for the queue pool.
type Config struct {
	ConnectionString string        // DSN for the queue database
	MaxConnections   int           // upper bound on pool size (minimum 3)
	ApplicationName  string        // identifier reported to pg_stat_activity
	ConnMaxLifetime  time.Duration // recycle connections after this long
}

// Validate checks Config against the invariants in the configuration
// table: a non-empty connection string and a pool of at least 3.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ConnectionString) == "" {
		return fmt.Errorf("connection-string is required")
	}
	if c.MaxConnections < 3 {
		return fmt.Errorf("max-connections must be >= 3, got %d", c.MaxConnections)
	}
	return nil
}

// defaultStatementTimeoutMs backstops the pool connections this package
// opens against a runaway ppe.* procedure call: the executor already
// bounds a SqlTask's own connection with the task's timeout_seconds
// (internal/executor), but the pool's maintenance/log/claim statements
// have no per-call timeout of their own, so the DSN carries one.
const defaultStatementTimeoutMs = 60000

// withStatementTimeout adds statement_timeout to dsn unless it already
// sets one, supporting both URL (postgresql://...) and key=value DSNs.
func withStatementTimeout(dsn string, timeoutMs int) string {
	if dsn == "" || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}
	if timeoutMs <= 0 {
		timeoutMs = defaultStatementTimeoutMs
	}
	timeoutStr := fmt.Sprintf("%d", timeoutMs)

	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		return dsn + separator + "statement_timeout=" + timeoutStr
	}

	return dsn + " statement_timeout=" + timeoutStr
}

func determineApplicationName() string {
	if override := strings.TrimSpace(os.Getenv("PPE_APP_NAME")); override != "" {
		return override
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return "ppe:" + host
	}
	return "ppe"
}

// openAttempts/openInitialBackoff/openMaxBackoff bound the connect-retry
// loop in Open: a batch restart already waits secondsBetweenRetries
// between whole-supervisor attempts, so this is a short, tighter retry
// for a single transient blip (pool exhaustion on the server side,
// a brief network partition) that would otherwise fail the batch outright.
const (
	openAttempts       = 5
	openInitialBackoff = 500 * time.Millisecond
	openMaxBackoff     = 8 * time.Second
)

// Open creates the pooled *sql.DB used for every query in this package.
// Open pings the database to fail fast on misconfiguration, retrying the
// ping with exponential backoff when the failure looks transient
// (isRetryableError) and giving up immediately otherwise.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	appName := cfg.ApplicationName
	if appName == "" {
		appName = determineApplicationName()
	}
	dsn := withStatementTimeout(cfg.ConnectionString, defaultStatementTimeoutMs)

	log.Info().Int("max_connections", cfg.MaxConnections).Msg("Opening PostgreSQL connection pool")

	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL pool: %w", err)
	}

	pool.SetMaxOpenConns(cfg.MaxConnections)
	pool.SetMaxIdleConns(cfg.MaxConnections)
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	pool.SetConnMaxLifetime(lifetime)

	if err := pingWithRetry(ctx, pool); err != nil {
		_ = pool.Close()
		return nil, err
	}

	return pool, nil
}

// pingWithRetry pings pool, retrying transient failures with exponential
// backoff up to openAttempts times. A non-retryable failure (bad DSN,
// auth rejection) returns on the first attempt.
func pingWithRetry(ctx context.Context, pool *sql.DB) error {
	backoff := openInitialBackoff
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= openAttempts; attempt++ {
		attempts = attempt
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := pool.PingContext(pingCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempts", attempt).Msg("PostgreSQL ping succeeded after retries")
			}
			return nil
		}
		lastErr = err

		if !isRetryableError(err) || attempt == openAttempts {
			break
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", backoff).
			Msg("PostgreSQL ping failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("ping retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > openMaxBackoff {
			backoff = openMaxBackoff
		}
	}

	return fmt.Errorf("failed to ping PostgreSQL after %d attempt(s): %w", attempts, lastErr)
}
