// Package graphstore implements the typed adapter over the transfer
// graph on top of database/sql, backed by SQLite (standalone tier) or
// PostgreSQL (clustered tier). Multi-hop traversal lives exclusively in
// the batch analyzer; this package only ever issues indexed, O(1)-degree
// queries on the hot path.
package graphstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// SQLStore implements domain.GraphStore using database/sql. The same SQL
// (with `?` placeholders rebound to `$n` for Postgres) runs against both
// drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// New opens a graph store based on configuration and runs migrations.
func New(cfg domain.GraphStoreConfig) (*SQLStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported graph store driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &SQLStore{db: db, driver: cfg.Driver}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate graph store: %w", err)
	}
	return store, nil
}

func (s *SQLStore) migrate() error {
	for _, stmt := range allSchemas() {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts `?` placeholders to Postgres `$n` positional params.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// withRetry implements the write-retry backoff: base 20ms, factor 2, jitter
// uniform up to 10ms, capped at 3 attempts.
func (s *SQLStore) withRetry(ctx context.Context, op func() error) error {
	const (
		base     = 20 * time.Millisecond
		factor   = 2
		maxJit   = 10 * time.Millisecond
		attempts = 3
	)

	var lastErr error
	delay := base
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return fmt.Errorf("%w: %v", domain.ErrStore, lastErr)
		}
		if attempt == attempts-1 {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(maxJit)))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= factor
	}
	return fmt.Errorf("%w: %v", domain.ErrTransientStore, lastErr)
}

// isTransient classifies SQLite busy/locked and Postgres serialization
// failure (40001) / deadlock (40P01) errors as retryable conflicts.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "sqlite_busy"):
		return true
	case strings.Contains(msg, "database is locked"):
		return true
	case strings.Contains(msg, "40001"):
		return true
	case strings.Contains(msg, "40p01"):
		return true
	case strings.Contains(msg, "deadlock"):
		return true
	case strings.Contains(msg, "serialization"):
		return true
	default:
		return false
	}
}

func scanErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}
