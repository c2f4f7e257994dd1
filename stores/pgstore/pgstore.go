// Package pgstore provides a MessageStore backed by PostgreSQL, for
// deployments that want durable, shared channel history alongside the
// Postgres transport.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hubrelay/hubrelay-go/broker"
)

// DefaultRetention is used when Set or AppendList receive a zero TTL.
const DefaultRetention = time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS hubrelay_values (
    key        TEXT PRIMARY KEY,
    value      BYTEA NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS hubrelay_lists (
    key        TEXT NOT NULL,
    seq        BIGSERIAL,
    value      TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (key, seq)
);
CREATE INDEX IF NOT EXISTS hubrelay_values_expiry ON hubrelay_values (expires_at);
CREATE INDEX IF NOT EXISTS hubrelay_lists_expiry ON hubrelay_lists (expires_at);
`

// Store is a pgx-backed MessageStore with a background expiry sweep.
type Store struct {
	pool      *pgxpool.Pool
	retention time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures the store.
type Option func(*Store)

// WithRetention sets the default TTL applied when callers pass zero.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// New ensures the schema exists and starts the expiry sweep. The pool is
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool, options ...Option) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("create store schema: %w", err)
	}

	s := &Store{
		pool:      pool,
		retention: DefaultRetention,
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.sweep(sweepCtx)

	return s, nil
}

func (s *Store) sweep(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.pool.Exec(ctx, `DELETE FROM hubrelay_values WHERE expires_at < now()`); err != nil && ctx.Err() == nil {
				continue
			}
			s.pool.Exec(ctx, `DELETE FROM hubrelay_lists WHERE expires_at < now()`)
		}
	}
}

func (s *Store) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.retention
	}
	return ttl
}

// Set stores a value under key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hubrelay_values (key, value, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (key) DO UPDATE
		SET value = $2, expires_at = now() + make_interval(secs => $3)`,
		key, value, s.ttlOrDefault(ttl).Seconds())
	if err != nil {
		return fmt.Errorf("store set %q: %w", key, err)
	}
	return nil
}

// Get retrieves a value, treating expired rows as missing.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM hubrelay_values WHERE key = $1 AND expires_at > now()`,
		key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, broker.ErrStoreKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get %q: %w", key, err)
	}
	return value, nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM hubrelay_values WHERE key = $1`, key); err != nil {
		return fmt.Errorf("store delete %q: %w", key, err)
	}
	return nil
}

// AppendList appends to the list under key and refreshes the TTL of the
// whole list.
func (s *Store) AppendList(ctx context.Context, key, value string, ttl time.Duration) error {
	retention := s.ttlOrDefault(ttl)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO hubrelay_lists (key, value, expires_at)
			VALUES ($1, $2, now() + make_interval(secs => $3))`,
			key, value, retention.Seconds()); err != nil {
			return fmt.Errorf("store append %q: %w", key, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE hubrelay_lists SET expires_at = now() + make_interval(secs => $2) WHERE key = $1`,
			key, retention.Seconds()); err != nil {
			return fmt.Errorf("store refresh %q: %w", key, err)
		}
		return nil
	})
}

// GetList returns the list under key, oldest first.
func (s *Store) GetList(ctx context.Context, key string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT value FROM hubrelay_lists
		WHERE key = $1 AND expires_at > now()
		ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("store list %q: %w", key, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("store list scan: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Close stops the sweep. The pool is owned by the caller and is not closed
// here.
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	return nil
}
