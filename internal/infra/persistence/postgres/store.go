// Package postgres implements the durable queue and wake registrations on a shared
// PostgreSQL database, for deployments where the offline queue lives on a field hub.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/infra/persistence/migrations"
	"github.com/coachpo/fieldcare/internal/observability"
)

const component = "persistence/postgres"

// Options configures the pool opened by Connect.
type Options struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	Logger          observability.Logger
	Clock           func() time.Time
}

// Store bundles the pool with the repositories built on it.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Connect migrates the database, opens a pool and registers pool gauges.
// Failures are reported as errs.CodeStoreUnavailable.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	logger := observability.Or(opts.Logger)
	dsn := strings.TrimSpace(opts.DSN)
	unavailable := func(msg string, err error) error {
		return errs.New(component, errs.CodeStoreUnavailable,
			errs.WithMessage(msg),
			errs.WithCause(err),
			errs.WithRemediation("verify store.dsn and that the database is reachable"))
	}
	if dsn == "" {
		return nil, unavailable("dsn required", nil)
	}
	if err := migrations.ApplyPostgres(ctx, dsn, logger); err != nil {
		return nil, unavailable("migrate database", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, unavailable("parse dsn", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("open pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping database", err)
	}
	ObservePoolMetrics(pool, "offline-queue")

	store := New(pool)
	if opts.Clock != nil {
		store.now = opts.Clock
	}
	logger.Info("offline store connected", observability.F("driver", "postgres"))
	return store, nil
}

// Pool exposes the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Queue returns the durable submission queue.
func (s *Store) Queue() *QueueStore {
	return &QueueStore{pool: s.pool, now: s.now}
}

// Wakes returns the wake registration store.
func (s *Store) Wakes() *WakeStore {
	return &WakeStore{pool: s.pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func persistenceError(op string, err error) error {
	return errs.New(component, errs.CodePersistence, errs.WithMessage(op), errs.WithCause(err))
}

func nilPool(store string) error {
	return fmt.Errorf("%s: nil pool", store)
}
