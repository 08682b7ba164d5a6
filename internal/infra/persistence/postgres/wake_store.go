package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/domain/wakestore"
)

// WakeStore persists background wake registrations in PostgreSQL.
type WakeStore struct {
	pool *pgxpool.Pool
}

// NewWakeStore constructs a WakeStore backed by the provided pool.
func NewWakeStore(pool *pgxpool.Pool) *WakeStore {
	return &WakeStore{pool: pool}
}

const (
	wakeUpsertSQL = `
INSERT INTO sync_registrations (tag, requested_at)
VALUES ($1, NOW())
ON CONFLICT (tag) DO UPDATE SET
    requested_at = EXCLUDED.requested_at,
    generation   = sync_registrations.generation + 1;
`

	wakeListSQL = `
SELECT tag, requested_at, generation
FROM sync_registrations
ORDER BY requested_at ASC, tag ASC;
`

	wakeDeleteSQL = `
DELETE FROM sync_registrations
WHERE tag = $1 AND generation = $2;
`
)

func (s *WakeStore) Register(ctx context.Context, tag string) error {
	if s.pool == nil {
		return nilPool("wake store")
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("wake tag required"))
	}
	if _, err := s.pool.Exec(ctx, wakeUpsertSQL, tag); err != nil {
		return persistenceError("register wake", err)
	}
	return nil
}

func (s *WakeStore) Pending(ctx context.Context) ([]wakestore.Registration, error) {
	if s.pool == nil {
		return nil, nilPool("wake store")
	}
	rows, err := s.pool.Query(ctx, wakeListSQL)
	if err != nil {
		return nil, persistenceError("list wakes", err)
	}
	defer rows.Close()
	var out []wakestore.Registration
	for rows.Next() {
		var reg wakestore.Registration
		if err := rows.Scan(&reg.Tag, &reg.RequestedAt, &reg.Generation); err != nil {
			return nil, persistenceError("scan wake", err)
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate wakes", err)
	}
	return out, nil
}

func (s *WakeStore) Clear(ctx context.Context, reg wakestore.Registration) (bool, error) {
	if s.pool == nil {
		return false, nilPool("wake store")
	}
	tag, err := s.pool.Exec(ctx, wakeDeleteSQL, strings.TrimSpace(reg.Tag), reg.Generation)
	if err != nil {
		return false, persistenceError("clear wake", err)
	}
	return tag.RowsAffected() > 0, nil
}

var _ wakestore.Store = (*WakeStore)(nil)
