package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/domain/wakestore"
)

// WakeStore persists background wake registrations.
type WakeStore struct {
	db  *sql.DB
	now func() time.Time
}

const (
	wakeUpsertSQL = `
INSERT INTO sync_registrations (tag, requested_at)
VALUES (?, ?)
ON CONFLICT (tag) DO UPDATE SET
    requested_at = excluded.requested_at,
    generation   = sync_registrations.generation + 1;
`

	wakeListSQL = `
SELECT tag, requested_at, generation
FROM sync_registrations
ORDER BY requested_at ASC, tag ASC;
`

	wakeDeleteSQL = `
DELETE FROM sync_registrations
WHERE tag = ? AND generation = ?;
`
)

// Register records or refreshes the registration for tag.
func (s *WakeStore) Register(ctx context.Context, tag string) error {
	if s.db == nil {
		return fmt.Errorf("wake store: nil db")
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("wake tag required"))
	}
	if _, err := s.db.ExecContext(ctx, wakeUpsertSQL, tag, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return persistenceError("register wake", err)
	}
	return nil
}

// Pending lists outstanding registrations, oldest first.
func (s *WakeStore) Pending(ctx context.Context) ([]wakestore.Registration, error) {
	if s.db == nil {
		return nil, fmt.Errorf("wake store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, wakeListSQL)
	if err != nil {
		return nil, persistenceError("list wakes", err)
	}
	defer rows.Close()
	var out []wakestore.Registration
	for rows.Next() {
		var (
			reg wakestore.Registration
			at  string
		)
		if err := rows.Scan(&reg.Tag, &at, &reg.Generation); err != nil {
			return nil, persistenceError("scan wake", err)
		}
		if reg.RequestedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, persistenceError("parse requested_at", err)
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate wakes", err)
	}
	return out, nil
}

// Clear removes reg unless its tag was registered again after reg was listed.
func (s *WakeStore) Clear(ctx context.Context, reg wakestore.Registration) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("wake store: nil db")
	}
	res, err := s.db.ExecContext(ctx, wakeDeleteSQL, strings.TrimSpace(reg.Tag), reg.Generation)
	if err != nil {
		return false, persistenceError("clear wake", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistenceError("clear wake", err)
	}
	return n > 0, nil
}

var _ wakestore.Store = (*WakeStore)(nil)
