package postgres

import (
	"context"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/domain/queuestore"
	"github.com/coachpo/fieldcare/internal/infra/telemetry"
)

// QueueStore persists pending submissions in PostgreSQL.
type QueueStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewQueueStore constructs a QueueStore backed by the provided pool.
func NewQueueStore(pool *pgxpool.Pool) *QueueStore {
	return &QueueStore{pool: pool, now: time.Now}
}

const (
	queueInsertSQL = `
INSERT INTO pending_submissions (payload, captured_at, synced)
VALUES ($1, $2, FALSE)
RETURNING id;
`

	queueListPendingSQL = `
SELECT
    id,
    payload,
    captured_at,
    synced
FROM pending_submissions
ORDER BY id ASC;
`

	queueDeleteSQL = `
DELETE FROM pending_submissions
WHERE id = $1;
`

	queueCountSQL = `
SELECT COUNT(*) FROM pending_submissions;
`
)

// Append stores payload as BYTEA so it is returned byte-identical.
func (s *QueueStore) Append(ctx context.Context, payload json.RawMessage) (int64, error) {
	if s.pool == nil {
		return 0, nilPool("queue store")
	}
	if len(payload) == 0 {
		return 0, errs.New(component, errs.CodeInvalid, errs.WithMessage("payload required"))
	}
	var id int64
	capturedAt := s.now().Format(queuestore.TimestampLayout)
	if err := s.pool.QueryRow(ctx, queueInsertSQL, []byte(payload), capturedAt).Scan(&id); err != nil {
		telemetry.RecordQueueAppend(ctx, "postgres", "failed")
		return 0, persistenceError("append", err)
	}
	telemetry.RecordQueueAppend(ctx, "postgres", "success")
	return id, nil
}

// ListPending returns every resident record in ascending ID order.
func (s *QueueStore) ListPending(ctx context.Context) ([]queuestore.PendingSubmission, error) {
	if s.pool == nil {
		return nil, nilPool("queue store")
	}
	rows, err := s.pool.Query(ctx, queueListPendingSQL)
	if err != nil {
		return nil, persistenceError("list pending", err)
	}
	defer rows.Close()

	var records []queuestore.PendingSubmission
	for rows.Next() {
		record, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate pending", err)
	}
	return records, nil
}

// Remove deletes the record; absent IDs are ignored.
func (s *QueueStore) Remove(ctx context.Context, id int64) error {
	if s.pool == nil {
		return nilPool("queue store")
	}
	if _, err := s.pool.Exec(ctx, queueDeleteSQL, id); err != nil {
		return errs.New(component, errs.CodePersistence,
			errs.WithMessage("remove"),
			errs.WithField("id", strconv.FormatInt(id, 10)),
			errs.WithCause(err))
	}
	return nil
}

// Count returns the number of resident records.
func (s *QueueStore) Count(ctx context.Context) (int, error) {
	if s.pool == nil {
		return 0, nilPool("queue store")
	}
	var n int64
	if err := s.pool.QueryRow(ctx, queueCountSQL).Scan(&n); err != nil {
		return 0, persistenceError("count", err)
	}
	return int(n), nil
}

// Close is a no-op; the owning Store releases the pool.
func (s *QueueStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (queuestore.PendingSubmission, error) {
	var (
		record     queuestore.PendingSubmission
		payload    []byte
		capturedAt string
	)
	if err := row.Scan(&record.ID, &payload, &capturedAt, &record.Synced); err != nil {
		return queuestore.PendingSubmission{}, persistenceError("scan record", err)
	}
	ts, err := time.Parse(queuestore.TimestampLayout, capturedAt)
	if err != nil {
		return queuestore.PendingSubmission{}, persistenceError("parse captured_at", err)
	}
	record.Payload = json.RawMessage(payload)
	record.Timestamp = ts
	return record, nil
}

var _ queuestore.Store = (*QueueStore)(nil)
