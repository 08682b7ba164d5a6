package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/domain/queuestore"
	"github.com/coachpo/fieldcare/internal/infra/telemetry"
)

// QueueStore persists pending submissions in the pending_submissions table.
type QueueStore struct {
	db  *sql.DB
	now func() time.Time
}

const (
	queueInsertSQL = `
INSERT INTO pending_submissions (payload, captured_at, synced)
VALUES (?, ?, 0);
`

	queueListPendingSQL = `
SELECT id, payload, captured_at, synced
FROM pending_submissions
ORDER BY id ASC;
`

	queueDeleteSQL = `
DELETE FROM pending_submissions
WHERE id = ?;
`

	queueCountSQL = `
SELECT COUNT(*) FROM pending_submissions;
`
)

// Append stores payload byte-for-byte and returns the assigned ID.
func (s *QueueStore) Append(ctx context.Context, payload json.RawMessage) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("queue store: nil db")
	}
	if len(payload) == 0 {
		return 0, errs.New(component, errs.CodeInvalid, errs.WithMessage("payload required"))
	}
	capturedAt := s.now().Format(queuestore.TimestampLayout)
	res, err := s.db.ExecContext(ctx, queueInsertSQL, []byte(payload), capturedAt)
	if err != nil {
		telemetry.RecordQueueAppend(ctx, "sqlite", "failed")
		return 0, persistenceError("append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		telemetry.RecordQueueAppend(ctx, "sqlite", "failed")
		return 0, persistenceError("append id", err)
	}
	telemetry.RecordQueueAppend(ctx, "sqlite", "success")
	return id, nil
}

// ListPending returns every resident record in ascending ID order.
func (s *QueueStore) ListPending(ctx context.Context) ([]queuestore.PendingSubmission, error) {
	if s.db == nil {
		return nil, fmt.Errorf("queue store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, queueListPendingSQL)
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
	if s.db == nil {
		return fmt.Errorf("queue store: nil db")
	}
	if _, err := s.db.ExecContext(ctx, queueDeleteSQL, id); err != nil {
		return errs.New(component, errs.CodePersistence,
			errs.WithMessage("remove"),
			errs.WithField("id", strconv.FormatInt(id, 10)),
			errs.WithCause(err))
	}
	return nil
}

// Count returns the number of resident records.
func (s *QueueStore) Count(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("queue store: nil db")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, queueCountSQL).Scan(&n); err != nil {
		return 0, persistenceError("count", err)
	}
	return n, nil
}

// Close is a no-op; the owning DB releases the handle.
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
		synced     int
	)
	if err := row.Scan(&record.ID, &payload, &capturedAt, &synced); err != nil {
		return queuestore.PendingSubmission{}, persistenceError("scan record", err)
	}
	ts, err := time.Parse(queuestore.TimestampLayout, capturedAt)
	if err != nil {
		return queuestore.PendingSubmission{}, persistenceError("parse captured_at", err)
	}
	record.Payload = json.RawMessage(payload)
	record.Timestamp = ts
	record.Synced = synced != 0
	return record, nil
}

func persistenceError(op string, err error) error {
	return errs.New(component, errs.CodePersistence, errs.WithMessage(op), errs.WithCause(err))
}

var _ queuestore.Store = (*QueueStore)(nil)
