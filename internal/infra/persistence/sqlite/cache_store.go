package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/domain/cachestore"
)

// CacheStorage keeps named response buckets in the cache_buckets and cache_entries tables.
type CacheStorage struct {
	db  *sql.DB
	now func() time.Time
}

const (
	bucketInsertSQL = `
INSERT INTO cache_buckets (name, created_at)
VALUES (?, ?)
ON CONFLICT (name) DO NOTHING;
`

	bucketExistsSQL = `
SELECT 1 FROM cache_buckets WHERE name = ?;
`

	bucketNamesSQL = `
SELECT name FROM cache_buckets ORDER BY name ASC;
`

	bucketDeleteEntriesSQL = `
DELETE FROM cache_entries WHERE bucket = ?;
`

	bucketDeleteSQL = `
DELETE FROM cache_buckets WHERE name = ?;
`

	entrySelectSQL = `
SELECT status, header, body, stored_at
FROM cache_entries
WHERE bucket = ? AND request_key = ?;
`

	entryUpsertSQL = `
INSERT INTO cache_entries (bucket, request_key, status, header, body, stored_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (bucket, request_key) DO UPDATE SET
	status = excluded.status,
	header = excluded.header,
	body = excluded.body,
	stored_at = excluded.stored_at;
`

	entryCountSQL = `
SELECT COUNT(*) FROM cache_entries WHERE bucket = ?;
`
)

// Open returns the bucket named name, creating it when absent.
func (s *CacheStorage) Open(ctx context.Context, name string) (cachestore.Bucket, error) {
	if s.db == nil {
		return nil, fmt.Errorf("cache storage: nil db")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("bucket name required"))
	}
	if _, err := s.db.ExecContext(ctx, bucketInsertSQL, name, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, persistenceError("open bucket", err)
	}
	return &cacheBucket{db: s.db, name: name, now: s.now}, nil
}

// Lookup returns an existing bucket without creating it.
func (s *CacheStorage) Lookup(ctx context.Context, name string) (cachestore.Bucket, bool, error) {
	if s.db == nil {
		return nil, false, fmt.Errorf("cache storage: nil db")
	}
	var one int
	err := s.db.QueryRowContext(ctx, bucketExistsSQL, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, persistenceError("lookup bucket", err)
	}
	return &cacheBucket{db: s.db, name: name, now: s.now}, true, nil
}

// Names lists bucket names in lexical order.
func (s *CacheStorage) Names(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("cache storage: nil db")
	}
	rows, err := s.db.QueryContext(ctx, bucketNamesSQL)
	if err != nil {
		return nil, persistenceError("list buckets", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, persistenceError("scan bucket", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate buckets", err)
	}
	return names, nil
}

// Delete drops the bucket and its entries in one transaction.
func (s *CacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("cache storage: nil db")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, persistenceError("begin delete bucket", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, bucketDeleteEntriesSQL, name); err != nil {
		return false, persistenceError("delete bucket entries", err)
	}
	res, err := tx.ExecContext(ctx, bucketDeleteSQL, name)
	if err != nil {
		return false, persistenceError("delete bucket", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, persistenceError("delete bucket rows", err)
	}
	if err := tx.Commit(); err != nil {
		return false, persistenceError("commit delete bucket", err)
	}
	return affected > 0, nil
}

type cacheBucket struct {
	db   *sql.DB
	name string
	now  func() time.Time
}

func (b *cacheBucket) Name() string { return b.name }

func (b *cacheBucket) Match(ctx context.Context, key string) (*cachestore.StoredResponse, bool, error) {
	var (
		status   int
		header   []byte
		body     []byte
		storedAt string
	)
	err := b.db.QueryRowContext(ctx, entrySelectSQL, b.name, key).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, persistenceError("match entry", err)
	}
	resp := &cachestore.StoredResponse{Status: status, Header: make(http.Header), Body: body}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &resp.Header); err != nil {
			return nil, false, persistenceError("decode entry header", err)
		}
		if resp.Header == nil {
			resp.Header = make(http.Header)
		}
	}
	if resp.StoredAt, err = time.Parse(time.RFC3339Nano, storedAt); err != nil {
		return nil, false, persistenceError("parse stored_at", err)
	}
	return resp, true, nil
}

func (b *cacheBucket) Put(ctx context.Context, key string, resp *cachestore.StoredResponse) error {
	if resp == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("response required"))
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return persistenceError("encode entry header", err)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = b.now()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	if _, err := b.db.ExecContext(ctx, entryUpsertSQL,
		b.name, key, resp.Status, header, body, storedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return persistenceError("put entry", err)
	}
	return nil
}

func (b *cacheBucket) Len(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, entryCountSQL, b.name).Scan(&n); err != nil {
		return 0, persistenceError("count entries", err)
	}
	return n, nil
}

var _ cachestore.Storage = (*CacheStorage)(nil)
