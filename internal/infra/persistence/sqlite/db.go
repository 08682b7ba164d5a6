// Package sqlite implements the local durable stores on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/infra/persistence/migrations"
	"github.com/coachpo/fieldcare/internal/observability"
)

const component = "persistence/sqlite"

// Options identifies the database file. Path wins when set; otherwise the file is
// <Dir>/<Name>-v<Version>.db so that a version bump yields a fresh database.
type Options struct {
	Path        string
	Dir         string
	Name        string
	Version     int
	BusyTimeout time.Duration
	Logger      observability.Logger
	Clock       func() time.Time
}

// FileName returns the database file name for a store identity.
func FileName(name string, version int) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "fieldcare-offline"
	}
	if version <= 0 {
		version = 1
	}
	return fmt.Sprintf("%s-v%d.db", name, version)
}

func (o Options) path() string {
	if p := strings.TrimSpace(o.Path); p != "" {
		return p
	}
	dir := strings.TrimSpace(o.Dir)
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName(o.Name, o.Version))
}

func dsn(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// DB owns the SQLite handle shared by the queue, wake and cache stores.
type DB struct {
	db     *sql.DB
	path   string
	logger observability.Logger
	now    func() time.Time
}

// Open creates, migrates and opens the database. Any failure is reported as
// errs.CodeStoreUnavailable: the caller must run without offline capture.
func Open(ctx context.Context, opts Options) (*DB, error) {
	logger := observability.Or(opts.Logger)
	path := opts.path()
	unavailable := func(msg string, err error) error {
		return errs.New(component, errs.CodeStoreUnavailable,
			errs.WithMessage(msg),
			errs.WithField("path", path),
			errs.WithCause(err),
			errs.WithRemediation("check that the data directory exists, is writable and has free space"))
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, unavailable("create data directory", err)
		}
	}
	source := dsn(path, opts.BusyTimeout)
	if err := migrations.ApplySQLite(ctx, source, logger); err != nil {
		return nil, unavailable("migrate database", err)
	}

	handle, err := sql.Open("sqlite", source)
	if err != nil {
		return nil, unavailable("open database", err)
	}
	// SQLite allows a single writer; serialising here avoids SQLITE_BUSY inside the process.
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	if err := handle.PingContext(ctx); err != nil {
		_ = handle.Close()
		return nil, unavailable("ping database", err)
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger.Info("offline store opened", observability.F("path", path))
	return &DB{db: handle, path: path, logger: logger, now: now}, nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Queue returns the durable submission queue.
func (d *DB) Queue() *QueueStore {
	return &QueueStore{db: d.db, now: d.now}
}

// Wakes returns the wake registration store.
func (d *DB) Wakes() *WakeStore {
	return &WakeStore{db: d.db, now: d.now}
}

// Cache returns the response bucket storage.
func (d *DB) Cache() *CacheStorage {
	return &CacheStorage{db: d.db, now: d.now}
}

// Close releases the handle.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
