// Package migrations wires golang-migrate execution for fieldcare's storage engines.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	dbmigrations "github.com/coachpo/fieldcare/db/migrations"
	"github.com/coachpo/fieldcare/internal/infra/telemetry"
	"github.com/coachpo/fieldcare/internal/observability"
)

// Driver names a supported storage engine.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

var errNotDirectory = errors.New("migrations path must be a directory")

// ApplySQLite migrates the SQLite database file at path using the embedded migrations.
// It opens its own handle because the migrate driver closes the handle it is given.
func ApplySQLite(ctx context.Context, path string, logger observability.Logger) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("initialise sqlite driver: %w", err)
	}
	return applyEmbedded(ctx, DriverSQLite, dbmigrations.SQLiteDir, "sqlite", driver, logger)
}

// ApplyPostgres migrates the Postgres instance reachable via dsn using the embedded migrations.
func ApplyPostgres(ctx context.Context, dsn string, logger observability.Logger) error {
	db, err := openPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	return applyEmbedded(ctx, DriverPostgres, dbmigrations.PostgresDir, "pgx5", driver, logger)
}

// ApplyDir migrates Postgres from SQL files in migrationsDir instead of the embedded set.
func ApplyDir(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	db, err := openPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	return run(ctx, m, DriverPostgres, resolvedDir, logger)
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping migrations database: %w", err)
	}
	return db, nil
}

func applyEmbedded(ctx context.Context, driverName Driver, dir, dbName string, driver database.Driver, logger observability.Logger) error {
	fsys, err := dbmigrations.Sub(dir)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	src, err := iofs.New(fsys, ".")
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("initialise embedded source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dbName, driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	return run(ctx, m, driverName, "embedded:"+dir, logger)
}

func run(ctx context.Context, m *migrate.Migrate, driver Driver, origin string, logger observability.Logger) error {
	log := observability.Or(logger)
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			log.Error("database migrations source close", observability.F("err", sourceErr))
		}
		if dbErr != nil {
			log.Error("database migrations db close", observability.F("err", dbErr))
		}
	}()

	log.Info("running database migrations", observability.F("driver", string(driver)), observability.F("source", origin))

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			telemetry.RecordMigration(ctx, string(driver), "noop")
			log.Info("database migrations up-to-date", observability.F("driver", string(driver)))
			return nil
		}
		telemetry.RecordMigration(ctx, string(driver), "failed")
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, verr := m.Version()
	fields := []observability.Field{observability.F("driver", string(driver))}
	if verr == nil {
		fields = append(fields, observability.F("version", version), observability.F("dirty", dirty))
	}
	log.Info("database migrations applied", fields...)
	telemetry.RecordMigration(ctx, string(driver), "applied")
	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

// RollbackSQLite reverts the last steps migrations of the SQLite database at path.
func RollbackSQLite(ctx context.Context, path string, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be >0")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("initialise sqlite driver: %w", err)
	}
	fsys, err := dbmigrations.Sub(dbmigrations.SQLiteDir)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	src, err := iofs.New(fsys, ".")
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("initialise embedded source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Steps(-steps); err != nil {
		telemetry.RecordMigration(ctx, string(DriverSQLite), "rollback_failed")
		return fmt.Errorf("rollback migrations: %w", err)
	}
	observability.Or(logger).Info("database migrations rolled back", observability.F("driver", string(DriverSQLite)), observability.F("steps", steps))
	telemetry.RecordMigration(ctx, string(DriverSQLite), "rolled_back")
	return nil
}
