// Package dbmigrations exposes embedded SQL migrations for fieldcare binaries.
package dbmigrations

import (
	"embed"
	"io/fs"
)

// Files contains the embedded SQL migrations, one directory per storage engine.
//
//go:embed sqlite/*.sql postgres/*.sql
var Files embed.FS

const (
	// SQLiteDir is the directory inside Files holding SQLite migrations.
	SQLiteDir = "sqlite"
	// PostgresDir is the directory inside Files holding Postgres migrations.
	PostgresDir = "postgres"
)

// Sub returns the migrations for one engine directory.
func Sub(dir string) (fs.FS, error) {
	return fs.Sub(Files, dir)
}
