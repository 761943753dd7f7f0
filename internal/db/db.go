// Package db opens the backend's SQLite database inside the workspace's
// .intakeline directory, next to the session store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbName = "intakeline.db"

type Config struct {
	Workspace string
}

// Open creates the workspace directory if needed and opens the database
// with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	path := Path(cfg.Workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path)
	return sql.Open("sqlite", dsn)
}

// Path returns the database location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".intakeline", dbName)
}
