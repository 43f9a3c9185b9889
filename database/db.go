package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite telemetry database. WAL mode with a busy timeout
// lets the collector and dashboard processes share the file.
func InitDB(dataSourceName string) (*sql.DB, error) {
	if dir := filepath.Dir(dataSourceName); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	// loc=auto keeps scanned timestamps in local time, matching the CSV
	// backend.
	db, err := sql.Open("sqlite3", dataSourceName+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&loc=auto")
	if err != nil {
		return nil, err
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return db, nil
}
