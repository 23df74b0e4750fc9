package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	defaultSQLitePath = "./sentinel.db"
	pingTimeout       = 5 * time.Second
)

// sqlitePragmas are applied to every pooled connection. Ingestion writes a
// transaction, its score result and an audit entry per request, so writers
// take the lock up front (immediate) instead of upgrading mid-transaction.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
	"temp_store(MEMORY)",
}

// openSQLite opens a SQLite database using the pure Go modernc driver.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = defaultSQLitePath
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Every :memory: connection is its own database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := ping(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return db.PingContext(ctx)
}
