package repository

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/opensource-finance/sentinel/internal/domain"
)

// openPostgres opens a PostgreSQL database through a lib/pq connector.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	connector, err := pq.NewConnector(postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("invalid postgres settings: %w", err)
	}
	db := sql.OpenDB(connector)

	if err := ping(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}

// postgresDSN builds a key/value connection string. Values are quoted so
// passwords with spaces or quotes survive.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "sentinel"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	parts := []string{
		"host=" + quoteDSN(host),
		fmt.Sprintf("port=%d", port),
		"dbname=" + quoteDSN(dbname),
		"sslmode=" + quoteDSN(sslmode),
		"application_name=sentinel",
		"connect_timeout=5",
	}
	if cfg.PostgresUser != "" {
		parts = append(parts, "user="+quoteDSN(cfg.PostgresUser))
	}
	if cfg.PostgresPassword != "" {
		parts = append(parts, "password="+quoteDSN(cfg.PostgresPassword))
	}
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
