// Package domain defines the core interfaces and types for Sentinel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetTransactionByExternalID(ctx context.Context, externalID string) (*Transaction, error)
	ListTransactionsSince(ctx context.Context, since time.Time) ([]*Transaction, error)

	// Rule operations
	SaveRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	ActiveRules(ctx context.Context) ([]*Rule, error)
	DeactivateRule(ctx context.Context, ruleID string) error

	// Score results
	SaveScoreResult(ctx context.Context, result *ScoreResult) error
	GetScoreResult(ctx context.Context, txID string) (*ScoreResult, error)

	// Alerts
	SaveAlert(ctx context.Context, alert *AlertDecision) error
	GetAlert(ctx context.Context, alertID string) (*AlertDecision, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*AlertDecision, error)
	UpdateAlertStatus(ctx context.Context, alertID string, status AlertStatus) error

	// Audit log
	RecordAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, entityID string) ([]*AuditEntry, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "none"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
