// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/opensource-finance/sentinel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("record already exists")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.Repository = (*SQLRepository)(nil)

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the pool for connection statistics.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

const transactionColumns = `id, external_id, sender_id, receiver_id, amount, currency, channel,
		merchant_category, device_fingerprint, ip_address, timestamp, metadata`

// SaveTransaction stores a transaction. A reused external ID yields ErrConflict.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO transactions (
			id, external_id, sender_id, receiver_id, amount, currency, channel,
			merchant_category, device_fingerprint, ip_address, timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, nullString(tx.ExternalID), tx.SenderID, tx.ReceiverID,
		tx.Amount.String(), tx.Currency, tx.Channel,
		tx.MerchantCategory, tx.DeviceFingerprint, tx.IPAddress,
		tx.Timestamp.UTC(), time.Now().UTC(), string(metadata),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s", ErrConflict, tx.ID)
	}
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`
	return r.scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
}

// GetTransactionByExternalID retrieves a transaction by the caller's reference.
func (r *SQLRepository) GetTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE external_id = ?`
	return r.scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), externalID))
}

// ListTransactionsSince returns transactions at or after since, oldest first.
func (r *SQLRepository) ListTransactionsSince(ctx context.Context, since time.Time) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE timestamp >= ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := r.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanTransaction(row scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var externalID, metadata sql.NullString

	err := row.Scan(
		&tx.ID, &externalID, &tx.SenderID, &tx.ReceiverID,
		&tx.Amount, &tx.Currency, &tx.Channel,
		&tx.MerchantCategory, &tx.DeviceFingerprint, &tx.IPAddress,
		&tx.Timestamp, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.ExternalID = externalID.String
	tx.Timestamp = tx.Timestamp.UTC()
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse metadata for %s: %w", tx.ID, err)
		}
	}

	return &tx, nil
}

const ruleColumns = `id, code, name, description, condition, weight, priority, active, created_at, updated_at`

// SaveRule inserts or replaces a rule by ID.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	condition, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("%w: condition: %v", ErrInvalidInput, err)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			description = excluded.description,
			condition = excluded.condition,
			weight = excluded.weight,
			priority = excluded.priority,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Code, rule.Name, rule.Description, string(condition),
		rule.Weight, rule.Priority, boolToInt(rule.Active),
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// GetRule retrieves a rule by ID, active or not.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = ?`
	return r.scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
}

// ListRules returns every rule ordered by priority.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority, id`)
}

// ActiveRules returns the rules the engine should load.
func (r *SQLRepository) ActiveRules(ctx context.Context) ([]*domain.Rule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE active = 1 ORDER BY priority, id`)
}

// DeactivateRule soft-deletes a rule by setting active = 0.
func (r *SQLRepository) DeactivateRule(ctx context.Context, ruleID string) error {
	query := `
		UPDATE rules
		SET active = 0, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func (r *SQLRepository) queryRules(ctx context.Context, query string, args ...any) ([]*domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

func (r *SQLRepository) scanRule(row scanner) (*domain.Rule, error) {
	var rule domain.Rule
	var condition string
	var active int

	err := row.Scan(
		&rule.ID, &rule.Code, &rule.Name, &rule.Description, &condition,
		&rule.Weight, &rule.Priority, &active,
		&rule.CreatedAt, &rule.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Active = active == 1
	if err := json.Unmarshal([]byte(condition), &rule.Condition); err != nil {
		return nil, fmt.Errorf("failed to parse condition for rule %s: %w", rule.ID, err)
	}

	return &rule, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func requireAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
