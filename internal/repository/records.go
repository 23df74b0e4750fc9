package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// defaultAlertLimit caps alert listings that do not set a limit.
const defaultAlertLimit = 100

// SaveScoreResult stores the full result as JSON alongside indexed columns.
// Scoring a transaction twice replaces the earlier result.
func (r *SQLRepository) SaveScoreResult(ctx context.Context, result *domain.ScoreResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: score result: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO score_results (id, tx_id, sender_id, composite, severity, result, scored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_id) DO UPDATE SET
			id = excluded.id,
			composite = excluded.composite,
			severity = excluded.severity,
			result = excluded.result,
			scored_at = excluded.scored_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		result.ID, result.TxID, result.SenderID, result.Composite,
		string(result.Severity), string(payload), result.ScoredAt.UTC(),
	)
	return err
}

// GetScoreResult retrieves the score result for a transaction.
func (r *SQLRepository) GetScoreResult(ctx context.Context, txID string) (*domain.ScoreResult, error) {
	query := `SELECT result FROM score_results WHERE tx_id = ?`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var result domain.ScoreResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to parse score result for %s: %w", txID, err)
	}
	return &result, nil
}

const alertColumns = `id, tx_id, sender_id, severity, alert_type, message, status, composite, result, created_at`

// SaveAlert stores an alert decision.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.AlertDecision) error {
	var payload sql.NullString
	if alert.Result != nil {
		data, err := json.Marshal(alert.Result)
		if err != nil {
			return fmt.Errorf("%w: alert result: %v", ErrInvalidInput, err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	status := alert.Status
	if status == "" {
		status = domain.AlertOpen
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, alert.TxID, alert.SenderID, string(alert.Severity),
		string(alert.AlertType), alert.Message, string(status), alert.Composite,
		payload, alert.CreatedAt.UTC(), alert.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: alert %s", ErrConflict, alert.ID)
	}
	return err
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.AlertDecision, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`
	return r.scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
}

// ListAlerts returns alerts newest first, narrowed by the filter.
func (r *SQLRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.AlertDecision, error) {
	var where []string
	var args []any

	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAlertLimit
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.AlertDecision
	for rows.Next() {
		alert, err := r.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	return alerts, rows.Err()
}

// UpdateAlertStatus moves an alert through its triage lifecycle.
func (r *SQLRepository) UpdateAlertStatus(ctx context.Context, alertID string, status domain.AlertStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown alert status %q", ErrInvalidInput, status)
	}

	query := `
		UPDATE alerts
		SET status = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(status), time.Now().UTC(), alertID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func (r *SQLRepository) scanAlert(row scanner) (*domain.AlertDecision, error) {
	var alert domain.AlertDecision
	var severity, alertType, status string
	var payload sql.NullString

	err := row.Scan(
		&alert.ID, &alert.TxID, &alert.SenderID, &severity, &alertType,
		&alert.Message, &status, &alert.Composite, &payload, &alert.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	alert.Severity = domain.Severity(severity)
	alert.AlertType = domain.AlertType(alertType)
	alert.Status = domain.AlertStatus(status)
	alert.CreatedAt = alert.CreatedAt.UTC()
	if payload.Valid && payload.String != "" {
		var result domain.ScoreResult
		if err := json.Unmarshal([]byte(payload.String), &result); err != nil {
			return nil, fmt.Errorf("failed to parse result for alert %s: %w", alert.ID, err)
		}
		alert.Result = &result
	}

	return &alert, nil
}

// RecordAudit appends an audit entry.
func (r *SQLRepository) RecordAudit(ctx context.Context, entry *domain.AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("%w: audit details: %v", ErrInvalidInput, err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_log (id, action, entity_type, entity_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, entry.Action, entry.EntityType, entry.EntityID,
		string(details), entry.CreatedAt.UTC(),
	)
	return err
}

// ListAudit returns the audit trail for one entity, oldest first.
func (r *SQLRepository) ListAudit(ctx context.Context, entityID string) ([]*domain.AuditEntry, error) {
	query := `
		SELECT id, action, entity_type, entity_id, details, created_at
		FROM audit_log
		WHERE entity_id = ?
		ORDER BY created_at ASC, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var entry domain.AuditEntry
		var details sql.NullString

		if err := rows.Scan(
			&entry.ID, &entry.Action, &entry.EntityType, &entry.EntityID,
			&details, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}

		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to parse audit details for %s: %w", entry.ID, err)
			}
		}
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
