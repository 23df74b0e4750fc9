// Package pipeline runs one transaction through dedup, persistence,
// scoring, audit and alert delivery. The HTTP API and the async worker
// share it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/rules"
	"github.com/opensource-finance/sentinel/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("sentinel-pipeline")

// Default cache lifetimes.
const (
	DefaultDedupTTL  = 24 * time.Hour
	DefaultResultTTL = 5 * time.Minute
)

// Outcome is what ingestion produced for one transaction. For a duplicate,
// Transaction and Result describe the earlier submission and nothing was
// rescored.
type Outcome struct {
	Transaction *domain.Transaction   `json:"transaction"`
	Result      *domain.ScoreResult   `json:"result,omitempty"`
	Alert       *domain.AlertDecision `json:"alert,omitempty"`
	Duplicate   bool                  `json:"duplicate,omitempty"`
}

// ScoredEvent is published on the scored topic.
type ScoredEvent struct {
	TransactionID  string          `json:"transactionId"`
	SenderID       string          `json:"senderId"`
	Composite      float64         `json:"composite"`
	Severity       domain.Severity `json:"severity"`
	TriggeredRules []string        `json:"triggeredRules,omitempty"`
	ScoredAt       time.Time       `json:"scoredAt"`
}

// Options carries the optional collaborators. Any of them may be nil.
type Options struct {
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Alerts     domain.AlertDispatcher

	DedupTTL  time.Duration
	ResultTTL time.Duration
}

// Pipeline ingests transactions.
type Pipeline struct {
	scorer *scoring.Scorer
	engine *rules.Engine
	opts   Options
}

// New creates a pipeline around a scorer and the engine that owns the
// active rule snapshot.
func New(scorer *scoring.Scorer, engine *rules.Engine, opts Options) *Pipeline {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultDedupTTL
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	return &Pipeline{
		scorer: scorer,
		engine: engine,
		opts:   opts,
	}
}

// Ingest validates, dedupes, persists and scores tx. Only validation and
// persistence failures are returned; everything after scoring is best
// effort and logged.
func (p *Pipeline) Ingest(ctx context.Context, tx *domain.Transaction) (*Outcome, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.Ingest",
		trace.WithAttributes(
			attribute.String("sender_id", tx.SenderID),
			attribute.String("external_id", tx.ExternalID),
		),
	)
	defer span.End()

	if err := tx.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Currency == "" {
		tx.Currency = domain.DefaultCurrency
	}
	span.SetAttributes(attribute.String("tx_id", tx.ID))

	if dup := p.findDuplicate(ctx, tx); dup != nil {
		metrics.DuplicateTransactionsTotal.Inc()
		span.SetAttributes(attribute.Bool("duplicate", true))
		slog.Info("duplicate transaction",
			"external_id", tx.ExternalID,
			"tx_id", dup.Transaction.ID,
		)
		return dup, nil
	}

	if p.opts.Repository != nil {
		if err := p.opts.Repository.SaveTransaction(ctx, tx); err != nil {
			if errors.Is(err, repository.ErrConflict) && tx.ExternalID != "" {
				// Another node won the race for this external ID.
				if dup := p.lookupByExternalID(ctx, tx.ExternalID); dup != nil {
					metrics.DuplicateTransactionsTotal.Inc()
					return dup, nil
				}
			}
			p.releaseClaim(ctx, tx)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to save transaction: %w", err)
		}
	}

	result, alert := p.scorer.Score(ctx, tx, p.engine.Snapshot())

	p.persist(ctx, tx, result, alert)
	p.publishScored(ctx, result)
	if alert != nil && p.opts.Alerts != nil {
		p.opts.Alerts.Dispatch(ctx, alert)
	}

	elapsed := time.Since(start)
	metrics.ScoringDuration.Observe(elapsed.Seconds())
	metrics.TransactionsScoredTotal.WithLabelValues(string(result.Severity), string(result.Explanation.Mode)).Inc()
	metrics.CompositeScore.Observe(result.Composite)
	metrics.TrackedSenders.Set(float64(p.scorer.TrackedSenders()))

	span.SetAttributes(
		attribute.Float64("composite", result.Composite),
		attribute.String("severity", string(result.Severity)),
	)

	slog.Info("transaction scored",
		"tx_id", tx.ID,
		"sender_id", tx.SenderID,
		"composite", result.Composite,
		"severity", result.Severity,
		"mode", result.Explanation.Mode,
		"triggered_rules", result.TriggeredRules,
		"duration_ms", elapsed.Milliseconds(),
	)

	return &Outcome{
		Transaction: tx,
		Result:      result,
		Alert:       alert,
	}, nil
}

// Result returns the score result for a transaction, cache first.
func (p *Pipeline) Result(ctx context.Context, txID string) (*domain.ScoreResult, error) {
	if p.opts.Cache != nil {
		if cached, err := p.opts.Cache.GetScoreResult(ctx, txID); err == nil && cached != nil {
			return cached, nil
		}
	}
	if p.opts.Repository == nil {
		return nil, repository.ErrNotFound
	}
	result, err := p.opts.Repository.GetScoreResult(ctx, txID)
	if err != nil {
		return nil, err
	}
	if p.opts.Cache != nil {
		_ = p.opts.Cache.SetScoreResult(ctx, txID, result, p.opts.ResultTTL)
	}
	return result, nil
}

// findDuplicate claims tx.ExternalID in the cache, falling back to the
// repository when the cache is absent or failing.
func (p *Pipeline) findDuplicate(ctx context.Context, tx *domain.Transaction) *Outcome {
	if tx.ExternalID == "" {
		return nil
	}

	if p.opts.Cache != nil {
		claimed, err := p.opts.Cache.SetIfAbsent(ctx, claimKey(tx.ExternalID), []byte(tx.ID), p.opts.DedupTTL)
		switch {
		case err != nil:
			slog.Warn("dedup claim failed, falling back to repository",
				"external_id", tx.ExternalID,
				"error", err,
			)
		case !claimed:
			if dup := p.lookupByExternalID(ctx, tx.ExternalID); dup != nil {
				return dup
			}
			// Claimed by a submission that has not been persisted yet,
			// or persisted nowhere because no repository is wired.
			existing, _ := p.opts.Cache.Get(ctx, claimKey(tx.ExternalID))
			return &Outcome{
				Transaction: &domain.Transaction{ID: string(existing), ExternalID: tx.ExternalID},
				Duplicate:   true,
			}
		default:
			return nil
		}
	}

	return p.lookupByExternalID(ctx, tx.ExternalID)
}

func (p *Pipeline) lookupByExternalID(ctx context.Context, externalID string) *Outcome {
	if p.opts.Repository == nil {
		return nil
	}
	existing, err := p.opts.Repository.GetTransactionByExternalID(ctx, externalID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Warn("external id lookup failed",
				"external_id", externalID,
				"error", err,
			)
		}
		return nil
	}
	out := &Outcome{Transaction: existing, Duplicate: true}
	if result, err := p.Result(ctx, existing.ID); err == nil {
		out.Result = result
	}
	return out
}

func (p *Pipeline) releaseClaim(ctx context.Context, tx *domain.Transaction) {
	if p.opts.Cache == nil || tx.ExternalID == "" {
		return
	}
	if err := p.opts.Cache.Delete(ctx, claimKey(tx.ExternalID)); err != nil {
		slog.Warn("failed to release dedup claim",
			"external_id", tx.ExternalID,
			"error", err,
		)
	}
}

func (p *Pipeline) persist(ctx context.Context, tx *domain.Transaction, result *domain.ScoreResult, alert *domain.AlertDecision) {
	if p.opts.Cache != nil {
		if err := p.opts.Cache.SetScoreResult(ctx, tx.ID, result, p.opts.ResultTTL); err != nil {
			slog.Warn("failed to cache score result", "tx_id", tx.ID, "error", err)
		}
	}

	repo := p.opts.Repository
	if repo == nil {
		return
	}

	if err := repo.SaveScoreResult(ctx, result); err != nil {
		slog.Error("failed to save score result", "tx_id", tx.ID, "error", err)
	}

	entry := &domain.AuditEntry{
		ID:         uuid.New().String(),
		Action:     domain.AuditTransactionScored,
		EntityType: "transaction",
		EntityID:   tx.ID,
		Details: map[string]any{
			"composite":       result.Composite,
			"severity":        result.Severity,
			"mode":            result.Explanation.Mode,
			"triggered_rules": result.TriggeredRules,
			"engine_version":  result.Explanation.EngineVersion,
		},
		CreatedAt: result.ScoredAt,
	}
	if err := repo.RecordAudit(ctx, entry); err != nil {
		slog.Error("failed to record audit entry", "tx_id", tx.ID, "error", err)
	}

	if alert != nil {
		if err := repo.SaveAlert(ctx, alert); err != nil {
			slog.Error("failed to save alert", "tx_id", tx.ID, "alert_id", alert.ID, "error", err)
		}
	}
}

func (p *Pipeline) publishScored(ctx context.Context, result *domain.ScoreResult) {
	if p.opts.Bus == nil {
		return
	}
	payload, err := json.Marshal(ScoredEvent{
		TransactionID:  result.TxID,
		SenderID:       result.SenderID,
		Composite:      result.Composite,
		Severity:       result.Severity,
		TriggeredRules: result.TriggeredRules,
		ScoredAt:       result.ScoredAt,
	})
	if err != nil {
		slog.Error("failed to encode scored event", "tx_id", result.TxID, "error", err)
		return
	}
	if err := p.opts.Bus.Publish(ctx, domain.TopicTransactionScored, payload); err != nil {
		slog.Warn("failed to publish scored event", "tx_id", result.TxID, "error", err)
	}
}

func claimKey(externalID string) string {
	return "ext:" + externalID
}
