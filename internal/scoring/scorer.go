// Package scoring fuses rule, velocity, anomaly and model signals into a
// composite risk score and decides whether to alert.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/ml"
	"github.com/opensource-finance/sentinel/internal/rules"
	"github.com/opensource-finance/sentinel/internal/velocity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EngineVersion is stamped on every explanation.
const EngineVersion = "sentinel-1.0"

var tracer = otel.Tracer("sentinel-scoring")

// Scorer produces a ScoreResult per transaction. Its configuration is fixed
// at construction; only the velocity tracker holds mutable state.
type Scorer struct {
	cfg     domain.ScoringConfig
	engine  *rules.Engine
	tracker *velocity.Tracker
	bridge  ml.Bridge
	mlMode  bool
}

// NewScorer validates cfg and wires the signal sources. A nil tracker leaves
// the velocity and anomaly signals unavailable; a nil bridge disables ML.
func NewScorer(cfg domain.ScoringConfig, engine *rules.Engine, tracker *velocity.Tracker, bridge ml.Bridge) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, fmt.Errorf("rule engine is required")
	}
	if bridge == nil {
		bridge = ml.Unavailable{Reason: "no bridge configured"}
	}
	return &Scorer{
		cfg:     cfg,
		engine:  engine,
		tracker: tracker,
		bridge:  bridge,
		mlMode:  cfg.MLEnabled && bridge.Available(),
	}, nil
}

// MLActive reports whether the model score replaces the rule-based blend.
func (s *Scorer) MLActive() bool {
	return s.mlMode
}

// TrackedSenders returns how many sender windows the tracker holds.
func (s *Scorer) TrackedSenders() int {
	if s.tracker == nil {
		return 0
	}
	return s.tracker.Len()
}

// Config returns the scoring configuration.
func (s *Scorer) Config() domain.ScoringConfig {
	return s.cfg
}

// Score evaluates tx against the rule snapshot and records it in the
// velocity tracker exactly once. It never fails: unavailable signals are
// redistributed and noted in the explanation.
func (s *Scorer) Score(ctx context.Context, tx *domain.Transaction, snap *rules.Snapshot) (*domain.ScoreResult, *domain.AlertDecision) {
	_, span := tracer.Start(ctx, "scoring.Score",
		trace.WithAttributes(
			attribute.String("tx_id", tx.ID),
			attribute.Int("rules", snap.Len()),
		),
	)
	defer span.End()

	rulesOut := s.engine.EvaluateAll(snap, tx)

	var velOut, anomOut domain.SignalOutput
	if s.tracker != nil {
		velOut, anomOut = s.tracker.RecordAndEvaluate(tx.SenderID, tx.Amount, tx.Timestamp)
	} else {
		velOut = domain.Unavailable(domain.SignalVelocity, "velocity tracking disabled")
		anomOut = domain.Unavailable(domain.SignalAnomaly, "velocity tracking disabled")
	}

	mode := domain.ModeRules
	var notes []string
	var mlOut domain.SignalOutput

	switch {
	case s.mlMode:
		pred, err := s.bridge.Score(tx)
		if err != nil {
			slog.Warn("ml scoring failed, using rule-based blend", "tx_id", tx.ID, "error", err)
			notes = append(notes, "ml scoring failed, fell back to rule-based blend")
			mlOut = domain.Unavailable(domain.SignalML, err.Error())
			break
		}
		mode = domain.ModeML
		mlOut = domain.SignalOutput{
			Signal:    domain.SignalML,
			Score:     clamp01(pred.Normalized),
			Available: true,
			ML: &domain.MLDetail{
				Raw:          pred.Raw,
				Normalized:   pred.Normalized,
				ModelVersion: pred.ModelVersion,
			},
		}
	case s.cfg.MLEnabled:
		mlOut = domain.Unavailable(domain.SignalML, "model unavailable")
	default:
		mlOut = domain.Unavailable(domain.SignalML, "disabled by configuration")
	}

	signals := []domain.SignalOutput{rulesOut, velOut, anomOut, mlOut}
	configured := s.cfg.Weights()

	var effective map[domain.SignalKind]float64
	if mode == domain.ModeML {
		effective = map[domain.SignalKind]float64{domain.SignalML: 1}
	} else {
		active := make(map[domain.SignalKind]float64, len(configured))
		for _, sig := range signals {
			if w, ok := configured[sig.Signal]; ok && sig.Available && w > 0 {
				active[sig.Signal] = w
			}
		}
		effective = Redistribute(active)
		if len(effective) == 0 {
			notes = append(notes, "no signal available, composite defaults to 0")
		}
	}

	var composite float64
	contributions := make([]domain.Contribution, 0, len(signals))
	for _, sig := range signals {
		w := effective[sig.Signal]
		c := w * sig.Score
		composite += c
		contributions = append(contributions, domain.Contribution{
			Signal:       sig.Signal,
			Score:        sig.Score,
			Weight:       w,
			Contribution: c,
			Available:    sig.Available,
		})
		for _, n := range sig.Notes {
			notes = append(notes, string(sig.Signal)+": "+n)
		}
	}
	composite = clamp01(composite)

	severity := domain.ClassifySeverity(composite, s.cfg.HighThreshold, s.cfg.CriticalThreshold)

	result := &domain.ScoreResult{
		ID:             uuid.New().String(),
		TxID:           tx.ID,
		SenderID:       tx.SenderID,
		Composite:      composite,
		Severity:       severity,
		Signals:        signals,
		TriggeredRules: triggeredRules(rulesOut),
		Explanation: domain.Explanation{
			Mode:              mode,
			ConfiguredWeights: configured,
			EffectiveWeights:  effective,
			Contributions:     contributions,
			HighThreshold:     s.cfg.HighThreshold,
			CriticalThreshold: s.cfg.CriticalThreshold,
			Severity:          severity,
			Notes:             notes,
			EngineVersion:     EngineVersion,
		},
		ScoredAt: time.Now().UTC(),
	}

	span.SetAttributes(
		attribute.Float64("composite", composite),
		attribute.String("severity", string(severity)),
		attribute.String("mode", string(mode)),
	)

	return result, s.decideAlert(tx, result, rulesOut, velOut)
}

// ShouldAlert reports whether severity crosses the alerting band.
func (s *Scorer) ShouldAlert(severity domain.Severity) bool {
	switch severity {
	case domain.SeverityCritical:
		return true
	case domain.SeverityHigh:
		return s.cfg.AlertOnHigh
	}
	return false
}

func (s *Scorer) decideAlert(tx *domain.Transaction, result *domain.ScoreResult, rulesOut, velOut domain.SignalOutput) *domain.AlertDecision {
	if !s.ShouldAlert(result.Severity) {
		return nil
	}

	alertType := ClassifyAlert(result.Explanation.Mode, rulesOut, velOut)
	return &domain.AlertDecision{
		ID:        uuid.New().String(),
		TxID:      tx.ID,
		SenderID:  tx.SenderID,
		Severity:  result.Severity,
		AlertType: alertType,
		Message:   alertMessage(alertType, tx, result),
		Status:    domain.AlertOpen,
		Composite: result.Composite,
		Result:    result,
		CreatedAt: result.ScoredAt,
	}
}

// ClassifyAlert picks the dominant reason for an alert.
func ClassifyAlert(mode domain.ScoringMode, rulesOut, velOut domain.SignalOutput) domain.AlertType {
	switch {
	case mode == domain.ModeML:
		return domain.AlertMLAnomaly
	case rulesOut.Available && rulesOut.Score > 0.5:
		return domain.AlertFraudSuspected
	case velOut.Available && velOut.Score >= 1.0:
		return domain.AlertVelocityBreach
	default:
		return domain.AlertAnomalyDetected
	}
}

func alertMessage(alertType domain.AlertType, tx *domain.Transaction, result *domain.ScoreResult) string {
	msg := fmt.Sprintf("%s: %s risk score %.4f for %s %s from sender %s",
		alertType, result.Severity, result.Composite, tx.Amount.StringFixed(2), tx.Currency, tx.SenderID)
	if len(result.TriggeredRules) > 0 {
		msg += " (rules: " + strings.Join(result.TriggeredRules, ", ") + ")"
	}
	return msg
}

func triggeredRules(out domain.SignalOutput) []string {
	if out.Rules == nil {
		return nil
	}
	codes := make([]string, 0, len(out.Rules.Matched))
	for _, m := range out.Rules.Matched {
		codes = append(codes, m.Code)
	}
	return codes
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
