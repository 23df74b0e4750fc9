package domain

import (
	"context"
	"time"
)

// Severity is the alert band derived from the composite score.
type Severity string

const (
	SeverityNormal   Severity = "NORMAL"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ClassifySeverity maps a composite score onto the configured bands.
// The lower bound of each band is inclusive.
func ClassifySeverity(composite, high, critical float64) Severity {
	switch {
	case composite >= critical:
		return SeverityCritical
	case composite >= high:
		return SeverityHigh
	default:
		return SeverityNormal
	}
}

// ScoringMode records which fusion policy produced a composite.
type ScoringMode string

const (
	// ModeRules blends rules, velocity and anomaly with redistributed weights.
	ModeRules ScoringMode = "rules"

	// ModeML substitutes the model score for the blend.
	ModeML ScoringMode = "ml"
)

// ScoreResult is the outcome of scoring one transaction.
type ScoreResult struct {
	ID             string         `json:"id"`
	TxID           string         `json:"txId"`
	SenderID       string         `json:"senderId"`
	Composite      float64        `json:"composite"`
	Severity       Severity       `json:"severity"`
	Signals        []SignalOutput `json:"signals"`
	TriggeredRules []string       `json:"triggeredRules,omitempty"`
	Explanation    Explanation    `json:"explanation"`
	ScoredAt       time.Time      `json:"scoredAt"`
}

// Signal returns the output for kind, if present.
func (r *ScoreResult) Signal(kind SignalKind) (SignalOutput, bool) {
	for _, s := range r.Signals {
		if s.Signal == kind {
			return s, true
		}
	}
	return SignalOutput{}, false
}

// Explanation is enough to recompute the composite from its parts.
type Explanation struct {
	Mode              ScoringMode            `json:"mode"`
	ConfiguredWeights map[SignalKind]float64 `json:"configuredWeights"`
	EffectiveWeights  map[SignalKind]float64 `json:"effectiveWeights"`
	Contributions     []Contribution         `json:"contributions"`
	HighThreshold     float64                `json:"highThreshold"`
	CriticalThreshold float64                `json:"criticalThreshold"`
	Severity          Severity               `json:"severity"`
	Notes             []string               `json:"notes,omitempty"`
	EngineVersion     string                 `json:"engineVersion"`
}

// Contribution is one signal's share of the composite.
type Contribution struct {
	Signal       SignalKind `json:"signal"`
	Score        float64    `json:"score"`
	Weight       float64    `json:"weight"`
	Contribution float64    `json:"contribution"`
	Available    bool       `json:"available"`
}

// AuditEntry is an append-only record of a scoring or rule change.
type AuditEntry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Audit actions.
const (
	AuditTransactionScored = "TRANSACTION_SCORED"
	AuditRuleCreated       = "RULE_CREATED"
	AuditRuleUpdated       = "RULE_UPDATED"
	AuditRuleDeactivated   = "RULE_DEACTIVATED"
)

// AuditSink stores audit entries.
type AuditSink interface {
	RecordAudit(ctx context.Context, entry *AuditEntry) error
}
