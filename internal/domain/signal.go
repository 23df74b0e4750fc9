package domain

import "github.com/shopspring/decimal"

// SignalKind names one input to the composite score.
type SignalKind string

const (
	SignalRules    SignalKind = "rules"
	SignalVelocity SignalKind = "velocity"
	SignalAnomaly  SignalKind = "anomaly"
	SignalML       SignalKind = "ml"
)

// SignalOrder is the fixed order signals appear in a ScoreResult.
var SignalOrder = []SignalKind{SignalRules, SignalVelocity, SignalAnomaly, SignalML}

// SignalOutput is the normalised output of one signal for one transaction.
// An unavailable signal carries no weight in the composite.
type SignalOutput struct {
	Signal    SignalKind `json:"signal"`
	Score     float64    `json:"score"`
	Available bool       `json:"available"`

	Rules    *RulesDetail    `json:"rules,omitempty"`
	Velocity *VelocityDetail `json:"velocity,omitempty"`
	Anomaly  *AnomalyDetail  `json:"anomaly,omitempty"`
	ML       *MLDetail       `json:"ml,omitempty"`

	// Notes records data-quality observations, never errors.
	Notes []string `json:"notes,omitempty"`
}

// Unavailable returns an output for a signal that could not be computed.
func Unavailable(kind SignalKind, note string) SignalOutput {
	out := SignalOutput{Signal: kind}
	if note != "" {
		out.Notes = []string{note}
	}
	return out
}

// RulesDetail summarises a rule evaluation pass.
type RulesDetail struct {
	Evaluated     int         `json:"evaluated"`
	MatchedWeight float64     `json:"matchedWeight"`
	TotalWeight   float64     `json:"totalWeight"`
	Matched       []RuleMatch `json:"matched,omitempty"`
}

// RuleMatch explains why a rule fired.
type RuleMatch struct {
	RuleID      string       `json:"ruleId"`
	Code        string       `json:"code"`
	Weight      float64      `json:"weight"`
	Priority    int          `json:"priority"`
	Comparisons []Comparison `json:"comparisons,omitempty"`
}

// Comparison records one leaf or expression evaluated on the way to a match.
type Comparison struct {
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Literal  any    `json:"literal,omitempty"`
	Expr     string `json:"expr,omitempty"`
	Result   bool   `json:"result"`
}

// VelocityDetail summarises the sender's window after recording.
type VelocityDetail struct {
	WindowSeconds int             `json:"windowSeconds"`
	Count         int             `json:"count"`
	Sum           decimal.Decimal `json:"sum"`
	MaxCount      int             `json:"maxCount"`
	MaxTotal      decimal.Decimal `json:"maxTotal"`
	CountRatio    float64         `json:"countRatio"`
	AmountRatio   float64         `json:"amountRatio"`
	Breached      bool            `json:"breached"`
}

// AnomalyDetail carries the z-score against the sender's prior amounts.
type AnomalyDetail struct {
	ZScore     float64 `json:"zScore"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stdDev"`
	PriorCount int64   `json:"priorCount"`
	Threshold  float64 `json:"threshold"`
	Anomalous  bool    `json:"anomalous"`
}

// MLDetail carries the model output before and after normalisation.
type MLDetail struct {
	Raw          float64 `json:"raw"`
	Normalized   float64 `json:"normalized"`
	ModelVersion string  `json:"modelVersion,omitempty"`
}
