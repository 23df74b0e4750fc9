package domain

import (
	"context"
	"time"
)

// AlertType classifies the dominant reason for an alert.
type AlertType string

const (
	AlertFraudSuspected  AlertType = "FRAUD_SUSPECTED"
	AlertVelocityBreach  AlertType = "VELOCITY_BREACH"
	AlertAnomalyDetected AlertType = "ANOMALY_DETECTED"
	AlertMLAnomaly       AlertType = "ML_ANOMALY"
)

// AlertStatus tracks operator handling of an alert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertOpen, AlertAcknowledged, AlertResolved:
		return true
	}
	return false
}

// AlertDecision is emitted when a score crosses the alerting band.
type AlertDecision struct {
	ID        string       `json:"id"`
	TxID      string       `json:"txId"`
	SenderID  string       `json:"senderId"`
	Severity  Severity     `json:"severity"`
	AlertType AlertType    `json:"alertType"`
	Message   string       `json:"message"`
	Status    AlertStatus  `json:"status"`
	Composite float64      `json:"composite"`
	Result    *ScoreResult `json:"result,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Severity Severity
	Status   AlertStatus
	Limit    int
}

// AlertDispatcher delivers alert decisions. Delivery failures are the
// dispatcher's concern and never surface to the scorer.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert *AlertDecision)
}
