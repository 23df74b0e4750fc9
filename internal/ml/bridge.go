// Package ml wraps a pre-trained anomaly model behind a small scoring interface.
package ml

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// ErrModelUnavailable is returned by bridges that have no usable model.
var ErrModelUnavailable = errors.New("ml model unavailable")

// Prediction is one model output.
type Prediction struct {
	// Raw is the model's decision value; lower is more anomalous.
	Raw float64
	// Normalized maps Raw into [0,1] where 1 is most anomalous.
	Normalized   float64
	ModelVersion string
}

// Bridge scores transactions with an anomaly model. Availability is fixed
// when the bridge is built.
type Bridge interface {
	Available() bool
	Score(tx *domain.Transaction) (Prediction, error)
}

// Unavailable is a bridge with no model behind it.
type Unavailable struct {
	Reason string
}

// Available implements Bridge.
func (u Unavailable) Available() bool { return false }

// Score implements Bridge.
func (u Unavailable) Score(*domain.Transaction) (Prediction, error) {
	if u.Reason == "" {
		return Prediction{}, ErrModelUnavailable
	}
	return Prediction{}, fmt.Errorf("%w: %s", ErrModelUnavailable, u.Reason)
}

// NewBridge resolves the bridge for cfg. A disabled flag, an empty path or a
// model that fails to load all yield an Unavailable bridge.
func NewBridge(cfg domain.ScoringConfig) Bridge {
	if !cfg.MLEnabled {
		return Unavailable{Reason: "disabled by configuration"}
	}
	if strings.TrimSpace(cfg.MLModelPath) == "" {
		return Unavailable{Reason: "no model path configured"}
	}

	model, err := LoadModel(cfg.MLModelPath)
	if err != nil {
		slog.Warn("ml model not loaded, falling back to rule-based scoring",
			"path", cfg.MLModelPath,
			"error", err,
		)
		return Unavailable{Reason: err.Error()}
	}

	slog.Info("ml model loaded",
		"path", cfg.MLModelPath,
		"version", model.Version,
		"trees", len(model.Trees),
	)
	return NewForestBridge(model)
}
