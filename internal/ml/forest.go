package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Feature order expected by the model.
const (
	FeatureAmount = iota
	FeatureChannel
	FeatureHour
	FeatureInternational
	featureCount
)

// channelOrdinals encodes the channel feature.
var channelOrdinals = map[string]float64{
	domain.ChannelAPI:           0,
	domain.ChannelMobileBanking: 1,
	domain.ChannelPOS:           2,
	domain.ChannelUSSD:          3,
}

// Model is an exported isolation forest.
type Model struct {
	Version string `json:"version"`

	// SampleSize is the per-tree subsample size used in training.
	SampleSize int    `json:"sample_size"`
	Trees      []Tree `json:"trees"`

	// Training-time bounds of the decision value, used for normalisation.
	RawMin float64 `json:"raw_min"`
	RawMax float64 `json:"raw_max"`
}

// Tree is a flattened isolation tree; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is either a split (Left/Right set) or a leaf carrying its sample count.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Size      int     `json:"size"`
}

func (n Node) leaf() bool { return n.Left <= 0 && n.Right <= 0 }

// LoadModel reads and validates a model artifact.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the forest structure so scoring never indexes out of range
// or loops.
func (m *Model) Validate() error {
	if len(m.Trees) == 0 {
		return fmt.Errorf("model has no trees")
	}
	if m.SampleSize < 2 {
		return fmt.Errorf("model sample size must be at least 2, got %d", m.SampleSize)
	}
	for ti, tree := range m.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("tree %d has no nodes", ti)
		}
		for ni, n := range tree.Nodes {
			if n.leaf() {
				continue
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("tree %d node %d has invalid children", ti, ni)
			}
			if n.Feature < 0 || n.Feature >= featureCount {
				return fmt.Errorf("tree %d node %d has unknown feature %d", ti, ni, n.Feature)
			}
		}
	}
	return nil
}

// ForestBridge scores with an isolation forest.
type ForestBridge struct {
	model *Model
	norm  float64 // c(SampleSize)
}

// NewForestBridge wraps a validated model.
func NewForestBridge(m *Model) *ForestBridge {
	return &ForestBridge{model: m, norm: averagePathLength(float64(m.SampleSize))}
}

// Available implements Bridge.
func (b *ForestBridge) Available() bool { return true }

// Score implements Bridge.
func (b *ForestBridge) Score(tx *domain.Transaction) (Prediction, error) {
	features := Features(tx)

	var total float64
	for _, tree := range b.model.Trees {
		total += pathLength(tree, features)
	}
	mean := total / float64(len(b.model.Trees))

	// Anomaly score s in (0,1]; decision value is 0.5 - s.
	s := math.Pow(2, -mean/b.norm)
	raw := 0.5 - s
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return Prediction{}, fmt.Errorf("model produced invalid decision value")
	}

	return Prediction{
		Raw:          raw,
		Normalized:   Normalize(raw, b.model.RawMin, b.model.RawMax),
		ModelVersion: b.model.Version,
	}, nil
}

// Normalize maps a decision value into [0,1] against the training bounds,
// low decision values mapping to high anomaly. Without usable bounds it
// falls back to clamp(0.5 - raw).
func Normalize(raw, rawMin, rawMax float64) float64 {
	if rawMax > rawMin {
		return clamp01((rawMax - raw) / (rawMax - rawMin))
	}
	return clamp01(0.5 - raw)
}

// Features extracts the model inputs from a transaction.
func Features(tx *domain.Transaction) [featureCount]float64 {
	var f [featureCount]float64
	f[FeatureAmount] = tx.Amount.InexactFloat64()

	f[FeatureChannel] = -1
	if v, ok := channelOrdinals[tx.Channel]; ok {
		f[FeatureChannel] = v
	}

	f[FeatureHour] = float64(tx.Timestamp.UTC().Hour())

	if flag, ok := tx.Metadata["ip_country_flagged"]; ok {
		switch v := flag.(type) {
		case bool:
			if v {
				f[FeatureInternational] = 1
			}
		case string:
			if v == "true" {
				f[FeatureInternational] = 1
			}
		}
	}
	return f
}

func pathLength(tree Tree, features [featureCount]float64) float64 {
	depth := 0.0
	i := 0
	for {
		n := tree.Nodes[i]
		if n.leaf() {
			return depth + averagePathLength(float64(n.Size))
		}
		if features[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search over n points.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	const eulerGamma = 0.5772156649
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
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
