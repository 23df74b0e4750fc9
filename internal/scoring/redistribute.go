package scoring

import "github.com/opensource-finance/sentinel/internal/domain"

// Redistribute renormalises the weights of the available signals so they sum
// to 1. Non-positive weights are dropped. It returns an empty map when no
// weight is left. The total is accumulated in domain.SignalOrder so repeated
// calls produce identical weights.
func Redistribute(active map[domain.SignalKind]float64) map[domain.SignalKind]float64 {
	var total float64
	for _, sig := range domain.SignalOrder {
		if w := active[sig]; w > 0 {
			total += w
		}
	}

	out := make(map[domain.SignalKind]float64, len(active))
	if total <= 0 {
		return out
	}
	for _, sig := range domain.SignalOrder {
		if w := active[sig]; w > 0 {
			out[sig] = w / total
		}
	}
	return out
}
