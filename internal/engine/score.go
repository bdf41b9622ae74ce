package engine

import (
	"github.com/tradeloop/barter-engine/pkg/models"
)

// Cycle Scoring
//
// Every discovered loop gets a scalar quality score in [0,1], a
// weighted mean of three signals:
//
//   fairness     min/max step value across the loop. Items without a
//                value hint count as neutral 1.0, so unpriced loops
//                score as perfectly fair rather than being punished
//                for missing data.
//   length       1 / (1 + alpha*(k-2)). Shorter loops settle more
//                easily, so a 2-party swap scores 1.0 and longer
//                chains decay.
//   directness   1.0 when every step is an explicit want; each step
//                satisfied only through a collection want costs one
//                decay unit.
//
// Loops scoring below MinCycleScore are dropped before storage.

// CycleScorer assigns quality scores under one tenant's weights.
type CycleScorer struct {
	cfg *TenantConfig
}

// NewCycleScorer returns a scorer bound to the tenant config.
func NewCycleScorer(cfg *TenantConfig) *CycleScorer {
	return &CycleScorer{cfg: cfg}
}

// Score computes the loop's quality in [0,1].
func (sc *CycleScorer) Score(loop *models.TradeLoop) float64 {
	f := sc.fairness(loop)
	l := sc.lengthPenalty(len(loop.Steps))
	d := sc.directness(loop)

	w := sc.cfg.Weights
	total := w.Fairness + w.Length + w.Directness
	if total <= 0 {
		return 0
	}
	score := (w.Fairness*f + w.Length*l + w.Directness*d) / total
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// fairness is the ratio of the cheapest to the dearest step.
func (sc *CycleScorer) fairness(loop *models.TradeLoop) float64 {
	min, max := 0.0, 0.0
	for i, step := range loop.Steps {
		v := 0.0
		for _, it := range step.Items {
			if it.ValueHint > 0 {
				v += it.ValueHint
			} else {
				v += 1.0 // neutral when the hint is missing
			}
		}
		if i == 0 || v < min {
			min = v
		}
		if i == 0 || v > max {
			max = v
		}
	}
	if max <= 0 {
		return 1.0
	}
	return min / max
}

// lengthPenalty favors shorter loops: 1/(1+alpha*(k-2)).
func (sc *CycleScorer) lengthPenalty(k int) float64 {
	if k <= 2 {
		return 1.0
	}
	return 1.0 / (1.0 + sc.cfg.LengthAlpha*float64(k-2))
}

// directness decays for each step satisfied only via a collection
// want.
func (sc *CycleScorer) directness(loop *models.TradeLoop) float64 {
	if loop.CollectionSteps == 0 {
		return 1.0
	}
	d := 1.0 - sc.cfg.CollectionDecay*float64(loop.CollectionSteps)
	if d < 0 {
		return 0
	}
	return d
}
