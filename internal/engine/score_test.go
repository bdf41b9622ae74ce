package engine

import (
	"math"
	"testing"

	"github.com/tradeloop/barter-engine/pkg/models"
)

func scoreFixture() *CycleScorer {
	cfg := DefaultConfig()
	return NewCycleScorer(&cfg)
}

func swapLoop(hintA, hintB float64, collectionSteps int) *models.TradeLoop {
	steps := []models.TradeStep{
		{From: "alice", To: "bob", Items: []models.Item{{ID: "a1", ValueHint: hintA}}},
		{From: "bob", To: "alice", Items: []models.Item{{ID: "b1", ValueHint: hintB}}},
	}
	return &models.TradeLoop{
		ID:              Signature(steps),
		Steps:           steps,
		CollectionTrade: collectionSteps > 0,
		CollectionSteps: collectionSteps,
	}
}

func TestScore_PerfectSwap(t *testing.T) {
	// Equal values, direct wants, two parties: every signal is 1.0.
	sc := scoreFixture()
	got := sc.Score(swapLoop(50, 50, 0))
	if got != 1.0 {
		t.Errorf("Expected score 1.0 for a fair direct 2-party swap. Got: %f", got)
	}
}

func TestScore_MissingHintsAreNeutral(t *testing.T) {
	// Unpriced items count as neutral, not as unfair.
	sc := scoreFixture()
	got := sc.Score(swapLoop(0, 0, 0))
	if got != 1.0 {
		t.Errorf("Expected neutral score 1.0 without value hints. Got: %f", got)
	}
}

func TestScore_UnfairSwapPenalized(t *testing.T) {
	// fairness = 25/100; length and directness stay 1.0.
	// score = 0.4*0.25 + 0.35 + 0.25 = 0.70
	sc := scoreFixture()
	got := sc.Score(swapLoop(25, 100, 0))
	if math.Abs(got-0.70) > 1e-9 {
		t.Errorf("Expected 0.70 for a 4:1 value imbalance. Got: %f", got)
	}
}

func TestScore_LengthDecay(t *testing.T) {
	sc := scoreFixture()
	long := mkLoop(t, 0, "a", "b", "c", "d")
	short := mkLoop(t, 0, "a", "b")
	if sc.Score(long) >= sc.Score(short) {
		t.Errorf("Expected the 4-party loop to score below the swap. Got: %f vs %f",
			sc.Score(long), sc.Score(short))
	}

	// length signal for k=4: 1/(1+0.15*2); fairness and directness 1.0.
	want := (0.4 + 0.35/(1.0+0.15*2) + 0.25) / 1.0
	if math.Abs(sc.Score(long)-want) > 1e-9 {
		t.Errorf("Expected %f for the 4-party loop. Got: %f", want, sc.Score(long))
	}
}

func TestScore_CollectionStepsDecayDirectness(t *testing.T) {
	sc := scoreFixture()
	direct := sc.Score(swapLoop(50, 50, 0))
	viaCollection := sc.Score(swapLoop(50, 50, 1))
	if viaCollection >= direct {
		t.Errorf("Expected the collection-satisfied loop below the direct one. Got: %f vs %f",
			viaCollection, direct)
	}
	// directness 0.9: score = 0.4 + 0.35 + 0.25*0.9 = 0.975
	if math.Abs(viaCollection-0.975) > 1e-9 {
		t.Errorf("Expected 0.975 with one collection step. Got: %f", viaCollection)
	}
}

func TestScore_StaysInUnitInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CollectionDecay = 0.8
	sc := NewCycleScorer(&cfg)

	loop := swapLoop(1, 1000, 2) // every signal at its worst
	got := sc.Score(loop)
	if got < 0 || got > 1 {
		t.Errorf("Expected score clamped to [0,1]. Got: %f", got)
	}
}

func TestScore_ZeroWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = ScoreWeights{}
	sc := NewCycleScorer(&cfg)
	if got := sc.Score(swapLoop(50, 50, 0)); got != 0 {
		t.Errorf("Expected 0 under all-zero weights. Got: %f", got)
	}
}
