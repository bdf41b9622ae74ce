package engine

import (
	"time"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// EnumerationBudget caps one enumeration pass. Whichever limit trips
// first ends the pass; exceeding a budget is not an error, the pass
// returns a partial, monotone result.
type EnumerationBudget struct {
	TimeMs int `json:"timeMs"`
	Nodes  int `json:"nodes"`
	Cycles int `json:"cycles"`
}

// ScoreWeights weighs the three scoring signals. Zero weights are
// replaced by defaults at validation.
type ScoreWeights struct {
	Fairness   float64 `json:"fairness"`
	Length     float64 `json:"length"`
	Directness float64 `json:"directness"`
}

// TenantConfig is the fixed per-tenant option set.
type TenantConfig struct {
	MaxCycleLength      int               `json:"maxCycleLength"`
	MaxItemCombos       int               `json:"maxItemCombos"`
	MaxCyclesPerRequest int               `json:"maxCyclesPerRequest"`
	MinCycleScore       float64           `json:"minCycleScore"`
	CycleTTL            time.Duration     `json:"cycleTtl"`
	Budget              EnumerationBudget `json:"enumerationBudget"`
	Weights             ScoreWeights      `json:"scoreWeights"`
	LengthAlpha         float64           `json:"lengthAlpha"`
	CollectionDecay     float64           `json:"collectionDecay"`

	// Resource bounds. Eviction against these is mandatory.
	MaxOwners       int `json:"maxOwners"`
	MaxItems        int `json:"maxItems"`
	MaxCyclesStored int `json:"maxCyclesStored"`

	EnablePersistence bool `json:"enablePersistence"`
}

// DefaultConfig returns the stock tenant configuration.
func DefaultConfig() TenantConfig {
	return TenantConfig{
		MaxCycleLength:      11,
		MaxItemCombos:       4,
		MaxCyclesPerRequest: 50,
		MinCycleScore:       0.0,
		CycleTTL:            24 * time.Hour,
		Budget:              EnumerationBudget{TimeMs: 500, Nodes: 100000, Cycles: 500},
		Weights:             ScoreWeights{Fairness: 0.4, Length: 0.35, Directness: 0.25},
		LengthAlpha:         0.15,
		CollectionDecay:     0.1,
		MaxOwners:           100000,
		MaxItems:            500000,
		MaxCyclesStored:     10000,
	}
}

// Validate rejects out-of-range options and fills unset fields from
// the defaults so partially specified configs stay usable.
func (c *TenantConfig) Validate() error {
	def := DefaultConfig()
	if c.MaxCycleLength == 0 {
		c.MaxCycleLength = def.MaxCycleLength
	}
	if c.MaxCycleLength < 2 {
		return models.Errf(models.CodeInvalidArgument, "maxCycleLength must be >= 2, got %d", c.MaxCycleLength)
	}
	if c.MaxItemCombos == 0 {
		c.MaxItemCombos = def.MaxItemCombos
	}
	if c.MaxItemCombos < 1 {
		return models.Errf(models.CodeInvalidArgument, "maxItemCombos must be >= 1, got %d", c.MaxItemCombos)
	}
	if c.MaxCyclesPerRequest == 0 {
		c.MaxCyclesPerRequest = def.MaxCyclesPerRequest
	}
	if c.MaxCyclesPerRequest < 1 {
		return models.Errf(models.CodeInvalidArgument, "maxCyclesPerRequest must be >= 1, got %d", c.MaxCyclesPerRequest)
	}
	if c.MinCycleScore < 0 || c.MinCycleScore > 1 {
		return models.Errf(models.CodeInvalidArgument, "minCycleScore must be in [0,1], got %f", c.MinCycleScore)
	}
	if c.CycleTTL == 0 {
		c.CycleTTL = def.CycleTTL
	}
	if c.Budget.TimeMs == 0 {
		c.Budget.TimeMs = def.Budget.TimeMs
	}
	if c.Budget.Nodes == 0 {
		c.Budget.Nodes = def.Budget.Nodes
	}
	if c.Budget.Cycles == 0 {
		c.Budget.Cycles = def.Budget.Cycles
	}
	if c.Weights == (ScoreWeights{}) {
		c.Weights = def.Weights
	}
	if c.LengthAlpha == 0 {
		c.LengthAlpha = def.LengthAlpha
	}
	if c.CollectionDecay == 0 {
		c.CollectionDecay = def.CollectionDecay
	}
	if c.MaxOwners == 0 {
		c.MaxOwners = def.MaxOwners
	}
	if c.MaxItems == 0 {
		c.MaxItems = def.MaxItems
	}
	if c.MaxCyclesStored == 0 {
		c.MaxCyclesStored = def.MaxCyclesStored
	}
	return nil
}
