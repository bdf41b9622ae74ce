package engine

import (
	"testing"
	"time"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// fakeClock is a manually advanced Clock so TTL eviction and budget
// deadlines are deterministic in tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func mkItem(id string, hint float64) models.Item {
	return models.Item{ID: id, ValueHint: hint}
}

func mkCollectionItem(id, collection string, hint float64) models.Item {
	return models.Item{ID: id, CollectionID: collection, ValueHint: hint}
}

// giveItems and wantItems drive state and graph the same way the
// coordinator does, for tests that bypass the writer loop.
func giveItems(s *TenantState, g *GraphIndex, owner string, items ...models.Item) SeedSet {
	seeds := make(SeedSet)
	for _, id := range s.ApplyInventoryAdd(owner, items) {
		seeds.Merge(g.AddItemEdges(id))
	}
	return seeds
}

func wantItems(s *TenantState, g *GraphIndex, owner string, itemIDs ...string) SeedSet {
	seeds := make(SeedSet)
	for _, id := range s.ApplyWantsAdd(owner, itemIDs) {
		seeds.Merge(g.AddDirectWant(owner, id))
	}
	return seeds
}

func allSeeds(owners ...string) SeedSet {
	seeds := make(SeedSet)
	seeds.add(owners...)
	return seeds
}

func rejectOwner(other string) models.RejectionRef {
	return models.RejectionRef{OtherOwner: other}
}

// mkLoop builds a synthetic loop where each owner sends one item named
// after itself to the next owner around the ring.
func mkLoop(t *testing.T, score float64, owners ...string) *models.TradeLoop {
	t.Helper()
	steps := make([]models.TradeStep, len(owners))
	for i, from := range owners {
		to := owners[(i+1)%len(owners)]
		steps[i] = models.TradeStep{From: from, To: to, Items: []models.Item{{ID: "item-" + from}}}
	}
	return &models.TradeLoop{ID: Signature(steps), Steps: steps, Score: score}
}
