package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// fakePrices is a canned PriceSource.
type fakePrices struct {
	hints map[string]float64
	err   error
}

func (f *fakePrices) ValueHint(ctx context.Context, tenantID, itemID string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.hints[itemID], nil
}

func TestEnricher_BackfillsHints(t *testing.T) {
	prices := &fakePrices{hints: map[string]float64{"a1": 12.5, "a2": 0}}

	var mu sync.Mutex
	got := make(map[string]float64)
	enr := NewEnricher(prices, nil, 4, func(tenantID string, hints map[string]float64) {
		mu.Lock()
		defer mu.Unlock()
		for k, v := range hints {
			got[k] = v
		}
	}, nil)

	enr.Request("m", []string{"a1", "a2"})
	enr.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got["a1"] != 12.5 {
		t.Errorf("Expected a1 back-filled with 12.5. Got: %v", got)
	}
	if _, ok := got["a2"]; ok {
		t.Error("Expected the zero hint dropped, not applied")
	}
}

func TestEnricher_LookupFailureIsSilent(t *testing.T) {
	prices := &fakePrices{err: errors.New("upstream down")}

	applied := false
	enr := NewEnricher(prices, nil, 2, func(string, map[string]float64) { applied = true }, nil)

	enr.Request("m", []string{"a1"})
	enr.Wait()

	if applied {
		t.Error("Expected no apply call when every lookup fails")
	}
}

func TestEnricher_EmptyRequestIsNoop(t *testing.T) {
	enr := NewEnricher(&fakePrices{}, nil, 2, func(string, map[string]float64) {
		t.Error("Expected no apply call for an empty request")
	}, nil)
	enr.Request("m", nil)
	enr.Wait()
}

// fakeMetadata is a canned MetadataSource.
type fakeMetadata struct {
	items map[string]models.Item
	err   error
}

func (f *fakeMetadata) ItemMetadata(ctx context.Context, tenantID, itemID string) (models.Item, error) {
	if f.err != nil {
		return models.Item{}, f.err
	}
	return f.items[itemID], nil
}

func TestEnricher_BackfillsMetadata(t *testing.T) {
	meta := &fakeMetadata{items: map[string]models.Item{
		"k1": {CollectionID: "kitties"},
		"k2": {}, // source knows nothing
	}}

	var mu sync.Mutex
	var got []models.Item
	enr := NewEnricher(nil, meta, 4, nil, func(tenantID string, items []models.Item) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, items...)
	})

	enr.RequestMetadata("m", []string{"k1", "k2"})
	enr.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != "k1" || got[0].CollectionID != "kitties" {
		t.Errorf("Expected only k1's collection back-filled. Got: %+v", got)
	}
}

func TestEngine_EnricherFlowsHintsIntoTenant(t *testing.T) {
	// Items submitted without hints get them back-filled through the
	// writer as a hint-update event.
	prices := &fakePrices{hints: map[string]float64{"a1": 33}}
	eng := newTestEngine(t, Options{Prices: prices, AdapterConcurrency: 2})
	mustCreate(t, eng, "m", DefaultConfig())

	if _, err := eng.SubmitInventory(context.Background(), "m", "alice",
		[]models.Item{mkItem("a1", 0)}); err != nil {
		t.Fatalf("SubmitInventory failed: %v", err)
	}
	eng.enrich.Wait()

	tnt, err := eng.tenant("m")
	if err != nil {
		t.Fatalf("tenant lookup failed: %v", err)
	}
	var hint float64
	tnt.coord.ReadView(func() { hint = tnt.state.ValueHint("a1") })
	if hint != 33 {
		t.Errorf("Expected the hint routed back into the tenant. Got: %f", hint)
	}
}

func TestEngine_EnricherFlowsMetadataIntoTenant(t *testing.T) {
	// An item submitted without a collection picks one up from the
	// metadata source, which makes it eligible for collection wants.
	meta := &fakeMetadata{items: map[string]models.Item{"k1": {CollectionID: "kitties"}}}
	eng := newTestEngine(t, Options{Metadata: meta, AdapterConcurrency: 2})
	mustCreate(t, eng, "m", DefaultConfig())

	if _, err := eng.SubmitInventory(context.Background(), "m", "alice",
		[]models.Item{mkItem("k1", 0)}); err != nil {
		t.Fatalf("SubmitInventory failed: %v", err)
	}
	eng.enrich.Wait()

	tnt, err := eng.tenant("m")
	if err != nil {
		t.Fatalf("tenant lookup failed: %v", err)
	}
	var it models.Item
	var ok bool
	tnt.coord.ReadView(func() { it, ok = tnt.state.ItemRecordOf("k1") })
	if !ok || it.CollectionID != "kitties" {
		t.Errorf("Expected the collection routed back into the tenant. Got: %+v ok=%v", it, ok)
	}

	// The back-filled collection now justifies edges.
	if _, err := eng.SubmitCollectionWant(context.Background(), "m", "bob", "kitties"); err != nil {
		t.Fatalf("SubmitCollectionWant failed: %v", err)
	}
	snap, err := eng.GraphSnapshot("m")
	if err != nil {
		t.Fatalf("GraphSnapshot failed: %v", err)
	}
	if len(snap.Edges) != 1 {
		t.Errorf("Expected one edge alice->bob via the collection. Got: %d", len(snap.Edges))
	}
}
