package engine

import (
	"github.com/tradeloop/barter-engine/pkg/models"
)

// Fault rollback. The writer captures the tenant's mutable structures
// before each event; a panic anywhere in the pipeline restores that
// image, so a failed event leaves no trace (state, graph and store all
// return to their pre-event contents).

type tenantCheckpoint struct {
	state *TenantState
	graph *GraphIndex
	loops map[string]*models.TradeLoop
}

func (dc *DeltaCoordinator) checkpoint() tenantCheckpoint {
	return tenantCheckpoint{
		state: dc.state.clone(),
		graph: dc.graph.clone(),
		loops: dc.store.cloneLoops(),
	}
}

func (dc *DeltaCoordinator) rollback(cp tenantCheckpoint) {
	dc.state.restore(cp.state)
	dc.graph.restore(cp.graph)
	dc.store.restoreLoops(cp.loops)
}

func cloneSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func cloneSetMap(m map[string]map[string]struct{}) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(m))
	for k, set := range m {
		out[k] = cloneSet(set)
	}
	return out
}

// clone returns a deep copy of the arena for use as a rollback image.
func (s *TenantState) clone() *TenantState {
	cp := NewTenantState()
	for id, rec := range s.owners {
		cp.owners[id] = &OwnerRecord{
			Owned:             cloneSet(rec.Owned),
			Wanted:            cloneSet(rec.Wanted),
			WantedCollections: cloneSet(rec.WantedCollections),
		}
	}
	for id, rec := range s.items {
		cp.items[id] = &ItemRecord{Collection: rec.Collection, ValueHint: rec.ValueHint}
	}
	for id, owner := range s.ownership {
		cp.ownership[id] = owner
	}
	cp.collectionMembers = cloneSetMap(s.collectionMembers)
	for id, rec := range s.rejections {
		cp.rejections[id] = &RejectionRecord{
			Owners: cloneSet(rec.Owners),
			Cycles: cloneSet(rec.Cycles),
		}
	}
	return cp
}

// restore overwrites the arena with a previously cloned image. The
// struct pointer itself is untouched, so every component holding a
// *TenantState sees the restored contents.
func (s *TenantState) restore(img *TenantState) {
	s.owners = img.owners
	s.items = img.items
	s.ownership = img.ownership
	s.collectionMembers = img.collectionMembers
	s.rejections = img.rejections
}

// clone returns a deep copy of the index for use as a rollback image.
// The state back-pointer is shared; state and graph are always
// restored together.
func (g *GraphIndex) clone() *GraphIndex {
	cp := NewGraphIndex(g.state)
	for from, tos := range g.out {
		outTos := make(map[string]map[string]struct{}, len(tos))
		for to, items := range tos {
			outTos[to] = cloneSet(items)
		}
		cp.out[from] = outTos
	}
	cp.in = cloneSetMap(g.in)
	for item, p := range g.placements {
		cp.placements[item] = &itemPlacement{from: p.from, to: cloneSet(p.to)}
	}
	cp.directWanters = cloneSetMap(g.directWanters)
	cp.collectionWanters = cloneSetMap(g.collectionWanters)
	return cp
}

// restore overwrites the index with a previously cloned image.
func (g *GraphIndex) restore(img *GraphIndex) {
	g.out = img.out
	g.in = img.in
	g.placements = img.placements
	g.directWanters = img.directWanters
	g.collectionWanters = img.collectionWanters
}
