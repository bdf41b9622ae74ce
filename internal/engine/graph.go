package engine

import (
	"sort"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// GraphIndex is the derived directed wants-multigraph. An edge u→v
// carrying item i exists iff u currently holds i and v wants i, either
// directly or through a collection want, and v has not rejected u.
//
// The index is patched incrementally by the coordinator; a full
// rebuild is never performed. Every patch returns the set of owners
// whose neighborhood changed — the seed set for the next enumeration.
type GraphIndex struct {
	state *TenantState

	out        map[string]map[string]map[string]struct{} // from -> to -> items
	in         map[string]map[string]struct{}            // to -> froms
	placements map[string]*itemPlacement                 // item -> live edges

	directWanters     map[string]map[string]struct{} // item -> owners wanting it directly
	collectionWanters map[string]map[string]struct{} // collection -> owners wanting any member
}

// itemPlacement records where an item's edges currently sit so they
// can be torn down without consulting (possibly already mutated)
// ownership.
type itemPlacement struct {
	from string
	to   map[string]struct{}
}

// SeedSet collects owners touched by graph patches.
type SeedSet map[string]struct{}

func (s SeedSet) add(owners ...string) {
	for _, o := range owners {
		s[o] = struct{}{}
	}
}

// Merge folds another seed set in.
func (s SeedSet) Merge(other SeedSet) {
	for o := range other {
		s[o] = struct{}{}
	}
}

// Sorted returns the seeds in lexicographic order.
func (s SeedSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for o := range s {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// NewGraphIndex builds an empty index over the given state.
func NewGraphIndex(state *TenantState) *GraphIndex {
	return &GraphIndex{
		state:             state,
		out:               make(map[string]map[string]map[string]struct{}),
		in:                make(map[string]map[string]struct{}),
		placements:        make(map[string]*itemPlacement),
		directWanters:     make(map[string]map[string]struct{}),
		collectionWanters: make(map[string]map[string]struct{}),
	}
}

func (g *GraphIndex) addEdge(from, to, item string) bool {
	tos, ok := g.out[from]
	if !ok {
		tos = make(map[string]map[string]struct{})
		g.out[from] = tos
	}
	items, ok := tos[to]
	if !ok {
		items = make(map[string]struct{})
		tos[to] = items
	}
	if _, exists := items[item]; exists {
		return false
	}
	items[item] = struct{}{}

	froms, ok := g.in[to]
	if !ok {
		froms = make(map[string]struct{})
		g.in[to] = froms
	}
	froms[from] = struct{}{}

	p, ok := g.placements[item]
	if !ok {
		p = &itemPlacement{from: from, to: make(map[string]struct{})}
		g.placements[item] = p
	}
	p.from = from
	p.to[to] = struct{}{}
	return true
}

func (g *GraphIndex) removeEdge(from, to, item string) bool {
	tos, ok := g.out[from]
	if !ok {
		return false
	}
	items, ok := tos[to]
	if !ok {
		return false
	}
	if _, exists := items[item]; !exists {
		return false
	}
	delete(items, item)
	if len(items) == 0 {
		delete(tos, to)
		if froms, ok := g.in[to]; ok {
			delete(froms, from)
			if len(froms) == 0 {
				delete(g.in, to)
			}
		}
	}
	if len(tos) == 0 {
		delete(g.out, from)
	}
	if p, ok := g.placements[item]; ok {
		delete(p.to, to)
		if len(p.to) == 0 {
			delete(g.placements, item)
		}
	}
	return true
}

// wantersOf returns every owner that wants the item right now, via
// either justification.
func (g *GraphIndex) wantersOf(itemID string) map[string]struct{} {
	wanters := make(map[string]struct{})
	for o := range g.directWanters[itemID] {
		wanters[o] = struct{}{}
	}
	if it, ok := g.state.items[itemID]; ok && it.Collection != "" {
		for o := range g.collectionWanters[it.Collection] {
			wanters[o] = struct{}{}
		}
	}
	return wanters
}

// AddItemEdges wires every edge justified by the item's current owner.
// Stale placement under a previous owner is torn down first.
func (g *GraphIndex) AddItemEdges(itemID string) SeedSet {
	seeds := make(SeedSet)
	owner := g.state.OwnerOf(itemID)
	if owner == "" {
		return seeds
	}
	if p, ok := g.placements[itemID]; ok && p.from != owner {
		seeds.Merge(g.RemoveItemEdges(itemID))
	}
	for wanter := range g.wantersOf(itemID) {
		if wanter == owner || g.state.RejectedPair(owner, wanter) {
			continue
		}
		if g.addEdge(owner, wanter, itemID) {
			seeds.add(owner, wanter)
		}
	}
	return seeds
}

// RemoveItemEdges tears down every edge the item currently justifies.
func (g *GraphIndex) RemoveItemEdges(itemID string) SeedSet {
	seeds := make(SeedSet)
	p, ok := g.placements[itemID]
	if !ok {
		return seeds
	}
	receivers := make([]string, 0, len(p.to))
	for to := range p.to {
		receivers = append(receivers, to)
	}
	for _, to := range receivers {
		if g.removeEdge(p.from, to, itemID) {
			seeds.add(p.from, to)
		}
	}
	return seeds
}

// AddDirectWant registers the want and wires the edge from the item's
// current holder, if any.
func (g *GraphIndex) AddDirectWant(ownerID, itemID string) SeedSet {
	seeds := make(SeedSet)
	wanters, ok := g.directWanters[itemID]
	if !ok {
		wanters = make(map[string]struct{})
		g.directWanters[itemID] = wanters
	}
	wanters[ownerID] = struct{}{}

	holder := g.state.OwnerOf(itemID)
	if holder == "" || holder == ownerID || g.state.RejectedPair(holder, ownerID) {
		return seeds
	}
	if g.addEdge(holder, ownerID, itemID) {
		seeds.add(holder, ownerID)
	}
	return seeds
}

// RemoveDirectWant unregisters the want. The edge survives when a
// collection want still justifies it.
func (g *GraphIndex) RemoveDirectWant(ownerID, itemID string) SeedSet {
	seeds := make(SeedSet)
	if wanters, ok := g.directWanters[itemID]; ok {
		delete(wanters, ownerID)
		if len(wanters) == 0 {
			delete(g.directWanters, itemID)
		}
	}
	if g.state.WantsViaCollection(ownerID, itemID) {
		return seeds
	}
	if p, ok := g.placements[itemID]; ok {
		if _, has := p.to[ownerID]; has {
			if g.removeEdge(p.from, ownerID, itemID) {
				seeds.add(p.from, ownerID)
			}
		}
	}
	return seeds
}

// AddCollectionWant wires edges for every current member of the
// collection. The expansion stays virtual; membership changes later
// are handled by the item patches.
func (g *GraphIndex) AddCollectionWant(ownerID, collectionID string) SeedSet {
	seeds := make(SeedSet)
	wanters, ok := g.collectionWanters[collectionID]
	if !ok {
		wanters = make(map[string]struct{})
		g.collectionWanters[collectionID] = wanters
	}
	wanters[ownerID] = struct{}{}

	for itemID := range g.state.CollectionMembers(collectionID) {
		holder := g.state.OwnerOf(itemID)
		if holder == "" || holder == ownerID || g.state.RejectedPair(holder, ownerID) {
			continue
		}
		if g.addEdge(holder, ownerID, itemID) {
			seeds.add(holder, ownerID)
		}
	}
	return seeds
}

// RemoveCollectionWant tears down member edges not also justified by a
// direct want.
func (g *GraphIndex) RemoveCollectionWant(ownerID, collectionID string) SeedSet {
	seeds := make(SeedSet)
	if wanters, ok := g.collectionWanters[collectionID]; ok {
		delete(wanters, ownerID)
		if len(wanters) == 0 {
			delete(g.collectionWanters, collectionID)
		}
	}
	for itemID := range g.state.CollectionMembers(collectionID) {
		if g.state.WantsDirect(ownerID, itemID) {
			continue
		}
		if p, ok := g.placements[itemID]; ok {
			if _, has := p.to[ownerID]; has {
				if g.removeEdge(p.from, ownerID, itemID) {
					seeds.add(p.from, ownerID)
				}
			}
		}
	}
	return seeds
}

// Suppress removes every edge sender→receiver after the receiver
// rejected the sender as a counterparty.
func (g *GraphIndex) Suppress(sender, receiver string) SeedSet {
	seeds := make(SeedSet)
	tos, ok := g.out[sender]
	if !ok {
		return seeds
	}
	items, ok := tos[receiver]
	if !ok {
		return seeds
	}
	ids := make([]string, 0, len(items))
	for i := range items {
		ids = append(ids, i)
	}
	for _, i := range ids {
		if g.removeEdge(sender, receiver, i) {
			seeds.add(sender, receiver)
		}
	}
	return seeds
}

// Unsuppress rewires edges sender→receiver still justified by live
// wants (counterpart of Suppress when a rejection is lifted).
func (g *GraphIndex) Unsuppress(sender, receiver string) SeedSet {
	seeds := make(SeedSet)
	rec, ok := g.state.owners[sender]
	if !ok {
		return seeds
	}
	for itemID := range rec.Owned {
		if !g.state.Wants(receiver, itemID) {
			continue
		}
		if g.addEdge(sender, receiver, itemID) {
			seeds.add(sender, receiver)
		}
	}
	return seeds
}

// Successors returns the out-neighbors of u in lexicographic order.
func (g *GraphIndex) Successors(u string) []string {
	tos, ok := g.out[u]
	if !ok {
		return nil
	}
	vs := make([]string, 0, len(tos))
	for v := range tos {
		vs = append(vs, v)
	}
	sort.Strings(vs)
	return vs
}

// Predecessors returns the in-neighbors of v in lexicographic order.
func (g *GraphIndex) Predecessors(v string) []string {
	froms, ok := g.in[v]
	if !ok {
		return nil
	}
	us := make([]string, 0, len(froms))
	for u := range froms {
		us = append(us, u)
	}
	sort.Strings(us)
	return us
}

// EdgeItems returns the items justifying edge u→v, sorted by item id.
func (g *GraphIndex) EdgeItems(u, v string) []string {
	tos, ok := g.out[u]
	if !ok {
		return nil
	}
	items, ok := tos[v]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(items))
	for i := range items {
		ids = append(ids, i)
	}
	sort.Strings(ids)
	return ids
}

// HasEdge reports whether any item justifies u→v.
func (g *GraphIndex) HasEdge(u, v string) bool {
	tos, ok := g.out[u]
	if !ok {
		return false
	}
	items, ok := tos[v]
	return ok && len(items) > 0
}

// EdgeCount returns the number of parallel edges in the graph.
func (g *GraphIndex) EdgeCount() int {
	n := 0
	for _, tos := range g.out {
		for _, items := range tos {
			n += len(items)
		}
	}
	return n
}

// Snapshot exports the graph for visualization.
func (g *GraphIndex) Snapshot() models.GraphSnapshot {
	snap := models.GraphSnapshot{Nodes: []models.GraphNode{}, Edges: []models.GraphEdge{}}
	seen := make(map[string]struct{})
	addNode := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		node := models.GraphNode{ID: id}
		if rec, ok := g.state.owners[id]; ok {
			node.OwnedItems = len(rec.Owned)
			node.Wants = len(rec.Wanted) + len(rec.WantedCollections)
		}
		snap.Nodes = append(snap.Nodes, node)
	}
	froms := make([]string, 0, len(g.out))
	for u := range g.out {
		froms = append(froms, u)
	}
	sort.Strings(froms)
	for _, u := range froms {
		addNode(u)
		for _, v := range g.Successors(u) {
			addNode(v)
			snap.Edges = append(snap.Edges, models.GraphEdge{From: u, To: v, Items: g.EdgeItems(u, v)})
		}
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	return snap
}
