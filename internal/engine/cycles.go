package engine

import (
	"context"
	"sort"
	"time"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// Cycle Enumeration
//
// Discovers every elementary trade loop touching a seed owner, in two
// phases:
//
//   1. SCC partition (Tarjan lowlink, iterative) over the subgraph
//      reachable from the seeds in both directions. A cycle cannot
//      cross SCC boundaries; singleton components are discarded.
//   2. Per-SCC bounded enumeration (Johnson blocked DFS): fix the
//      least owner id as root, search only vertices >= root inside the
//      component, block vertices on the stack, unblock through the
//      B-list on backtrack. Branches are pruned at MaxCycleLength.
//
// The underlying graph is a multigraph (several items can justify one
// owner pair), so each simple cycle is expanded into up to
// MaxItemCombos concrete loops, picking items greedily by descending
// value hint.
//
// Budget: wall time, visited nodes and emitted loops, whichever trips
// first. Exceeding the budget is not an error — any loop already
// emitted is valid, the pass just stops early.
//
// Determinism: owners and items are always visited in lexicographic
// order, so identical graph states and seed sets produce identical
// output.

// CycleEngine enumerates trade loops over one tenant's graph.
type CycleEngine struct {
	state *TenantState
	graph *GraphIndex
	cfg   *TenantConfig
	clock Clock
}

// EnumerationResult is the (possibly partial) outcome of one pass.
type EnumerationResult struct {
	Loops          []*models.TradeLoop
	BudgetExceeded bool
	NodesVisited   int
}

// NewCycleEngine wires the enumerator to its tenant.
func NewCycleEngine(state *TenantState, graph *GraphIndex, cfg *TenantConfig, clock Clock) *CycleEngine {
	return &CycleEngine{state: state, graph: graph, cfg: cfg, clock: clock}
}

// enumBudget tracks the three limits of one pass.
type enumBudget struct {
	ctx      context.Context
	clock    Clock
	deadline time.Time
	nodes    int
	cycles   int
	visited  int
	emitted  int
	exceeded bool
}

// spent checks every limit. Called on each DFS visit and backtrack.
func (b *enumBudget) spent() bool {
	if b.exceeded {
		return true
	}
	if b.ctx.Err() != nil {
		b.exceeded = true
		return true
	}
	if b.visited >= b.nodes || b.emitted >= b.cycles {
		b.exceeded = true
		return true
	}
	if !b.deadline.IsZero() && b.clock.Now().After(b.deadline) {
		b.exceeded = true
		return true
	}
	return false
}

// Enumerate produces every trade loop containing at least one seed
// owner, within budget.
func (e *CycleEngine) Enumerate(ctx context.Context, seeds SeedSet) EnumerationResult {
	res := EnumerationResult{}
	if len(seeds) == 0 {
		return res
	}

	budget := &enumBudget{
		ctx:    ctx,
		clock:  e.clock,
		nodes:  e.cfg.Budget.Nodes,
		cycles: e.cfg.Budget.Cycles,
	}
	if e.cfg.Budget.TimeMs > 0 {
		budget.deadline = e.clock.Now().Add(time.Duration(e.cfg.Budget.TimeMs) * time.Millisecond)
	}

	nodes := e.reachableClosure(seeds)
	components := e.stronglyConnected(nodes)

	emittedSigs := make(map[string]struct{})
	for _, scc := range components {
		if len(scc) < 2 {
			continue
		}
		if !containsSeed(scc, seeds) {
			continue
		}
		e.enumerateComponent(scc, budget, emittedSigs, &res)
		if budget.spent() {
			break
		}
	}

	res.BudgetExceeded = budget.exceeded
	res.NodesVisited = budget.visited
	return res
}

// reachableClosure returns every owner reachable from the seeds
// following edges forward or backward. Cycles through a seed can only
// involve these vertices.
func (e *CycleEngine) reachableClosure(seeds SeedSet) map[string]struct{} {
	queue := seeds.Sorted()
	closure := make(map[string]struct{}, len(queue))
	for _, s := range queue {
		closure[s] = struct{}{}
	}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range e.graph.Successors(u) {
			if _, ok := closure[v]; !ok {
				closure[v] = struct{}{}
				queue = append(queue, v)
			}
		}
		for _, v := range e.graph.Predecessors(u) {
			if _, ok := closure[v]; !ok {
				closure[v] = struct{}{}
				queue = append(queue, v)
			}
		}
	}
	return closure
}

// stronglyConnected runs iterative Tarjan over the induced subgraph.
// Components come back with members sorted; component order follows
// the sorted root order for determinism.
func (e *CycleEngine) stronglyConnected(nodes map[string]struct{}) [][]string {
	index := make(map[string]int, len(nodes))
	lowlink := make(map[string]int, len(nodes))
	onStack := make(map[string]bool, len(nodes))
	var stack []string
	var components [][]string
	next := 0

	type frame struct {
		v     string
		succs []string
		i     int
	}

	roots := make([]string, 0, len(nodes))
	for v := range nodes {
		roots = append(roots, v)
	}
	sort.Strings(roots)

	for _, root := range roots {
		if _, seen := index[root]; seen {
			continue
		}
		frames := []frame{{v: root, succs: e.inducedSuccessors(root, nodes)}}
		index[root] = next
		lowlink[root] = next
		next++
		stack = append(stack, root)
		onStack[root] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			advanced := false
			for f.i < len(f.succs) {
				w := f.succs[f.i]
				f.i++
				if _, seen := index[w]; !seen {
					index[w] = next
					lowlink[w] = next
					next++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{v: w, succs: e.inducedSuccessors(w, nodes)})
					advanced = true
					break
				} else if onStack[w] {
					if index[w] < lowlink[f.v] {
						lowlink[f.v] = index[w]
					}
				}
			}
			if advanced {
				continue
			}
			// All successors handled: close the frame.
			v := f.v
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[v] < lowlink[parent.v] {
					lowlink[parent.v] = lowlink[v]
				}
			}
			if lowlink[v] == index[v] {
				var comp []string
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == v {
						break
					}
				}
				sort.Strings(comp)
				components = append(components, comp)
			}
		}
	}
	return components
}

func (e *CycleEngine) inducedSuccessors(v string, nodes map[string]struct{}) []string {
	all := e.graph.Successors(v)
	out := all[:0:0]
	for _, w := range all {
		if _, ok := nodes[w]; ok {
			out = append(out, w)
		}
	}
	return out
}

func containsSeed(comp []string, seeds SeedSet) bool {
	for _, v := range comp {
		if _, ok := seeds[v]; ok {
			return true
		}
	}
	return false
}

// enumerateComponent runs the blocked DFS for every root of one SCC.
// Restricting each root's search to vertices >= root guarantees each
// elementary cycle is found exactly once, anchored at its least owner.
func (e *CycleEngine) enumerateComponent(scc []string, budget *enumBudget, emitted map[string]struct{}, res *EnumerationResult) {
	member := make(map[string]struct{}, len(scc))
	for _, v := range scc {
		member[v] = struct{}{}
	}
	for _, root := range scc {
		if budget.spent() {
			return
		}
		search := &blockedSearch{
			engine:  e,
			budget:  budget,
			root:    root,
			member:  member,
			blocked: make(map[string]bool),
			blist:   make(map[string]map[string]struct{}),
			emitted: emitted,
			res:     res,
		}
		search.circuit(root)
	}
}

// blockedSearch is the per-root Johnson state.
type blockedSearch struct {
	engine  *CycleEngine
	budget  *enumBudget
	root    string
	member  map[string]struct{}
	blocked map[string]bool
	blist   map[string]map[string]struct{}
	stack   []string
	emitted map[string]struct{}
	res     *EnumerationResult
}

// allowed restricts the search to SCC members not below the root.
func (s *blockedSearch) allowed(v string) bool {
	if v < s.root {
		return false
	}
	_, ok := s.member[v]
	return ok
}

func (s *blockedSearch) unblock(v string) {
	s.blocked[v] = false
	for w := range s.blist[v] {
		delete(s.blist[v], w)
		if s.blocked[w] {
			s.unblock(w)
		}
	}
}

// circuit is the recursive blocked DFS. Recursion depth is bounded by
// MaxCycleLength, so the stack stays shallow.
func (s *blockedSearch) circuit(v string) bool {
	if s.budget.spent() {
		return false
	}
	s.budget.visited++
	found := false
	s.stack = append(s.stack, v)
	s.blocked[v] = true

	for _, w := range s.engine.graph.Successors(v) {
		if !s.allowed(w) {
			continue
		}
		if w == s.root {
			if s.expand() {
				found = true
			}
		} else if !s.blocked[w] && len(s.stack) < s.engine.cfg.MaxCycleLength {
			if s.circuit(w) {
				found = true
			}
		}
		if s.budget.spent() {
			break
		}
	}

	if found {
		s.unblock(v)
	} else {
		for _, w := range s.engine.graph.Successors(v) {
			if !s.allowed(w) {
				continue
			}
			bl, ok := s.blist[w]
			if !ok {
				bl = make(map[string]struct{})
				s.blist[w] = bl
			}
			bl[v] = struct{}{}
		}
	}

	s.stack = s.stack[:len(s.stack)-1]
	return found
}

// expand multiplies the simple cycle on the stack out over its item
// choices and emits the surviving concrete loops.
func (s *blockedSearch) expand() bool {
	owners := s.stack
	k := len(owners)
	if k < 2 {
		return false
	}

	// Ranked item choices per step, best value hint first.
	choices := make([][]string, k)
	for i := 0; i < k; i++ {
		from := owners[i]
		to := owners[(i+1)%k]
		items := s.engine.graph.EdgeItems(from, to)
		if len(items) == 0 {
			return false
		}
		ranked := make([]string, len(items))
		copy(ranked, items)
		state := s.engine.state
		sort.SliceStable(ranked, func(a, b int) bool {
			ha, hb := state.ValueHint(ranked[a]), state.ValueHint(ranked[b])
			if ha != hb {
				return ha > hb
			}
			return ranked[a] < ranked[b]
		})
		choices[i] = ranked
	}

	emittedAny := false
	idx := make([]int, k)
	for combo := 0; combo < s.engine.cfg.MaxItemCombos; combo++ {
		if loop := s.engine.buildLoop(owners, choices, idx); loop != nil {
			sig := loop.ID
			if _, dup := s.emitted[sig]; !dup {
				s.emitted[sig] = struct{}{}
				s.res.Loops = append(s.res.Loops, loop)
				s.budget.emitted++
				emittedAny = true
				if s.budget.spent() {
					return emittedAny
				}
			}
		}
		if !advance(idx, choices) {
			break
		}
	}
	return emittedAny
}

// advance steps the odometer over per-step item indices.
func advance(idx []int, choices [][]string) bool {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < len(choices[i]) {
			return true
		}
		idx[i] = 0
	}
	return false
}

// buildLoop assembles one concrete loop and re-checks every step
// against live state: the item must still sit with its sender and be
// wanted by its receiver, and no participant may have rejected the
// loop or a counterparty. Any violation discards the candidate.
func (e *CycleEngine) buildLoop(owners []string, choices [][]string, idx []int) *models.TradeLoop {
	k := len(owners)
	steps := make([]models.TradeStep, k)
	collectionSteps := 0
	for i := 0; i < k; i++ {
		from := owners[i]
		to := owners[(i+1)%k]
		itemID := choices[i][idx[i]]
		if e.state.OwnerOf(itemID) != from {
			return nil
		}
		if !e.state.WantsDirect(to, itemID) {
			if !e.state.WantsViaCollection(to, itemID) {
				return nil
			}
			collectionSteps++
		}
		item, _ := e.state.ItemRecordOf(itemID)
		steps[i] = models.TradeStep{From: from, To: to, Items: []models.Item{item}}
	}
	sig := Signature(steps)
	if e.state.RejectedCycle(sig, owners) {
		return nil
	}
	return &models.TradeLoop{
		ID:              sig,
		Steps:           steps,
		CollectionTrade: collectionSteps > 0,
		CollectionSteps: collectionSteps,
	}
}
