package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// CycleStore is the deduplicating, TTL'd store of active loops.
// Primary key is the cycle signature; secondary indexes cover
// participating owners and items so eviction and queries never scan
// the whole table.
//
// The writer goroutine mutates it; queries take the read lock and copy
// out, so iteration is always over a snapshot.
type CycleStore struct {
	mu    sync.RWMutex
	cfg   *TenantConfig
	clock Clock

	bySig   map[string]*models.TradeLoop
	byOwner map[string]map[string]struct{} // owner -> signatures
	byItem  map[string]map[string]struct{} // item  -> signatures
}

// NewCycleStore returns an empty store bound to the tenant config.
func NewCycleStore(cfg *TenantConfig, clock Clock) *CycleStore {
	return &CycleStore{
		cfg:     cfg,
		clock:   clock,
		bySig:   make(map[string]*models.TradeLoop),
		byOwner: make(map[string]map[string]struct{}),
		byItem:  make(map[string]map[string]struct{}),
	}
}

// Upsert inserts or refreshes a loop. On signature collision the entry
// with the higher score survives; LastSeen is refreshed either way.
// Reports whether the signature was new.
func (cs *CycleStore) Upsert(loop *models.TradeLoop) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := cs.clock.Now()
	existing, ok := cs.bySig[loop.ID]
	if ok {
		existing.LastSeen = now
		if loop.Score > existing.Score {
			cs.unindex(existing)
			loop.DiscoveredAt = existing.DiscoveredAt
			loop.LastSeen = now
			cs.bySig[loop.ID] = loop
			cs.index(loop)
		}
		return false
	}

	loop.DiscoveredAt = now
	loop.LastSeen = now
	cs.bySig[loop.ID] = loop
	cs.index(loop)
	cs.enforceCapLocked()
	return true
}

func (cs *CycleStore) index(loop *models.TradeLoop) {
	for _, step := range loop.Steps {
		owners, ok := cs.byOwner[step.From]
		if !ok {
			owners = make(map[string]struct{})
			cs.byOwner[step.From] = owners
		}
		owners[loop.ID] = struct{}{}
		for _, it := range step.Items {
			items, ok := cs.byItem[it.ID]
			if !ok {
				items = make(map[string]struct{})
				cs.byItem[it.ID] = items
			}
			items[loop.ID] = struct{}{}
		}
	}
}

func (cs *CycleStore) unindex(loop *models.TradeLoop) {
	for _, step := range loop.Steps {
		if owners, ok := cs.byOwner[step.From]; ok {
			delete(owners, loop.ID)
			if len(owners) == 0 {
				delete(cs.byOwner, step.From)
			}
		}
		for _, it := range step.Items {
			if items, ok := cs.byItem[it.ID]; ok {
				delete(items, loop.ID)
				if len(items) == 0 {
					delete(cs.byItem, it.ID)
				}
			}
		}
	}
}

func (cs *CycleStore) removeLocked(sig string) bool {
	loop, ok := cs.bySig[sig]
	if !ok {
		return false
	}
	cs.unindex(loop)
	delete(cs.bySig, sig)
	return true
}

// enforceCapLocked evicts the lowest-scoring loops once the store
// outgrows MaxCyclesStored. Eviction here is mandatory, not advisory.
func (cs *CycleStore) enforceCapLocked() {
	over := len(cs.bySig) - cs.cfg.MaxCyclesStored
	if over <= 0 {
		return
	}
	victims := make([]*models.TradeLoop, 0, len(cs.bySig))
	for _, loop := range cs.bySig {
		victims = append(victims, loop)
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Score != victims[j].Score {
			return victims[i].Score < victims[j].Score
		}
		return victims[i].ID < victims[j].ID
	})
	for i := 0; i < over; i++ {
		cs.removeLocked(victims[i].ID)
	}
}

// Load inserts recovered loops exactly as persisted: DiscoveredAt and
// LastSeen keep their stored values, so TTL clocks and the wire-stable
// discovery time survive a restart.
func (cs *CycleStore) Load(loops []models.TradeLoop) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i := range loops {
		loop := loops[i]
		cs.bySig[loop.ID] = &loop
		cs.index(&loop)
	}
	cs.enforceCapLocked()
}

// cloneLoops returns a deep copy of the table for use as a rollback
// image.
func (cs *CycleStore) cloneLoops() map[string]*models.TradeLoop {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]*models.TradeLoop, len(cs.bySig))
	for sig, loop := range cs.bySig {
		cp := copyLoop(loop)
		out[sig] = &cp
	}
	return out
}

// restoreLoops overwrites the table with a previously cloned image and
// rebuilds the secondary indexes from it.
func (cs *CycleStore) restoreLoops(loops map[string]*models.TradeLoop) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.bySig = make(map[string]*models.TradeLoop, len(loops))
	cs.byOwner = make(map[string]map[string]struct{})
	cs.byItem = make(map[string]map[string]struct{})
	for sig, loop := range loops {
		cs.bySig[sig] = loop
		cs.index(loop)
	}
}

// EvictExpired removes loops past their TTL. Returns how many fell.
func (cs *CycleStore) EvictExpired(now time.Time) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var stale []string
	for sig, loop := range cs.bySig {
		if loop.LastSeen.Add(cs.cfg.CycleTTL).Before(now) {
			stale = append(stale, sig)
		}
	}
	for _, sig := range stale {
		cs.removeLocked(sig)
	}
	return len(stale)
}

// EvictTouching re-validates every loop that carries one of the
// changed items and drops the ones the check rejects. The caller
// supplies the liveness predicate against current tenant state.
func (cs *CycleStore) EvictTouching(itemIDs []string, valid func(*models.TradeLoop) bool) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	candidates := make(map[string]struct{})
	for _, id := range itemIDs {
		for sig := range cs.byItem[id] {
			candidates[sig] = struct{}{}
		}
	}
	evicted := 0
	for sig := range candidates {
		loop, ok := cs.bySig[sig]
		if !ok {
			continue
		}
		if !valid(loop) {
			cs.removeLocked(sig)
			evicted++
		}
	}
	return evicted
}

// EvictRejected removes loops invalidated by a new rejection: the
// named signature, and every loop pairing the rejecting owner with the
// rejected counterparty.
func (cs *CycleStore) EvictRejected(ownerID string, ref models.RejectionRef) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	evicted := 0
	if ref.CycleSig != "" {
		if cs.removeLocked(ref.CycleSig) {
			evicted++
		}
	}
	if ref.OtherOwner != "" {
		var victims []string
		for sig := range cs.byOwner[ownerID] {
			loop := cs.bySig[sig]
			for _, step := range loop.Steps {
				if step.From == ref.OtherOwner {
					victims = append(victims, sig)
					break
				}
			}
		}
		for _, sig := range victims {
			if cs.removeLocked(sig) {
				evicted++
			}
		}
	}
	return evicted
}

// CyclesByOwner returns the owner's loops sorted by score descending,
// then signature, capped at limit. The result is a snapshot copy.
func (cs *CycleStore) CyclesByOwner(ownerID string, limit int, minScore float64) []models.TradeLoop {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	loops := make([]models.TradeLoop, 0, len(cs.byOwner[ownerID]))
	for sig := range cs.byOwner[ownerID] {
		loop := cs.bySig[sig]
		if loop.Score < minScore {
			continue
		}
		loops = append(loops, copyLoop(loop))
	}
	sort.Slice(loops, func(i, j int) bool {
		if loops[i].Score != loops[j].Score {
			return loops[i].Score > loops[j].Score
		}
		return loops[i].ID < loops[j].ID
	})
	if limit > 0 && len(loops) > limit {
		loops = loops[:limit]
	}
	return loops
}

// BySignature returns a copy of one loop.
func (cs *CycleStore) BySignature(sig string) (models.TradeLoop, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	loop, ok := cs.bySig[sig]
	if !ok {
		return models.TradeLoop{}, false
	}
	return copyLoop(loop), true
}

// ActiveCount returns the number of stored loops.
func (cs *CycleStore) ActiveCount() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.bySig)
}

// All returns a snapshot copy of every stored loop, signature order.
func (cs *CycleStore) All() []models.TradeLoop {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	loops := make([]models.TradeLoop, 0, len(cs.bySig))
	for _, loop := range cs.bySig {
		loops = append(loops, copyLoop(loop))
	}
	sort.Slice(loops, func(i, j int) bool { return loops[i].ID < loops[j].ID })
	return loops
}

func copyLoop(loop *models.TradeLoop) models.TradeLoop {
	out := *loop
	out.Steps = make([]models.TradeStep, len(loop.Steps))
	for i, step := range loop.Steps {
		items := make([]models.Item, len(step.Items))
		copy(items, step.Items)
		out.Steps[i] = models.TradeStep{From: step.From, To: step.To, Items: items}
	}
	return out
}
