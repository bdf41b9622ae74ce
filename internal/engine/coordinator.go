package engine

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// Delta Coordinator
//
// One serial writer task per tenant. Every mutation enters as an event
// on a FIFO queue; the loop validates it, applies it to TenantState,
// patches the GraphIndex, re-enumerates only the SCCs touched by the
// patch, and reconciles the CycleStore. Tenants run in parallel;
// within a tenant nothing races the writer.
//
// Failure discipline: an event either commits fully or not at all.
// Validation runs before the first mutation, so typed errors leave the
// tenant untouched. Budget exhaustion during enumeration is reported
// in the summary, never surfaced as an error.

// EventType tags queue entries and persisted log rows.
type EventType string

const (
	EvInventoryAdd         EventType = "inventory_add"
	EvInventoryRemove      EventType = "inventory_remove"
	EvWantsAdd             EventType = "wants_add"
	EvWantsRemove          EventType = "wants_remove"
	EvCollectionWantAdd    EventType = "collection_want_add"
	EvCollectionWantRemove EventType = "collection_want_remove"
	EvRejection            EventType = "rejection"
	EvRejectionRemove      EventType = "rejection_remove"
	EvHintUpdate           EventType = "hint_update"
	EvMetadataUpdate       EventType = "metadata_update"
)

// Event is one tenant mutation. The payload doubles as the persisted
// log row, so every field is serializable.
type Event struct {
	ID         string              `json:"id"`
	Type       EventType           `json:"type"`
	Owner      string              `json:"owner,omitempty"`
	Items      []models.Item       `json:"items,omitempty"`
	ItemIDs    []string            `json:"itemIds,omitempty"`
	Collection string              `json:"collection,omitempty"`
	Rejection  models.RejectionRef `json:"rejection,omitempty"`
	Hints      map[string]float64  `json:"hints,omitempty"`
}

type envelope struct {
	ctx context.Context
	ev  Event
	ack chan outcome
}

type outcome struct {
	result models.Result
	err    error
}

// DeltaCoordinator owns one tenant's writer loop.
type DeltaCoordinator struct {
	tenantID string
	cfg      *TenantConfig
	state    *TenantState
	graph    *GraphIndex
	engine   *CycleEngine
	scorer   *CycleScorer
	store    *CycleStore
	clock    Clock
	sink     EventSink
	persist  Persistence
	enricher *Enricher

	// mu guards state and graph: the writer holds it exclusively for
	// the span of one event; read views (systemState, integrity) take
	// it shared. The cycle store carries its own lock.
	mu sync.RWMutex

	queue chan envelope
	done  chan struct{}
	seq   int64
}

const (
	eventQueueDepth  = 256
	snapshotInterval = 200 // events between persisted snapshots
)

// NewDeltaCoordinator assembles the writer for one tenant.
func NewDeltaCoordinator(tenantID string, cfg *TenantConfig, state *TenantState, graph *GraphIndex,
	cycleEngine *CycleEngine, scorer *CycleScorer, store *CycleStore,
	clock Clock, sink EventSink, persist Persistence) *DeltaCoordinator {
	return &DeltaCoordinator{
		tenantID: tenantID,
		cfg:      cfg,
		state:    state,
		graph:    graph,
		engine:   cycleEngine,
		scorer:   scorer,
		store:    store,
		clock:    clock,
		sink:     sink,
		persist:  persist,
		queue:    make(chan envelope, eventQueueDepth),
		done:     make(chan struct{}),
	}
}

// SetEnricher wires the optional background value-hint enricher.
func (dc *DeltaCoordinator) SetEnricher(e *Enricher) { dc.enricher = e }

// Run drains the queue until ctx is canceled. Call in its own
// goroutine; Done() closes once the loop drains out.
func (dc *DeltaCoordinator) Run(ctx context.Context) {
	defer close(dc.done)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-dc.queue:
			out := dc.apply(env.ctx, env.ev, true)
			env.ack <- out
		}
	}
}

// Done closes when the writer loop has exited.
func (dc *DeltaCoordinator) Done() <-chan struct{} { return dc.done }

// Submit enqueues an event and blocks for its acknowledgement, so a
// caller that has seen Submit return observes its own write.
func (dc *DeltaCoordinator) Submit(ctx context.Context, ev Event) (models.Result, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	env := envelope{ctx: ctx, ev: ev, ack: make(chan outcome, 1)}
	select {
	case dc.queue <- env:
	case <-ctx.Done():
		return models.Result{}, models.Errf(models.CodeInternal, "event %s canceled before enqueue", ev.ID)
	case <-dc.done:
		return models.Result{}, models.Errf(models.CodeUnknownTenant, "tenant %s writer stopped", dc.tenantID)
	}
	select {
	case out := <-env.ack:
		return out.result, out.err
	case <-ctx.Done():
		// The event may still commit; the caller just stops waiting.
		return models.Result{}, models.Errf(models.CodeInternal, "event %s canceled while pending", ev.ID)
	case <-dc.done:
		// Writer shut down; the ack may still have raced in.
		select {
		case out := <-env.ack:
			return out.result, out.err
		default:
			return models.Result{}, models.Errf(models.CodeUnknownTenant, "tenant %s writer stopped", dc.tenantID)
		}
	}
}

// apply is the whole per-event pipeline. Runs on the writer goroutine
// only. A panic in one event is isolated: logged, reported as
// INTERNAL, the tenant rolled back to its pre-event image, and the
// loop keeps serving.
func (dc *DeltaCoordinator) apply(ctx context.Context, ev Event, record bool) (out outcome) {
	// A caller that already canceled gets a nack here; past this point
	// the event commits in full regardless of the caller.
	if err := ctx.Err(); err != nil {
		return outcome{err: models.Errf(models.CodeInternal, "event %s canceled before apply", ev.ID)}
	}

	start := dc.clock.Now()
	dc.mu.Lock()
	defer dc.mu.Unlock()

	cp := dc.checkpoint()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] event %s (%s) fault: %v", dc.tenantID, ev.ID, ev.Type, r)
			dc.rollback(cp)
			out = outcome{err: models.Errf(models.CodeInternal, "event %s failed", ev.ID)}
		}
	}()

	// 1. Validate, then mutate state and patch the graph. Validation
	// failures return before the first mutation.
	seeds, changedItems, rejected, err := dc.applyEvent(ev)
	if err != nil {
		return outcome{result: models.Result{Rejected: rejected}, err: err}
	}

	// 2. Re-enumerate the touched region and store the survivors.
	discovered := 0
	budgetExceeded := false
	if len(seeds) > 0 {
		// Enumeration runs on the writer's own context: a committed
		// event always gets its discovery pass, even when the caller
		// has stopped waiting. The budget bounds the pass.
		enum := dc.engine.Enumerate(context.Background(), seeds)
		budgetExceeded = enum.BudgetExceeded
		for _, loop := range enum.Loops {
			loop.Score = dc.scorer.Score(loop)
			if loop.Score < dc.cfg.MinCycleScore {
				continue
			}
			if dc.store.Upsert(loop) {
				discovered++
			}
		}
	}

	// 3. Evict loops broken by this event, then sweep TTLs.
	evicted := 0
	if len(changedItems) > 0 {
		evicted += dc.store.EvictTouching(changedItems, dc.loopStillValid)
	}
	if ev.Type == EvRejection {
		evicted += dc.store.EvictRejected(ev.Owner, ev.Rejection)
	}
	evicted += dc.store.EvictExpired(dc.clock.Now())

	// 4. Durability and notifications.
	if record {
		dc.record(ev)
	}
	elapsed := dc.clock.Now().Sub(start)
	if dc.sink != nil && record {
		dc.sink.Publish(models.Summary{
			EventID:          ev.ID,
			TenantID:         dc.tenantID,
			Type:             string(ev.Type),
			CyclesDiscovered: discovered,
			CyclesEvicted:    evicted,
			BudgetExceeded:   budgetExceeded,
			ElapsedMs:        float64(elapsed.Microseconds()) / 1000.0,
		})
	}
	if dc.enricher != nil && ev.Type == EvInventoryAdd {
		dc.enricher.Request(dc.tenantID, unhinted(ev.Items))
		dc.enricher.RequestMetadata(dc.tenantID, uncollected(ev.Items))
	}

	return outcome{result: models.Result{
		OK:                  true,
		NewCyclesDiscovered: discovered,
		BudgetExceeded:      budgetExceeded,
	}}
}

// applyEvent validates and applies one event, returning the seed set
// for enumeration and the item ids whose placement changed.
func (dc *DeltaCoordinator) applyEvent(ev Event) (SeedSet, []string, []models.RejectedElement, error) {
	seeds := make(SeedSet)
	var changed []string

	// Bound checks run before the first mutation, with the rest of the
	// validation phase.
	switch ev.Type {
	case EvInventoryAdd, EvWantsAdd, EvCollectionWantAdd:
		if err := dc.checkOwnerBound(ev.Owner); err != nil {
			return nil, nil, nil, err
		}
	}

	switch ev.Type {
	case EvInventoryAdd:
		if rej, err := dc.state.ValidateInventoryAdd(ev.Owner, ev.Items); err != nil {
			return nil, nil, rej, err
		}
		if len(dc.state.ownership)+len(ev.Items) > dc.cfg.MaxItems {
			return nil, nil, nil, models.Errf(models.CodeInvalidArgument,
				"tenant item bound %d exceeded", dc.cfg.MaxItems)
		}
		changed = dc.state.ApplyInventoryAdd(ev.Owner, ev.Items)
		for _, id := range changed {
			seeds.Merge(dc.graph.AddItemEdges(id))
		}

	case EvInventoryRemove:
		if rej, err := dc.state.ValidateInventoryRemove(ev.Owner, ev.ItemIDs); err != nil {
			return nil, nil, rej, err
		}
		for _, id := range ev.ItemIDs {
			seeds.Merge(dc.graph.RemoveItemEdges(id))
		}
		changed = dc.state.ApplyInventoryRemove(ev.Owner, ev.ItemIDs)

	case EvWantsAdd:
		if rej, err := dc.state.ValidateWantsAdd(ev.Owner, ev.ItemIDs); err != nil {
			return nil, nil, rej, err
		}
		added := dc.state.ApplyWantsAdd(ev.Owner, ev.ItemIDs)
		for _, id := range added {
			seeds.Merge(dc.graph.AddDirectWant(ev.Owner, id))
		}

	case EvWantsRemove:
		removed := dc.state.ApplyWantsRemove(ev.Owner, ev.ItemIDs)
		for _, id := range removed {
			seeds.Merge(dc.graph.RemoveDirectWant(ev.Owner, id))
		}
		changed = removed

	case EvCollectionWantAdd:
		if dc.state.ApplyCollectionWantAdd(ev.Owner, ev.Collection) {
			seeds.Merge(dc.graph.AddCollectionWant(ev.Owner, ev.Collection))
		}

	case EvCollectionWantRemove:
		if dc.state.ApplyCollectionWantRemove(ev.Owner, ev.Collection) {
			seeds.Merge(dc.graph.RemoveCollectionWant(ev.Owner, ev.Collection))
			for id := range dc.state.CollectionMembers(ev.Collection) {
				changed = append(changed, id)
			}
		}

	case EvRejection:
		if ev.Rejection.CycleSig == "" && ev.Rejection.OtherOwner == "" {
			return nil, nil, nil, models.Errf(models.CodeInvalidArgument,
				"rejection needs a cycle signature or a counterparty")
		}
		dc.state.ApplyRejection(ev.Owner, ev.Rejection)
		if ev.Rejection.OtherOwner != "" {
			seeds.Merge(dc.graph.Suppress(ev.Rejection.OtherOwner, ev.Owner))
		}

	case EvRejectionRemove:
		if ev.Rejection.CycleSig == "" && ev.Rejection.OtherOwner == "" {
			return nil, nil, nil, models.Errf(models.CodeInvalidArgument,
				"rejection removal needs a cycle signature or a counterparty")
		}
		if dc.state.ApplyRejectionRemove(ev.Owner, ev.Rejection) && ev.Rejection.OtherOwner != "" {
			seeds.Merge(dc.graph.Unsuppress(ev.Rejection.OtherOwner, ev.Owner))
		}

	case EvHintUpdate:
		for id, hint := range ev.Hints {
			dc.state.SetValueHint(id, hint)
		}
		// Hints change scores, not topology: nothing to re-enumerate.

	case EvMetadataUpdate:
		for _, it := range ev.Items {
			if dc.state.ApplyMetadataUpdate(it) {
				// A collection move can both create and sever edges:
				// rebuild the item's edges from scratch and re-check the
				// loops that carry it.
				seeds.Merge(dc.graph.RemoveItemEdges(it.ID))
				seeds.Merge(dc.graph.AddItemEdges(it.ID))
				changed = append(changed, it.ID)
			}
		}

	default:
		return nil, nil, nil, models.Errf(models.CodeInvalidArgument, "unknown event type %q", ev.Type)
	}

	return seeds, changed, nil, nil
}

// checkOwnerBound rejects events that would grow the arena past
// MaxOwners. Events touching an already active owner always pass.
func (dc *DeltaCoordinator) checkOwnerBound(ownerID string) error {
	if dc.state.ActiveOwner(ownerID) {
		return nil
	}
	if owners, _, _ := dc.state.Counts(); owners >= dc.cfg.MaxOwners {
		return models.Errf(models.CodeInvalidArgument,
			"tenant owner bound %d exceeded", dc.cfg.MaxOwners)
	}
	return nil
}

// loopStillValid re-derives the storage invariant for one loop: every
// step's items sit with the sender and are wanted by the receiver.
func (dc *DeltaCoordinator) loopStillValid(loop *models.TradeLoop) bool {
	for _, step := range loop.Steps {
		for _, it := range step.Items {
			if dc.state.OwnerOf(it.ID) != step.From {
				return false
			}
			if !dc.state.Wants(step.To, it.ID) {
				return false
			}
		}
	}
	return true
}

// record appends the event to the persistence log and snapshots the
// tenant periodically. Persistence failures are logged, never fatal:
// the in-memory engine is the authority. Durability never inherits a
// caller's context: a committed event is logged even when the caller
// has walked away.
func (dc *DeltaCoordinator) record(ev Event) {
	if dc.persist == nil || !dc.cfg.EnablePersistence {
		return
	}
	ctx := context.Background()
	dc.seq++
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[%s] event %s marshal failed: %v", dc.tenantID, ev.ID, err)
		return
	}
	row := PersistedEvent{Seq: dc.seq, TS: dc.clock.Now(), Type: string(ev.Type), Payload: payload}
	if err := dc.persist.AppendEvent(ctx, dc.tenantID, row); err != nil {
		log.Printf("[%s] event %s append failed: %v", dc.tenantID, ev.ID, err)
		return
	}
	if dc.seq%snapshotInterval == 0 {
		state, err := dc.snapshotJSON()
		if err != nil {
			log.Printf("[%s] snapshot marshal failed: %v", dc.tenantID, err)
			return
		}
		if err := dc.persist.SaveSnapshot(ctx, dc.tenantID, dc.seq, state); err != nil {
			log.Printf("[%s] snapshot save failed: %v", dc.tenantID, err)
		}
	}
}

// Replay re-applies a persisted event during recovery: no log append,
// no sink notifications.
func (dc *DeltaCoordinator) Replay(ctx context.Context, ev Event) error {
	out := dc.apply(ctx, ev, false)
	return out.err
}

// SetSeq primes the log sequence after recovery.
func (dc *DeltaCoordinator) SetSeq(seq int64) { dc.seq = seq }

// ReadView runs fn under the shared state lock, giving readers a
// consistent view without entering the writer queue.
func (dc *DeltaCoordinator) ReadView(fn func()) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	fn()
}

func unhinted(items []models.Item) []string {
	var ids []string
	for _, it := range items {
		if it.ValueHint <= 0 {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

func uncollected(items []models.Item) []string {
	var ids []string
	for _, it := range items {
		if it.CollectionID == "" {
			ids = append(ids, it.ID)
		}
	}
	return ids
}
