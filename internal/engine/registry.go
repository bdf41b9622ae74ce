package engine

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// Options carries the external collaborators shared by every tenant.
// Adapters must be safe for concurrent use; nil adapters disable the
// corresponding feature.
type Options struct {
	Clock       Clock
	Sink        EventSink
	Persistence Persistence
	Metadata    MetadataSource
	Prices      PriceSource

	// AdapterConcurrency bounds simultaneous calls into Metadata and
	// Prices across all tenants.
	AdapterConcurrency int64
}

// Tenant bundles one tenant's state, derived structures and writer.
type Tenant struct {
	id      string
	cfg     TenantConfig
	state   *TenantState
	graph   *GraphIndex
	store   *CycleStore
	coord   *DeltaCoordinator
	checker *IntegrityChecker
	cancel  context.CancelFunc
}

// Engine is the transport-neutral surface: a tenant registry plus the
// operation set of the matching engine. All writes route through the
// per-tenant coordinator; reads go straight to the cycle store or take
// a read view over tenant state.
type Engine struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
	opts    Options
	enrich  *Enricher
}

// New builds an engine with the given collaborators.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	e := &Engine{tenants: make(map[string]*Tenant), opts: opts}
	if opts.Prices != nil || opts.Metadata != nil {
		e.enrich = NewEnricher(opts.Prices, opts.Metadata, opts.AdapterConcurrency, e.applyHints, e.applyMetadata)
	}
	return e
}

// applyHints routes enrichment results back into the tenant writer.
func (e *Engine) applyHints(tenantID string, hints map[string]float64) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return // tenant destroyed while the lookup was in flight
	}
	if _, err := t.coord.Submit(context.Background(), Event{Type: EvHintUpdate, Hints: hints}); err != nil {
		log.Printf("[%s] hint update dropped: %v", tenantID, err)
	}
}

// applyMetadata routes metadata back-fill into the tenant writer.
func (e *Engine) applyMetadata(tenantID string, items []models.Item) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return
	}
	if _, err := t.coord.Submit(context.Background(), Event{Type: EvMetadataUpdate, Items: items}); err != nil {
		log.Printf("[%s] metadata update dropped: %v", tenantID, err)
	}
}

// CreateTenant provisions an isolated tenant and starts its writer.
// Recovery from persistence, when enabled, happens before the first
// event is accepted.
func (e *Engine) CreateTenant(ctx context.Context, tenantID string, cfg TenantConfig) error {
	if tenantID == "" {
		return models.Errf(models.CodeInvalidArgument, "tenant id must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tenants[tenantID]; exists {
		return models.Errf(models.CodeTenantExists, "tenant %s already exists", tenantID)
	}

	state := NewTenantState()
	graph := NewGraphIndex(state)
	store := NewCycleStore(&cfg, e.opts.Clock)
	cycleEngine := NewCycleEngine(state, graph, &cfg, e.opts.Clock)
	scorer := NewCycleScorer(&cfg)
	coord := NewDeltaCoordinator(tenantID, &cfg, state, graph, cycleEngine, scorer, store,
		e.opts.Clock, e.opts.Sink, e.opts.Persistence)
	if e.enrich != nil {
		coord.SetEnricher(e.enrich)
	}

	t := &Tenant{
		id:      tenantID,
		cfg:     cfg,
		state:   state,
		graph:   graph,
		store:   store,
		coord:   coord,
		checker: NewIntegrityChecker(state, graph, store, &cfg),
	}

	if cfg.EnablePersistence && e.opts.Persistence != nil {
		if err := e.recover(ctx, t); err != nil {
			return models.Errf(models.CodeInternal, "tenant %s recovery failed: %v", tenantID, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go coord.Run(runCtx)

	e.tenants[tenantID] = t
	log.Printf("[%s] tenant created (maxCycleLength=%d, persistence=%v)",
		tenantID, cfg.MaxCycleLength, cfg.EnablePersistence)
	return nil
}

// recover loads the latest snapshot and replays the log suffix. Runs
// before the writer goroutine starts, so direct replay is race-free.
func (e *Engine) recover(ctx context.Context, t *Tenant) error {
	seq, stateData, err := e.opts.Persistence.LoadSnapshot(ctx, t.id)
	if err != nil {
		return err
	}
	if len(stateData) > 0 {
		if err := t.coord.restoreSnapshot(stateData); err != nil {
			return err
		}
	}
	events, err := e.opts.Persistence.LoadEventsSince(ctx, t.id, seq)
	if err != nil {
		return err
	}
	last := seq
	for _, row := range events {
		var ev Event
		if err := json.Unmarshal(row.Payload, &ev); err != nil {
			log.Printf("[%s] skipping undecodable event seq=%d: %v", t.id, row.Seq, err)
			continue
		}
		if err := t.coord.Replay(ctx, ev); err != nil {
			// A replayed event that failed validation originally fails
			// again; that is expected and harmless.
			log.Printf("[%s] replay seq=%d: %v", t.id, row.Seq, err)
		}
		last = row.Seq
	}
	t.coord.SetSeq(last)
	if len(events) > 0 || len(stateData) > 0 {
		log.Printf("[%s] recovered snapshot seq=%d plus %d events", t.id, seq, len(events))
	}
	return nil
}

// DestroyTenant stops the writer, waits for quiescence and releases
// the tenant's resources.
func (e *Engine) DestroyTenant(tenantID string) error {
	e.mu.Lock()
	t, ok := e.tenants[tenantID]
	if ok {
		delete(e.tenants, tenantID)
	}
	e.mu.Unlock()
	if !ok {
		return models.Errf(models.CodeUnknownTenant, "tenant %s not found", tenantID)
	}
	t.cancel()
	<-t.coord.Done()
	log.Printf("[%s] tenant destroyed", tenantID)
	return nil
}

func (e *Engine) tenant(tenantID string) (*Tenant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tenants[tenantID]
	if !ok {
		return nil, models.Errf(models.CodeUnknownTenant, "tenant %s not found", tenantID)
	}
	return t, nil
}

// SubmitInventory records new holdings and discovers any loops they
// unlock.
func (e *Engine) SubmitInventory(ctx context.Context, tenantID, ownerID string, items []models.Item) (models.Result, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return models.Result{}, err
	}
	return t.coord.Submit(ctx, Event{Type: EvInventoryAdd, Owner: ownerID, Items: items})
}

// RemoveInventory withdraws holdings; loops carrying them are evicted.
func (e *Engine) RemoveInventory(ctx context.Context, tenantID, ownerID string, itemIDs []string) (models.Result, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return models.Result{}, err
	}
	return t.coord.Submit(ctx, Event{Type: EvInventoryRemove, Owner: ownerID, ItemIDs: itemIDs})
}

// SubmitWants records direct wants. Self-wants fail the whole event.
func (e *Engine) SubmitWants(ctx context.Context, tenantID, ownerID string, itemIDs []string) (models.Result, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return models.Result{}, err
	}
	return t.coord.Submit(ctx, Event{Type: EvWantsAdd, Owner: ownerID, ItemIDs: itemIDs})
}

// RemoveWants withdraws direct wants.
func (e *Engine) RemoveWants(ctx context.Context, tenantID, ownerID string, itemIDs []string) (models.Result, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return models.Result{}, err
	}
	return t.coord.Submit(ctx, Event{Type: EvWantsRemove, Owner: ownerID, ItemIDs: itemIDs})
}

// SubmitCollectionWant records "any item of this collection".
func (e *Engine) SubmitCollectionWant(ctx context.Context, tenantID, ownerID, collectionID string) (models.Result, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return models.Result{}, err
	}
	return t.coord.Submit(ctx, Event{Type: EvCollectionWantAdd, Owner: ownerID, Collection: collectionID})
}

// RemoveCollectionWant withdraws a collection want.
func (e *Engine) RemoveCollectionWant(ctx context.Context, tenantID, ownerID, collectionID string) (models.Result, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return models.Result{}, err
	}
	return t.coord.Submit(ctx, Event{Type: EvCollectionWantRemove, Owner: ownerID, Collection: collectionID})
}

// RecordRejection blacklists a counterparty or a cycle signature for
// the given owner and evicts loops the rejection breaks.
func (e *Engine) RecordRejection(ctx context.Context, tenantID, ownerID string, ref models.RejectionRef) (models.Result, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return models.Result{}, err
	}
	return t.coord.Submit(ctx, Event{Type: EvRejection, Owner: ownerID, Rejection: ref})
}

// RemoveRejection lifts a previously recorded rejection; edges the
// rejection suppressed are rewired and their loops rediscovered.
func (e *Engine) RemoveRejection(ctx context.Context, tenantID, ownerID string, ref models.RejectionRef) (models.Result, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return models.Result{}, err
	}
	return t.coord.Submit(ctx, Event{Type: EvRejectionRemove, Owner: ownerID, Rejection: ref})
}

// QueryCycles reads the owner's active loops from the store, best
// score first. Never enters the writer.
func (e *Engine) QueryCycles(tenantID, ownerID string, limit int, minScore float64) ([]models.TradeLoop, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > t.cfg.MaxCyclesPerRequest {
		limit = t.cfg.MaxCyclesPerRequest
	}
	if minScore < t.cfg.MinCycleScore {
		minScore = t.cfg.MinCycleScore
	}
	return t.store.CyclesByOwner(ownerID, limit, minScore), nil
}

// QueryCycleByID looks up one loop by signature.
func (e *Engine) QueryCycleByID(tenantID, sig string) (models.TradeLoop, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return models.TradeLoop{}, err
	}
	loop, ok := t.store.BySignature(sig)
	if !ok {
		return models.TradeLoop{}, models.Errf(models.CodeNotFound, "no active cycle %q", sig)
	}
	return loop, nil
}

// SystemState reports tenant sizes.
func (e *Engine) SystemState(tenantID string) (models.SystemState, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return models.SystemState{}, err
	}
	var st models.SystemState
	t.coord.ReadView(func() {
		st.Owners, st.Items, st.Wants = t.state.Counts()
	})
	st.ActiveCycles = t.store.ActiveCount()
	return st, nil
}

// ValidateIntegrity runs the invariant checker.
func (e *Engine) ValidateIntegrity(tenantID string) (models.IntegrityReport, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return models.IntegrityReport{}, err
	}
	var report models.IntegrityReport
	t.coord.ReadView(func() {
		report = t.checker.Check()
	})
	return report, nil
}

// GraphSnapshot exports the tenant's wants-graph.
func (e *Engine) GraphSnapshot(tenantID string) (models.GraphSnapshot, error) {
	t, err := e.tenant(tenantID)
	if err != nil {
		return models.GraphSnapshot{}, err
	}
	var snap models.GraphSnapshot
	t.coord.ReadView(func() {
		snap = t.graph.Snapshot()
	})
	return snap, nil
}

// Close destroys every tenant and waits for the enricher to drain.
func (e *Engine) Close() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.tenants))
	for id := range e.tenants {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.DestroyTenant(id)
	}
	if e.enrich != nil {
		e.enrich.Wait()
	}
}
