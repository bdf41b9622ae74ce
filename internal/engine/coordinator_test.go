package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// captureSink records every published summary.
type captureSink struct {
	mu        sync.Mutex
	summaries []models.Summary
}

func (c *captureSink) Publish(s models.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries = append(c.summaries, s)
}

func (c *captureSink) last() (models.Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.summaries) == 0 {
		return models.Summary{}, false
	}
	return c.summaries[len(c.summaries)-1], true
}

// memPersistence is an in-memory Persistence for recovery tests.
type memPersistence struct {
	mu        sync.Mutex
	events    map[string][]PersistedEvent
	snapSeq   map[string]int64
	snapState map[string][]byte
}

func newMemPersistence() *memPersistence {
	return &memPersistence{
		events:    make(map[string][]PersistedEvent),
		snapSeq:   make(map[string]int64),
		snapState: make(map[string][]byte),
	}
}

func (m *memPersistence) AppendEvent(ctx context.Context, tenantID string, ev PersistedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[tenantID] = append(m.events[tenantID], ev)
	return nil
}

func (m *memPersistence) SaveSnapshot(ctx context.Context, tenantID string, seq int64, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapSeq[tenantID] = seq
	m.snapState[tenantID] = state
	kept := m.events[tenantID][:0]
	for _, ev := range m.events[tenantID] {
		if ev.Seq > seq {
			kept = append(kept, ev)
		}
	}
	m.events[tenantID] = kept
	return nil
}

func (m *memPersistence) LoadSnapshot(ctx context.Context, tenantID string) (int64, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapSeq[tenantID], m.snapState[tenantID], nil
}

func (m *memPersistence) LoadEventsSince(ctx context.Context, tenantID string, seq int64) ([]PersistedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PersistedEvent
	for _, ev := range m.events[tenantID] {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func newTestCoordinator(cfg *TenantConfig, clk Clock, sink EventSink, persist Persistence) *DeltaCoordinator {
	state := NewTenantState()
	graph := NewGraphIndex(state)
	store := NewCycleStore(cfg, clk)
	cycleEngine := NewCycleEngine(state, graph, cfg, clk)
	return NewDeltaCoordinator("tenant-test", cfg, state, graph, cycleEngine,
		NewCycleScorer(cfg), store, clk, sink, persist)
}

// threeWayEvents is the canonical fixture: alice, bob and carol each
// hold one item and want the next owner's item around the ring.
func threeWayEvents() []Event {
	return []Event{
		{Type: EvInventoryAdd, Owner: "alice", Items: []models.Item{mkItem("a1", 50)}},
		{Type: EvInventoryAdd, Owner: "bob", Items: []models.Item{mkItem("b1", 50)}},
		{Type: EvInventoryAdd, Owner: "carol", Items: []models.Item{mkItem("c1", 50)}},
		{Type: EvWantsAdd, Owner: "alice", ItemIDs: []string{"b1"}},
		{Type: EvWantsAdd, Owner: "bob", ItemIDs: []string{"c1"}},
		{Type: EvWantsAdd, Owner: "carol", ItemIDs: []string{"a1"}},
	}
}

func TestCoordinator_PipelineDiscoversThreeWayLoop(t *testing.T) {
	cfg := DefaultConfig()
	sink := &captureSink{}
	dc := newTestCoordinator(&cfg, newFakeClock(), sink, nil)

	var final outcome
	for _, ev := range threeWayEvents() {
		final = dc.apply(context.Background(), ev, true)
		if final.err != nil {
			t.Fatalf("Unexpected event failure: %v", final.err)
		}
	}

	if final.result.NewCyclesDiscovered != 1 {
		t.Errorf("Expected the closing want to discover 1 loop. Got: %d", final.result.NewCyclesDiscovered)
	}
	if dc.store.ActiveCount() != 1 {
		t.Errorf("Expected 1 stored loop. Got: %d", dc.store.ActiveCount())
	}
	summary, ok := sink.last()
	if !ok || summary.CyclesDiscovered != 1 {
		t.Errorf("Expected the sink to report the discovery. Got: %+v", summary)
	}

	loops := dc.store.CyclesByOwner("bob", 10, 0)
	if len(loops) != 1 || len(loops[0].Steps) != 3 {
		t.Fatalf("Expected one 3-step loop for bob. Got: %+v", loops)
	}
	if loops[0].Score <= 0 {
		t.Errorf("Expected a positive score. Got: %f", loops[0].Score)
	}
}

func TestCoordinator_OwnershipConflictFailsWholeEvent(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)

	dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "bob",
		Items: []models.Item{mkItem("b1", 0)}}, true)

	// One conflicting item fails the batch; the clean item must not be
	// applied either.
	out := dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "alice",
		Items: []models.Item{mkItem("b1", 0), mkItem("a1", 0)}}, true)

	if out.err == nil {
		t.Fatal("Expected an ownership conflict error")
	}
	if code := models.CodeOf(out.err); code != models.CodeOwnershipConflict {
		t.Errorf("Expected OWNERSHIP_CONFLICT. Got: %s", code)
	}
	if len(out.result.Rejected) != 1 || out.result.Rejected[0].ID != "b1" {
		t.Errorf("Expected b1 named as the offender. Got: %+v", out.result.Rejected)
	}
	if dc.state.OwnerOf("b1") != "bob" {
		t.Error("Expected b1 to stay with bob")
	}
	if dc.state.OwnerOf("a1") != "" {
		t.Error("Expected a1 unapplied after the batch failed")
	}
}

func TestCoordinator_SelfWantFailsWholeEvent(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)

	dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "alice",
		Items: []models.Item{mkItem("a1", 0)}}, true)

	out := dc.apply(context.Background(), Event{Type: EvWantsAdd, Owner: "alice",
		ItemIDs: []string{"a1", "b1"}}, true)

	if code := models.CodeOf(out.err); code != models.CodeSelfWantRejected {
		t.Fatalf("Expected SELF_WANT_REJECTED. Got: %s (%v)", code, out.err)
	}
	if len(out.result.Rejected) != 1 || out.result.Rejected[0].ID != "a1" {
		t.Errorf("Expected a1 named as the offender. Got: %+v", out.result.Rejected)
	}
	if dc.state.WantsDirect("alice", "b1") {
		t.Error("Expected the clean want unapplied after the batch failed")
	}
	if dc.graph.EdgeCount() != 0 {
		t.Errorf("Expected no edges after the failed event. Got: %d", dc.graph.EdgeCount())
	}
}

func TestCoordinator_OwnershipChangeEvictsLoop(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	for _, ev := range threeWayEvents() {
		dc.apply(context.Background(), ev, true)
	}
	if dc.store.ActiveCount() != 1 {
		t.Fatalf("Fixture should hold 1 loop. Got: %d", dc.store.ActiveCount())
	}

	// alice withdraws a1: the loop dies with it.
	out := dc.apply(context.Background(), Event{Type: EvInventoryRemove, Owner: "alice",
		ItemIDs: []string{"a1"}}, true)
	if out.err != nil {
		t.Fatalf("Unexpected removal failure: %v", out.err)
	}
	if dc.store.ActiveCount() != 0 {
		t.Errorf("Expected the loop evicted after the removal. Got: %d", dc.store.ActiveCount())
	}

	// dave picks a1 up. carol still wants it, but dave wants nothing in
	// return, so no loop comes back.
	out = dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "dave",
		Items: []models.Item{mkItem("a1", 50)}}, true)
	if out.err != nil {
		t.Fatalf("Unexpected re-add failure: %v", out.err)
	}
	if out.result.NewCyclesDiscovered != 0 || dc.store.ActiveCount() != 0 {
		t.Errorf("Expected no loop through dave. Discovered: %d, stored: %d",
			out.result.NewCyclesDiscovered, dc.store.ActiveCount())
	}
	if !dc.graph.HasEdge("dave", "carol") {
		t.Error("Expected the edge dave->carol rewired under the new holder")
	}
}

func TestCoordinator_WantRemovalEvictsLoop(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	for _, ev := range threeWayEvents() {
		dc.apply(context.Background(), ev, true)
	}

	dc.apply(context.Background(), Event{Type: EvWantsRemove, Owner: "alice",
		ItemIDs: []string{"b1"}}, true)

	if dc.store.ActiveCount() != 0 {
		t.Errorf("Expected the loop evicted once alice dropped her want. Got: %d", dc.store.ActiveCount())
	}
}

func TestCoordinator_CounterpartyRejection(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	for _, ev := range threeWayEvents() {
		dc.apply(context.Background(), ev, true)
	}

	// alice refuses to receive from bob: the loop dies and the edge is
	// suppressed.
	out := dc.apply(context.Background(), Event{Type: EvRejection, Owner: "alice",
		Rejection: rejectOwner("bob")}, true)
	if out.err != nil {
		t.Fatalf("Unexpected rejection failure: %v", out.err)
	}
	if dc.store.ActiveCount() != 0 {
		t.Errorf("Expected the loop evicted by the rejection. Got: %d", dc.store.ActiveCount())
	}
	if dc.graph.HasEdge("bob", "alice") {
		t.Error("Expected the edge bob->alice suppressed")
	}

	// Re-stating the want must not resurrect the pairing.
	dc.apply(context.Background(), Event{Type: EvWantsRemove, Owner: "alice", ItemIDs: []string{"b1"}}, true)
	out = dc.apply(context.Background(), Event{Type: EvWantsAdd, Owner: "alice", ItemIDs: []string{"b1"}}, true)
	if out.result.NewCyclesDiscovered != 0 || dc.store.ActiveCount() != 0 {
		t.Errorf("Expected no rediscovery across a standing rejection. Discovered: %d, stored: %d",
			out.result.NewCyclesDiscovered, dc.store.ActiveCount())
	}
}

func TestCoordinator_OwnerBoundEnforcedBeforeMutation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOwners = 1
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)

	out := dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "alice",
		Items: []models.Item{mkItem("a1", 0)}}, true)
	if out.err != nil {
		t.Fatalf("Unexpected failure within the bound: %v", out.err)
	}

	// A second owner breaches the bound: the event fails and none of
	// its mutations land.
	out = dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "bob",
		Items: []models.Item{mkItem("b1", 0)}}, true)
	if models.CodeOf(out.err) != models.CodeInvalidArgument {
		t.Fatalf("Expected INVALID_ARGUMENT at the owner bound. Got: %v", out.err)
	}
	owners, items, _ := dc.state.Counts()
	if owners != 1 || items != 1 {
		t.Errorf("Expected the rejected event to leave no trace. Got: owners=%d items=%d", owners, items)
	}
	if dc.state.OwnerOf("b1") != "" {
		t.Error("Expected b1 unknown after the rejected event")
	}

	// The active owner keeps writing at the bound.
	out = dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "alice",
		Items: []models.Item{mkItem("a2", 0)}}, true)
	if out.err != nil {
		t.Errorf("Expected the active owner unaffected by the bound: %v", out.err)
	}
}

// panicSink blows up on the first publish, exercising the writer's
// fault isolation.
type panicSink struct{}

func (panicSink) Publish(models.Summary) { panic("sink exploded") }

func TestCoordinator_FaultRollsBackWholeEvent(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), panicSink{}, nil)

	out := dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "alice",
		Items: []models.Item{mkItem("a1", 0)}}, true)
	if models.CodeOf(out.err) != models.CodeInternal {
		t.Fatalf("Expected INTERNAL from the faulting event. Got: %v", out.err)
	}

	// The tenant is back at its pre-event image.
	owners, items, _ := dc.state.Counts()
	if owners != 0 || items != 0 {
		t.Errorf("Expected the fault rolled back. Got: owners=%d items=%d", owners, items)
	}
	if dc.graph.EdgeCount() != 0 || dc.store.ActiveCount() != 0 {
		t.Errorf("Expected graph and store untouched. Got: edges=%d loops=%d",
			dc.graph.EdgeCount(), dc.store.ActiveCount())
	}

	// The writer keeps serving once the sink behaves.
	dc.sink = nil
	for _, ev := range threeWayEvents() {
		if out := dc.apply(context.Background(), ev, true); out.err != nil {
			t.Fatalf("Unexpected failure after the fault: %v", out.err)
		}
	}
	if dc.store.ActiveCount() != 1 {
		t.Errorf("Expected the loop discovered after recovery. Got: %d", dc.store.ActiveCount())
	}
}

func TestCoordinator_CanceledBeforeApplyLeavesNoTrace(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := dc.apply(ctx, threeWayEvents()[0], true)
	if models.CodeOf(out.err) != models.CodeInternal {
		t.Fatalf("Expected the canceled event nacked. Got: %v", out.err)
	}
	owners, items, _ := dc.state.Counts()
	if owners != 0 || items != 0 {
		t.Errorf("Expected nothing committed. Got: owners=%d items=%d", owners, items)
	}
}

func TestCoordinator_AbandonedSubmitDoesNotCommit(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go dc.Run(runCtx)

	setup := []Event{
		{Type: EvInventoryAdd, Owner: "alice", Items: []models.Item{mkItem("a1", 0)}},
		{Type: EvInventoryAdd, Owner: "bob", Items: []models.Item{mkItem("b1", 0)}},
		{Type: EvWantsAdd, Owner: "alice", ItemIDs: []string{"b1"}},
	}
	for _, ev := range setup {
		if _, err := dc.Submit(context.Background(), ev); err != nil {
			t.Fatalf("Unexpected submit failure: %v", err)
		}
	}

	// The swap-completing want arrives from a caller that already gave
	// up: the event must not half-commit into an undiscovered cycle.
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	closing := Event{Type: EvWantsAdd, Owner: "bob", ItemIDs: []string{"a1"}}
	if _, err := dc.Submit(canceled, closing); err == nil {
		t.Fatal("Expected the abandoned submit to fail")
	}

	// Re-submitting with a live caller both records the want and
	// discovers the swap, proving the abandoned attempt left no trace.
	res, err := dc.Submit(context.Background(), closing)
	if err != nil {
		t.Fatalf("Unexpected resubmit failure: %v", err)
	}
	if res.NewCyclesDiscovered != 1 {
		t.Errorf("Expected the swap discovered on the live submit. Got: %d", res.NewCyclesDiscovered)
	}
	if dc.store.ActiveCount() != 1 {
		t.Errorf("Expected 1 active loop. Got: %d", dc.store.ActiveCount())
	}
}

// cancelOnNow cancels an armed context on the next clock read,
// simulating a caller that walks away while its event is mid-apply.
type cancelOnNow struct {
	*fakeClock
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *cancelOnNow) arm(fn context.CancelFunc) {
	c.mu.Lock()
	c.cancel = fn
	c.mu.Unlock()
}

func (c *cancelOnNow) Now() time.Time {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	return c.fakeClock.Now()
}

func TestCoordinator_DiscoveryOutlivesCallerCancellation(t *testing.T) {
	cfg := DefaultConfig()
	clk := &cancelOnNow{fakeClock: newFakeClock()}
	dc := newTestCoordinator(&cfg, clk, nil, nil)

	evs := threeWayEvents()
	for _, ev := range evs[:5] {
		if out := dc.apply(context.Background(), ev, true); out.err != nil {
			t.Fatalf("Unexpected setup failure: %v", out.err)
		}
	}

	// The caller's context dies right after the writer picks the event
	// up; the commit and its enumeration proceed regardless.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk.arm(cancel)
	out := dc.apply(ctx, evs[5], true)
	if out.err != nil {
		t.Fatalf("Expected the committed event to succeed: %v", out.err)
	}
	if out.result.NewCyclesDiscovered != 1 || dc.store.ActiveCount() != 1 {
		t.Errorf("Expected the loop discovered despite the dead caller. Discovered: %d, stored: %d",
			out.result.NewCyclesDiscovered, dc.store.ActiveCount())
	}
}

func TestCoordinator_RemoveUnknownItemRejected(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "alice",
		Items: []models.Item{mkItem("a1", 0)}}, true)

	// Removing an item the tenant has never seen fails the whole event
	// and names the offender.
	out := dc.apply(context.Background(), Event{Type: EvInventoryRemove, Owner: "alice",
		ItemIDs: []string{"a1", "ghost"}}, true)
	if models.CodeOf(out.err) != models.CodeOwnershipConflict {
		t.Fatalf("Expected OWNERSHIP_CONFLICT for the batch. Got: %v", out.err)
	}
	if len(out.result.Rejected) != 1 || out.result.Rejected[0].ID != "ghost" ||
		out.result.Rejected[0].Code != models.CodeUnknownItem {
		t.Errorf("Expected ghost flagged UNKNOWN_ITEM. Got: %+v", out.result.Rejected)
	}

	// a1 survived the failed batch.
	if dc.state.OwnerOf("a1") != "alice" {
		t.Error("Expected a1 untouched by the failed event")
	}
}

func TestCoordinator_RejectionLiftedRediscoversLoop(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	for _, ev := range threeWayEvents() {
		dc.apply(context.Background(), ev, true)
	}

	dc.apply(context.Background(), Event{Type: EvRejection, Owner: "alice",
		Rejection: rejectOwner("bob")}, true)
	if dc.store.ActiveCount() != 0 {
		t.Fatalf("Expected the loop evicted by the rejection. Got: %d", dc.store.ActiveCount())
	}

	// Lifting the rejection rewires bob->alice from the standing wants
	// and rediscovers the loop in the same event.
	out := dc.apply(context.Background(), Event{Type: EvRejectionRemove, Owner: "alice",
		Rejection: rejectOwner("bob")}, true)
	if out.err != nil {
		t.Fatalf("Unexpected removal failure: %v", out.err)
	}
	if !dc.graph.HasEdge("bob", "alice") {
		t.Error("Expected the edge bob->alice rewired")
	}
	if out.result.NewCyclesDiscovered != 1 || dc.store.ActiveCount() != 1 {
		t.Errorf("Expected the loop rediscovered. Discovered: %d, stored: %d",
			out.result.NewCyclesDiscovered, dc.store.ActiveCount())
	}

	// Lifting a rejection that was never recorded changes nothing.
	out = dc.apply(context.Background(), Event{Type: EvRejectionRemove, Owner: "carol",
		Rejection: rejectOwner("bob")}, true)
	if out.err != nil || out.result.NewCyclesDiscovered != 0 {
		t.Errorf("Expected a no-op removal. Err: %v, discovered: %d", out.err, out.result.NewCyclesDiscovered)
	}
}

func TestCoordinator_SignatureRejectionLifted(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	for _, ev := range threeWayEvents() {
		dc.apply(context.Background(), ev, true)
	}
	sig := dc.store.All()[0].ID

	dc.apply(context.Background(), Event{Type: EvRejection, Owner: "bob",
		Rejection: models.RejectionRef{CycleSig: sig}}, true)

	out := dc.apply(context.Background(), Event{Type: EvRejectionRemove, Owner: "bob",
		Rejection: models.RejectionRef{CycleSig: sig}}, true)
	if out.err != nil {
		t.Fatalf("Unexpected removal failure: %v", out.err)
	}

	// The next enumeration over the region may emit the signature again.
	dc.apply(context.Background(), Event{Type: EvWantsRemove, Owner: "carol", ItemIDs: []string{"a1"}}, true)
	out = dc.apply(context.Background(), Event{Type: EvWantsAdd, Owner: "carol", ItemIDs: []string{"a1"}}, true)
	if out.result.NewCyclesDiscovered != 1 || dc.store.ActiveCount() != 1 {
		t.Errorf("Expected the signature eligible again. Discovered: %d, stored: %d",
			out.result.NewCyclesDiscovered, dc.store.ActiveCount())
	}
}

func TestCoordinator_EmptyRejectionRemoveRejected(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	out := dc.apply(context.Background(), Event{Type: EvRejectionRemove, Owner: "alice"}, true)
	if models.CodeOf(out.err) != models.CodeInvalidArgument {
		t.Errorf("Expected INVALID_ARGUMENT for an empty removal. Got: %v", out.err)
	}
}

func TestCoordinator_MetadataUpdateMovesCollection(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)

	// bob's collection want only binds once k1 carries the collection.
	dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "alice",
		Items: []models.Item{mkItem("k1", 0)}}, true)
	dc.apply(context.Background(), Event{Type: EvCollectionWantAdd, Owner: "bob",
		Collection: "kitties"}, true)
	if dc.graph.HasEdge("alice", "bob") {
		t.Fatal("Expected no edge before the metadata lands")
	}

	out := dc.apply(context.Background(), Event{Type: EvMetadataUpdate,
		Items: []models.Item{{ID: "k1", CollectionID: "kitties"}}}, true)
	if out.err != nil {
		t.Fatalf("Unexpected metadata failure: %v", out.err)
	}
	if !dc.graph.HasEdge("alice", "bob") {
		t.Error("Expected the back-filled collection to wire alice->bob")
	}

	// Moving the item to another collection severs the edge again.
	dc.apply(context.Background(), Event{Type: EvMetadataUpdate,
		Items: []models.Item{{ID: "k1", CollectionID: "doggies"}}}, true)
	if dc.graph.HasEdge("alice", "bob") {
		t.Error("Expected the collection move to sever the edge")
	}

	// Metadata for an unknown item is ignored.
	out = dc.apply(context.Background(), Event{Type: EvMetadataUpdate,
		Items: []models.Item{{ID: "ghost", CollectionID: "kitties"}}}, true)
	if out.err != nil {
		t.Errorf("Expected unknown-item metadata silently dropped. Got: %v", out.err)
	}
}

func TestCoordinator_SignatureRejection(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	for _, ev := range threeWayEvents() {
		dc.apply(context.Background(), ev, true)
	}
	sig := dc.store.All()[0].ID

	dc.apply(context.Background(), Event{Type: EvRejection, Owner: "bob",
		Rejection: models.RejectionRef{CycleSig: sig}}, true)
	if dc.store.ActiveCount() != 0 {
		t.Fatalf("Expected the rejected signature evicted. Got: %d", dc.store.ActiveCount())
	}

	// Force a re-enumeration over the same region; the signature stays
	// banned for its participants.
	dc.apply(context.Background(), Event{Type: EvWantsRemove, Owner: "carol", ItemIDs: []string{"a1"}}, true)
	out := dc.apply(context.Background(), Event{Type: EvWantsAdd, Owner: "carol", ItemIDs: []string{"a1"}}, true)
	if out.result.NewCyclesDiscovered != 0 || dc.store.ActiveCount() != 0 {
		t.Errorf("Expected the banned signature to stay out. Discovered: %d, stored: %d",
			out.result.NewCyclesDiscovered, dc.store.ActiveCount())
	}
}

func TestCoordinator_EmptyRejectionRejected(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	out := dc.apply(context.Background(), Event{Type: EvRejection, Owner: "alice"}, true)
	if code := models.CodeOf(out.err); code != models.CodeInvalidArgument {
		t.Errorf("Expected INVALID_ARGUMENT for an empty rejection. Got: %s", code)
	}
}

func TestCoordinator_UnknownEventType(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	out := dc.apply(context.Background(), Event{Type: "mystery"}, true)
	if code := models.CodeOf(out.err); code != models.CodeInvalidArgument {
		t.Errorf("Expected INVALID_ARGUMENT for an unknown event type. Got: %s", code)
	}
}

func TestCoordinator_HintUpdateChangesNoTopology(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "alice",
		Items: []models.Item{mkItem("a1", 0)}}, true)

	out := dc.apply(context.Background(), Event{Type: EvHintUpdate,
		Hints: map[string]float64{"a1": 42}}, true)

	if out.err != nil || out.result.NewCyclesDiscovered != 0 {
		t.Errorf("Expected a silent hint write. Err: %v, discovered: %d",
			out.err, out.result.NewCyclesDiscovered)
	}
	if got := dc.state.ValueHint("a1"); got != 42 {
		t.Errorf("Expected the hint stored. Got: %f", got)
	}
}

func TestCoordinator_ItemBoundEnforced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxItems = 1
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)

	dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "alice",
		Items: []models.Item{mkItem("a1", 0)}}, true)
	out := dc.apply(context.Background(), Event{Type: EvInventoryAdd, Owner: "bob",
		Items: []models.Item{mkItem("b1", 0)}}, true)

	if code := models.CodeOf(out.err); code != models.CodeInvalidArgument {
		t.Errorf("Expected INVALID_ARGUMENT at the item bound. Got: %s", code)
	}
	if dc.state.OwnerOf("b1") != "" {
		t.Error("Expected the over-bound item unapplied")
	}
}

func TestCoordinator_ReplayRebuildsFromLog(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnablePersistence = true
	mem := newMemPersistence()
	clk := newFakeClock()

	first := newTestCoordinator(&cfg, clk, nil, mem)
	for _, ev := range threeWayEvents() {
		first.apply(context.Background(), ev, true)
	}
	want := first.store.All()
	if len(want) != 1 {
		t.Fatalf("Fixture should persist 1 loop. Got: %d", len(want))
	}

	rows, err := mem.LoadEventsSince(context.Background(), "tenant-test", 0)
	if err != nil {
		t.Fatalf("Unexpected load failure: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("Expected 6 journal rows. Got: %d", len(rows))
	}

	second := newTestCoordinator(&cfg, clk, nil, nil)
	for _, row := range rows {
		var ev Event
		if err := json.Unmarshal(row.Payload, &ev); err != nil {
			t.Fatalf("Undecodable journal row seq=%d: %v", row.Seq, err)
		}
		if err := second.Replay(context.Background(), ev); err != nil {
			t.Fatalf("Replay failed at seq=%d: %v", row.Seq, err)
		}
	}

	got := second.store.All()
	if len(got) != 1 || got[0].ID != want[0].ID {
		t.Errorf("Expected the replay to rebuild loop %q. Got: %+v", want[0].ID, got)
	}
}

func TestCoordinator_SnapshotRoundtrip(t *testing.T) {
	cfg := DefaultConfig()
	clk := newFakeClock()

	first := newTestCoordinator(&cfg, clk, nil, nil)
	for _, ev := range threeWayEvents() {
		first.apply(context.Background(), ev, true)
	}
	first.apply(context.Background(), Event{Type: EvRejection, Owner: "alice",
		Rejection: rejectOwner("mallory")}, true)

	data, err := first.snapshotJSON()
	if err != nil {
		t.Fatalf("Snapshot marshal failed: %v", err)
	}

	second := newTestCoordinator(&cfg, clk, nil, nil)
	if err := second.restoreSnapshot(data); err != nil {
		t.Fatalf("Snapshot restore failed: %v", err)
	}

	if got, want := second.graph.EdgeCount(), first.graph.EdgeCount(); got != want {
		t.Errorf("Expected %d edges after restore. Got: %d", want, got)
	}
	fo, fi, fw := first.state.Counts()
	so, si, sw := second.state.Counts()
	if fo != so || fi != si || fw != sw {
		t.Errorf("Expected counts (%d,%d,%d) after restore. Got: (%d,%d,%d)", fo, fi, fw, so, si, sw)
	}
	if !second.state.RejectedPair("mallory", "alice") {
		t.Error("Expected the rejection restored")
	}
	got, want := second.store.All(), first.store.All()
	if len(got) != len(want) || got[0].ID != want[0].ID {
		t.Errorf("Expected stored loops restored. Got: %+v", got)
	}
	// Discovery time survives the roundtrip even when the restore
	// happens much later.
	clk.Advance(48 * time.Hour)
	third := newTestCoordinator(&cfg, clk, nil, nil)
	if err := third.restoreSnapshot(data); err != nil {
		t.Fatalf("Snapshot restore failed: %v", err)
	}
	late := third.store.All()
	if !late[0].DiscoveredAt.Equal(want[0].DiscoveredAt) || !late[0].LastSeen.Equal(want[0].LastSeen) {
		t.Errorf("Expected persisted timestamps kept across restore. Got: discoveredAt=%v lastSeen=%v",
			late[0].DiscoveredAt, late[0].LastSeen)
	}
}

func TestCoordinator_SubmitThroughWriterLoop(t *testing.T) {
	cfg := DefaultConfig()
	dc := newTestCoordinator(&cfg, newFakeClock(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go dc.Run(ctx)

	for _, ev := range threeWayEvents() {
		if _, err := dc.Submit(context.Background(), ev); err != nil {
			t.Fatalf("Unexpected submit failure: %v", err)
		}
	}
	// Read-your-writes: the ack means the loop is already stored.
	if dc.store.ActiveCount() != 1 {
		t.Errorf("Expected the loop visible right after the ack. Got: %d", dc.store.ActiveCount())
	}

	cancel()
	select {
	case <-dc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Writer loop did not stop")
	}

	if _, err := dc.Submit(context.Background(), Event{Type: EvWantsRemove, Owner: "alice",
		ItemIDs: []string{"b1"}}); err == nil {
		t.Error("Expected submits after shutdown to fail")
	}
}
