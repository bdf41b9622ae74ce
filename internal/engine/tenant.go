package engine

import (
	"strings"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// TenantState is the authoritative per-tenant data arena. Entities are
// keyed by opaque ids and relations are id-to-id maps; there are no
// back-pointers between records. A single writer (the coordinator)
// mutates it; everything else sees it through store snapshots.
type TenantState struct {
	owners            map[string]*OwnerRecord
	items             map[string]*ItemRecord
	ownership         map[string]string              // itemID -> ownerID, total over known items
	collectionMembers map[string]map[string]struct{} // collectionID -> itemIDs
	rejections        map[string]*RejectionRecord    // ownerID -> what it refuses
}

// OwnerRecord tracks one wallet: what it holds and what it wants.
type OwnerRecord struct {
	Owned             map[string]struct{}
	Wanted            map[string]struct{}
	WantedCollections map[string]struct{}
}

// ItemRecord caches per-item facts used by the scorer and the
// collection-want expansion.
type ItemRecord struct {
	Collection string
	ValueHint  float64
}

// RejectionRecord is a per-owner blacklist: counterparties it refuses
// to trade with and cycle signatures it has turned down.
type RejectionRecord struct {
	Owners map[string]struct{}
	Cycles map[string]struct{}
}

// NewTenantState returns an empty arena.
func NewTenantState() *TenantState {
	return &TenantState{
		owners:            make(map[string]*OwnerRecord),
		items:             make(map[string]*ItemRecord),
		ownership:         make(map[string]string),
		collectionMembers: make(map[string]map[string]struct{}),
		rejections:        make(map[string]*RejectionRecord),
	}
}

func (s *TenantState) owner(id string) *OwnerRecord {
	rec, ok := s.owners[id]
	if !ok {
		rec = &OwnerRecord{
			Owned:             make(map[string]struct{}),
			Wanted:            make(map[string]struct{}),
			WantedCollections: make(map[string]struct{}),
		}
		s.owners[id] = rec
	}
	return rec
}

func (s *TenantState) rejection(id string) *RejectionRecord {
	rec, ok := s.rejections[id]
	if !ok {
		rec = &RejectionRecord{
			Owners: make(map[string]struct{}),
			Cycles: make(map[string]struct{}),
		}
		s.rejections[id] = rec
	}
	return rec
}

// validID rejects empty ids and ids carrying ':', ',' or '|', which
// are structural delimiters inside cycle signatures. Keeping them out
// of the arena keeps "equal cycles iff equal signatures" collision
// free.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ":,|")
}

// ActiveOwner reports whether the owner currently holds or wants
// anything — the same notion of liveness Counts uses.
func (s *TenantState) ActiveOwner(ownerID string) bool {
	rec, ok := s.owners[ownerID]
	if !ok {
		return false
	}
	return len(rec.Owned) > 0 || len(rec.Wanted) > 0 || len(rec.WantedCollections) > 0
}

// OwnerOf returns the current holder of item, "" if unknown.
func (s *TenantState) OwnerOf(itemID string) string {
	return s.ownership[itemID]
}

// WantsDirect reports whether owner o wants item i explicitly.
func (s *TenantState) WantsDirect(o, i string) bool {
	rec, ok := s.owners[o]
	if !ok {
		return false
	}
	_, want := rec.Wanted[i]
	return want
}

// WantsViaCollection reports whether owner o wants item i through a
// collection want. The expansion is virtual: nothing is materialized.
func (s *TenantState) WantsViaCollection(o, i string) bool {
	rec, ok := s.owners[o]
	if !ok {
		return false
	}
	item, ok := s.items[i]
	if !ok || item.Collection == "" {
		return false
	}
	_, want := rec.WantedCollections[item.Collection]
	return want
}

// Wants reports whether o wants i directly or via a collection.
func (s *TenantState) Wants(o, i string) bool {
	return s.WantsDirect(o, i) || s.WantsViaCollection(o, i)
}

// RejectedPair reports whether receiver refuses to receive from
// sender. This is directional: it suppresses edges sender→receiver.
func (s *TenantState) RejectedPair(sender, receiver string) bool {
	rec, ok := s.rejections[receiver]
	if !ok {
		return false
	}
	_, rej := rec.Owners[sender]
	return rej
}

// RejectedCycle reports whether any of the participants has turned
// down the given signature or any other participant.
func (s *TenantState) RejectedCycle(sig string, participants []string) bool {
	for _, p := range participants {
		rec, ok := s.rejections[p]
		if !ok {
			continue
		}
		if _, rej := rec.Cycles[sig]; rej {
			return true
		}
		for _, q := range participants {
			if q == p {
				continue
			}
			if _, rej := rec.Owners[q]; rej {
				return true
			}
		}
	}
	return false
}

// ValidateInventoryAdd checks a batch before any mutation. Either the
// whole batch is applicable or the event fails with the offending
// items listed.
func (s *TenantState) ValidateInventoryAdd(ownerID string, items []models.Item) ([]models.RejectedElement, error) {
	if !validID(ownerID) {
		return nil, models.Errf(models.CodeInvalidArgument,
			"owner id %q is empty or contains reserved characters", ownerID)
	}
	var rejected []models.RejectedElement
	for _, it := range items {
		if !validID(it.ID) {
			rejected = append(rejected, models.RejectedElement{ID: it.ID, Code: models.CodeInvalidArgument})
			continue
		}
		if holder, ok := s.ownership[it.ID]; ok && holder != ownerID {
			rejected = append(rejected, models.RejectedElement{ID: it.ID, Code: models.CodeOwnershipConflict})
		}
	}
	if len(rejected) > 0 {
		return rejected, models.Errf(models.CodeOwnershipConflict,
			"%d of %d items are already held by another owner", len(rejected), len(items))
	}
	return nil, nil
}

// ApplyInventoryAdd records ownership and collection membership.
// Assumes ValidateInventoryAdd passed. Returns item ids whose
// placement changed.
func (s *TenantState) ApplyInventoryAdd(ownerID string, items []models.Item) []string {
	rec := s.owner(ownerID)
	changed := make([]string, 0, len(items))
	for _, it := range items {
		if holder, ok := s.ownership[it.ID]; ok && holder == ownerID {
			// Re-submission of held item: refresh metadata only.
			s.upsertItem(it)
			continue
		}
		s.ownership[it.ID] = ownerID
		rec.Owned[it.ID] = struct{}{}
		s.upsertItem(it)
		changed = append(changed, it.ID)
	}
	return changed
}

func (s *TenantState) upsertItem(it models.Item) {
	existing, ok := s.items[it.ID]
	if !ok {
		existing = &ItemRecord{}
		s.items[it.ID] = existing
	}
	if it.CollectionID != "" && it.CollectionID != existing.Collection {
		if existing.Collection != "" {
			delete(s.collectionMembers[existing.Collection], it.ID)
		}
		existing.Collection = it.CollectionID
	}
	if existing.Collection != "" {
		members, ok := s.collectionMembers[existing.Collection]
		if !ok {
			members = make(map[string]struct{})
			s.collectionMembers[existing.Collection] = members
		}
		members[it.ID] = struct{}{}
	}
	if it.ValueHint > 0 {
		existing.ValueHint = it.ValueHint
	}
}

// ValidateInventoryRemove requires every item to be currently held by
// the given owner.
func (s *TenantState) ValidateInventoryRemove(ownerID string, itemIDs []string) ([]models.RejectedElement, error) {
	var rejected []models.RejectedElement
	for _, id := range itemIDs {
		holder, ok := s.ownership[id]
		if !ok {
			rejected = append(rejected, models.RejectedElement{ID: id, Code: models.CodeUnknownItem})
		} else if holder != ownerID {
			rejected = append(rejected, models.RejectedElement{ID: id, Code: models.CodeOwnershipConflict})
		}
	}
	if len(rejected) > 0 {
		return rejected, models.Errf(models.CodeOwnershipConflict,
			"%d of %d items are not held by %s", len(rejected), len(itemIDs), ownerID)
	}
	return nil, nil
}

// ApplyInventoryRemove unsets ownership and collection membership.
// Item metadata is kept so outstanding wants remain meaningful.
func (s *TenantState) ApplyInventoryRemove(ownerID string, itemIDs []string) []string {
	rec := s.owner(ownerID)
	changed := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		delete(s.ownership, id)
		delete(rec.Owned, id)
		if it, ok := s.items[id]; ok && it.Collection != "" {
			delete(s.collectionMembers[it.Collection], id)
		}
		changed = append(changed, id)
	}
	return changed
}

// ValidateWantsAdd rejects self-wants: an owner asking for an item it
// already holds would produce a spurious length-1 cycle.
func (s *TenantState) ValidateWantsAdd(ownerID string, itemIDs []string) ([]models.RejectedElement, error) {
	if !validID(ownerID) {
		return nil, models.Errf(models.CodeInvalidArgument,
			"owner id %q is empty or contains reserved characters", ownerID)
	}
	var rejected []models.RejectedElement
	for _, id := range itemIDs {
		if !validID(id) {
			rejected = append(rejected, models.RejectedElement{ID: id, Code: models.CodeInvalidArgument})
			continue
		}
		if s.ownership[id] == ownerID {
			rejected = append(rejected, models.RejectedElement{ID: id, Code: models.CodeSelfWantRejected})
		}
	}
	if len(rejected) > 0 {
		return rejected, models.Errf(models.CodeSelfWantRejected,
			"%d of %d wants target items the owner already holds", len(rejected), len(itemIDs))
	}
	return nil, nil
}

// ApplyWantsAdd records direct wants. Returns the ids actually added.
func (s *TenantState) ApplyWantsAdd(ownerID string, itemIDs []string) []string {
	rec := s.owner(ownerID)
	added := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		if _, ok := rec.Wanted[id]; ok {
			continue
		}
		rec.Wanted[id] = struct{}{}
		if _, ok := s.items[id]; !ok {
			// Want for a not-yet-seen item: track the id so ownership
			// arriving later wires the edge.
			s.items[id] = &ItemRecord{}
		}
		added = append(added, id)
	}
	return added
}

// ApplyWantsRemove drops direct wants. Returns the ids actually removed.
func (s *TenantState) ApplyWantsRemove(ownerID string, itemIDs []string) []string {
	rec, ok := s.owners[ownerID]
	if !ok {
		return nil
	}
	removed := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		if _, want := rec.Wanted[id]; !want {
			continue
		}
		delete(rec.Wanted, id)
		removed = append(removed, id)
	}
	return removed
}

// ApplyCollectionWantAdd records a collection want. Reports whether it
// was new.
func (s *TenantState) ApplyCollectionWantAdd(ownerID, collectionID string) bool {
	rec := s.owner(ownerID)
	if _, ok := rec.WantedCollections[collectionID]; ok {
		return false
	}
	rec.WantedCollections[collectionID] = struct{}{}
	return true
}

// ApplyCollectionWantRemove drops a collection want. Reports whether
// it existed.
func (s *TenantState) ApplyCollectionWantRemove(ownerID, collectionID string) bool {
	rec, ok := s.owners[ownerID]
	if !ok {
		return false
	}
	if _, want := rec.WantedCollections[collectionID]; !want {
		return false
	}
	delete(rec.WantedCollections, collectionID)
	return true
}

// ApplyRejection records a counterparty or cycle-signature rejection.
func (s *TenantState) ApplyRejection(ownerID string, ref models.RejectionRef) {
	rec := s.rejection(ownerID)
	if ref.OtherOwner != "" {
		rec.Owners[ref.OtherOwner] = struct{}{}
	}
	if ref.CycleSig != "" {
		rec.Cycles[ref.CycleSig] = struct{}{}
	}
}

// ApplyRejectionRemove lifts a recorded rejection. Reports whether it
// existed.
func (s *TenantState) ApplyRejectionRemove(ownerID string, ref models.RejectionRef) bool {
	rec, ok := s.rejections[ownerID]
	if !ok {
		return false
	}
	removed := false
	if ref.OtherOwner != "" {
		if _, ok := rec.Owners[ref.OtherOwner]; ok {
			delete(rec.Owners, ref.OtherOwner)
			removed = true
		}
	}
	if ref.CycleSig != "" {
		if _, ok := rec.Cycles[ref.CycleSig]; ok {
			delete(rec.Cycles, ref.CycleSig)
			removed = true
		}
	}
	return removed
}

// ApplyMetadataUpdate refreshes collection and hint metadata for an
// already known item (enricher write-back). Reports whether anything
// changed.
func (s *TenantState) ApplyMetadataUpdate(it models.Item) bool {
	existing, ok := s.items[it.ID]
	if !ok {
		return false
	}
	changed := (it.CollectionID != "" && it.CollectionID != existing.Collection) ||
		(it.ValueHint > 0 && it.ValueHint != existing.ValueHint)
	if changed {
		s.upsertItem(it)
	}
	return changed
}

// CollectionMembers returns the current member ids of a collection.
func (s *TenantState) CollectionMembers(collectionID string) map[string]struct{} {
	return s.collectionMembers[collectionID]
}

// Counts returns the size figures for systemState.
func (s *TenantState) Counts() (owners, items, wants int) {
	for _, rec := range s.owners {
		if len(rec.Owned) == 0 && len(rec.Wanted) == 0 && len(rec.WantedCollections) == 0 {
			continue
		}
		owners++
		wants += len(rec.Wanted) + len(rec.WantedCollections)
	}
	return owners, len(s.ownership), wants
}

// ValueHint returns the cached hint for an item, 0 when unknown.
func (s *TenantState) ValueHint(itemID string) float64 {
	if it, ok := s.items[itemID]; ok {
		return it.ValueHint
	}
	return 0
}

// SetValueHint updates the cached hint (enricher write-back).
func (s *TenantState) SetValueHint(itemID string, hint float64) bool {
	it, ok := s.items[itemID]
	if !ok || hint <= 0 {
		return false
	}
	it.ValueHint = hint
	return true
}

// ItemRecordOf exposes a copy of the item metadata.
func (s *TenantState) ItemRecordOf(itemID string) (models.Item, bool) {
	it, ok := s.items[itemID]
	if !ok {
		return models.Item{}, false
	}
	return models.Item{ID: itemID, CollectionID: it.Collection, ValueHint: it.ValueHint}, true
}
