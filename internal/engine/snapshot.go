package engine

import (
	"encoding/json"
	"sort"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// Snapshot serialization for the Persistence adapter. A snapshot plus
// the event-log suffix reproduces the tenant exactly; the graph index
// is derived, so only state and stored loops are persisted.

type ownerSnapshot struct {
	Owned             []string `json:"owned,omitempty"`
	Wanted            []string `json:"wanted,omitempty"`
	WantedCollections []string `json:"wantedCollections,omitempty"`
}

type itemSnapshot struct {
	Collection string  `json:"collection,omitempty"`
	ValueHint  float64 `json:"valueHint,omitempty"`
}

type rejectionSnapshot struct {
	Owners []string `json:"owners,omitempty"`
	Cycles []string `json:"cycles,omitempty"`
}

type tenantSnapshot struct {
	Owners     map[string]ownerSnapshot     `json:"owners"`
	Items      map[string]itemSnapshot      `json:"items"`
	Ownership  map[string]string            `json:"ownership"`
	Rejections map[string]rejectionSnapshot `json:"rejections"`
	Cycles     []models.TradeLoop           `json:"cycles"`
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// snapshotJSON serializes the tenant for a persisted snapshot.
func (dc *DeltaCoordinator) snapshotJSON() ([]byte, error) {
	s := dc.state
	snap := tenantSnapshot{
		Owners:     make(map[string]ownerSnapshot, len(s.owners)),
		Items:      make(map[string]itemSnapshot, len(s.items)),
		Ownership:  make(map[string]string, len(s.ownership)),
		Rejections: make(map[string]rejectionSnapshot, len(s.rejections)),
		Cycles:     dc.store.All(),
	}
	for id, rec := range s.owners {
		snap.Owners[id] = ownerSnapshot{
			Owned:             sortedKeys(rec.Owned),
			Wanted:            sortedKeys(rec.Wanted),
			WantedCollections: sortedKeys(rec.WantedCollections),
		}
	}
	for id, rec := range s.items {
		snap.Items[id] = itemSnapshot{Collection: rec.Collection, ValueHint: rec.ValueHint}
	}
	for id, owner := range s.ownership {
		snap.Ownership[id] = owner
	}
	for id, rec := range s.rejections {
		snap.Rejections[id] = rejectionSnapshot{
			Owners: sortedKeys(rec.Owners),
			Cycles: sortedKeys(rec.Cycles),
		}
	}
	return json.Marshal(snap)
}

// restoreSnapshot loads a persisted snapshot into empty state and
// rebuilds the derived graph index from it.
func (dc *DeltaCoordinator) restoreSnapshot(data []byte) error {
	var snap tenantSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s := dc.state
	for id, rec := range snap.Items {
		s.items[id] = &ItemRecord{Collection: rec.Collection, ValueHint: rec.ValueHint}
	}
	for itemID, ownerID := range snap.Ownership {
		s.ownership[itemID] = ownerID
		if it, ok := s.items[itemID]; ok && it.Collection != "" {
			members, ok := s.collectionMembers[it.Collection]
			if !ok {
				members = make(map[string]struct{})
				s.collectionMembers[it.Collection] = members
			}
			members[itemID] = struct{}{}
		}
	}
	for id, rec := range snap.Owners {
		owner := s.owner(id)
		for _, i := range rec.Owned {
			owner.Owned[i] = struct{}{}
		}
		for _, i := range rec.Wanted {
			owner.Wanted[i] = struct{}{}
		}
		for _, c := range rec.WantedCollections {
			owner.WantedCollections[c] = struct{}{}
		}
	}
	for id, rec := range snap.Rejections {
		rej := s.rejection(id)
		for _, o := range rec.Owners {
			rej.Owners[o] = struct{}{}
		}
		for _, c := range rec.Cycles {
			rej.Cycles[c] = struct{}{}
		}
	}

	// Rebuild the derived graph: register wants first so item edges
	// find their wanters, then wire each held item.
	for id, rec := range snap.Owners {
		for _, i := range rec.Wanted {
			dc.graph.AddDirectWant(id, i)
		}
		for _, c := range rec.WantedCollections {
			dc.graph.AddCollectionWant(id, c)
		}
	}
	for itemID := range snap.Ownership {
		dc.graph.AddItemEdges(itemID)
	}

	// Loops re-enter with their persisted timestamps; Upsert would
	// restamp them with recovery time and reset every TTL clock.
	dc.store.Load(snap.Cycles)
	return nil
}
