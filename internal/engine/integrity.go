package engine

import (
	"fmt"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// IntegrityChecker re-derives the engine's invariants on demand and
// reports everything a drifted caller (or a bug) may have broken. It
// never mutates; findings come back as a report for the operator to
// act on.
type IntegrityChecker struct {
	state *TenantState
	graph *GraphIndex
	store *CycleStore
	cfg   *TenantConfig
}

// NewIntegrityChecker wires the checker to one tenant.
func NewIntegrityChecker(state *TenantState, graph *GraphIndex, store *CycleStore, cfg *TenantConfig) *IntegrityChecker {
	return &IntegrityChecker{state: state, graph: graph, store: store, cfg: cfg}
}

// Check runs every invariant and assembles the report.
func (ic *IntegrityChecker) Check() models.IntegrityReport {
	report := models.IntegrityReport{OK: true, Issues: []models.Issue{}, Recommendations: []string{}}

	ic.checkOwnership(&report)
	ic.checkWants(&report)
	ic.checkLoops(&report)

	if len(report.Issues) > 0 {
		report.OK = false
	}
	return report
}

// checkOwnership verifies ownership is a function: the arena maps each
// item to exactly one holder and holder records agree with it.
func (ic *IntegrityChecker) checkOwnership(report *models.IntegrityReport) {
	holders := make(map[string]string)
	for ownerID, rec := range ic.state.owners {
		for itemID := range rec.Owned {
			if prev, ok := holders[itemID]; ok && prev != ownerID {
				report.Issues = append(report.Issues, models.Issue{
					Kind:    "ownership_conflict",
					Subject: itemID,
					Detail:  fmt.Sprintf("item held by both %s and %s", prev, ownerID),
				})
				continue
			}
			holders[itemID] = ownerID
			if ic.state.ownership[itemID] != ownerID {
				report.Issues = append(report.Issues, models.Issue{
					Kind:    "ownership_drift",
					Subject: itemID,
					Detail:  fmt.Sprintf("holder record says %s, ownership map says %q", ownerID, ic.state.ownership[itemID]),
				})
			}
		}
	}
	for itemID, ownerID := range ic.state.ownership {
		rec, ok := ic.state.owners[ownerID]
		if !ok {
			report.Issues = append(report.Issues, models.Issue{
				Kind:    "ownership_orphan",
				Subject: itemID,
				Detail:  fmt.Sprintf("owned by unknown owner %s", ownerID),
			})
			continue
		}
		if _, held := rec.Owned[itemID]; !held {
			report.Issues = append(report.Issues, models.Issue{
				Kind:    "ownership_drift",
				Subject: itemID,
				Detail:  fmt.Sprintf("ownership map says %s but holder record disagrees", ownerID),
			})
		}
	}
}

// checkWants flags self-wants and wants against unknown items. A
// self-want slipping past validation would surface length-1 cycles.
func (ic *IntegrityChecker) checkWants(report *models.IntegrityReport) {
	for ownerID, rec := range ic.state.owners {
		for itemID := range rec.Wanted {
			if _, known := ic.state.items[itemID]; !known {
				report.Issues = append(report.Issues, models.Issue{
					Kind:    "want_unknown_item",
					Subject: itemID,
					Detail:  fmt.Sprintf("wanted by %s but never seen", ownerID),
				})
			}
			if ic.state.ownership[itemID] == ownerID {
				report.Issues = append(report.Issues, models.Issue{
					Kind:    "self_want",
					Subject: itemID,
					Detail:  fmt.Sprintf("%s wants an item it already holds", ownerID),
				})
				report.Recommendations = append(report.Recommendations,
					fmt.Sprintf("remove want (%s, %s); self-wants produce spurious cycles", ownerID, itemID))
			}
		}
	}
}

// checkLoops re-validates every stored loop: distinct participants,
// length bound, sender still holds, receiver still wants.
func (ic *IntegrityChecker) checkLoops(report *models.IntegrityReport) {
	for _, loop := range ic.store.All() {
		if len(loop.Steps) < 2 || len(loop.Steps) > ic.cfg.MaxCycleLength {
			report.Issues = append(report.Issues, models.Issue{
				Kind:    "loop_length",
				Subject: loop.ID,
				Detail:  fmt.Sprintf("loop has %d steps, bound is [2,%d]", len(loop.Steps), ic.cfg.MaxCycleLength),
			})
		}
		seen := make(map[string]struct{})
		for _, step := range loop.Steps {
			if step.From == step.To {
				report.Issues = append(report.Issues, models.Issue{
					Kind:    "loop_self_step",
					Subject: loop.ID,
					Detail:  fmt.Sprintf("step from %s to itself", step.From),
				})
			}
			if _, dup := seen[step.From]; dup {
				report.Issues = append(report.Issues, models.Issue{
					Kind:    "loop_duplicate_owner",
					Subject: loop.ID,
					Detail:  fmt.Sprintf("owner %s appears twice", step.From),
				})
			}
			seen[step.From] = struct{}{}
			for _, it := range step.Items {
				if ic.state.OwnerOf(it.ID) != step.From {
					report.Issues = append(report.Issues, models.Issue{
						Kind:    "loop_stale_ownership",
						Subject: loop.ID,
						Detail:  fmt.Sprintf("item %s no longer held by %s", it.ID, step.From),
					})
					report.Recommendations = append(report.Recommendations,
						fmt.Sprintf("evict loop %s; off-engine ownership drift suspected", loop.ID))
				}
				if !ic.state.Wants(step.To, it.ID) {
					report.Issues = append(report.Issues, models.Issue{
						Kind:    "loop_stale_want",
						Subject: loop.ID,
						Detail:  fmt.Sprintf("item %s no longer wanted by %s", it.ID, step.To),
					})
				}
			}
		}
	}
}

// Snapshot exports the wants-graph for visualization.
func (ic *IntegrityChecker) Snapshot() models.GraphSnapshot {
	return ic.graph.Snapshot()
}
