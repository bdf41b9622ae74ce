package models

import "time"

// Item is a single non-fungible asset tracked inside a tenant.
type Item struct {
	ID           string  `json:"id"`
	CollectionID string  `json:"collectionId,omitempty"`
	ValueHint    float64 `json:"valueHint,omitempty"` // 0 = unknown, scorer treats as neutral
}

// TradeStep is one leg of a trade loop: the items moving From → To.
type TradeStep struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Items []Item `json:"items"`
}

// TradeLoop is a closed barter cycle. Every participant both gives and
// receives; the loop only settles if every step executes.
//
// ID is the canonical cycle signature (lexicographically minimal
// rotation of "owner:items|owner:items|..."), stable across runs and
// used for deduplication.
type TradeLoop struct {
	ID              string      `json:"id"`
	Steps           []TradeStep `json:"steps"`
	Score           float64     `json:"score"`
	CollectionTrade bool        `json:"collectionTrade"`
	DiscoveredAt    time.Time   `json:"discoveredAt"`
	LastSeen        time.Time   `json:"lastSeen"`

	// CollectionSteps counts the steps satisfied only through a
	// collection want. Scoring input, not part of the wire shape.
	CollectionSteps int `json:"-"`
}

// Participants returns the owner ids around the loop in step order.
func (l *TradeLoop) Participants() []string {
	owners := make([]string, 0, len(l.Steps))
	for _, s := range l.Steps {
		owners = append(owners, s.From)
	}
	return owners
}

// Summary reports the outcome of one applied event.
type Summary struct {
	EventID          string  `json:"eventId"`
	TenantID         string  `json:"tenantId"`
	Type             string  `json:"type"`
	CyclesDiscovered int     `json:"cyclesDiscovered"`
	CyclesEvicted    int     `json:"cyclesEvicted"`
	BudgetExceeded   bool    `json:"budgetExceeded,omitempty"`
	ElapsedMs        float64 `json:"elapsedMs"`
}

// SystemState is a point-in-time size snapshot of one tenant.
type SystemState struct {
	Owners       int `json:"owners"`
	Items        int `json:"items"`
	Wants        int `json:"wants"`
	ActiveCycles int `json:"activeCycles"`
}

// Issue is a single integrity finding.
type Issue struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// IntegrityReport is the output of an on-demand invariant check.
type IntegrityReport struct {
	OK              bool     `json:"ok"`
	Issues          []Issue  `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// GraphNode / GraphEdge / GraphSnapshot export the wants-graph for
// visualization tooling.
type GraphNode struct {
	ID         string `json:"id"`
	OwnedItems int    `json:"ownedItems"`
	Wants      int    `json:"wants"`
}

type GraphEdge struct {
	From  string   `json:"from"`
	To    string   `json:"to"`
	Items []string `json:"items"`
}

type GraphSnapshot struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// RejectionRef identifies what a participant is rejecting: either a
// specific cycle signature or every future cycle with a counterparty.
type RejectionRef struct {
	CycleSig   string `json:"cycleSig,omitempty"`
	OtherOwner string `json:"otherOwner,omitempty"`
}

// RejectedElement names one offending element of a failed event.
type RejectedElement struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// Result is the typed success envelope for every write operation.
type Result struct {
	OK                  bool              `json:"ok"`
	NewCyclesDiscovered int               `json:"newCyclesDiscovered"`
	Rejected            []RejectedElement `json:"rejected,omitempty"`
	BudgetExceeded      bool              `json:"budgetExceeded,omitempty"`
}
