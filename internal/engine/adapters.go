package engine

import (
	"context"
	"time"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// External collaborators. The engine never reaches for ambient
// services; everything arrives through these interfaces at
// construction. All implementations must be safe for concurrent use —
// the engine does not serialize calls to them.

// MetadataSource resolves collection membership and display metadata
// for items the caller submitted without it.
type MetadataSource interface {
	ItemMetadata(ctx context.Context, tenantID, itemID string) (models.Item, error)
}

// PriceSource supplies value hints used by the fairness signal.
// A zero hint with nil error means "unknown".
type PriceSource interface {
	ValueHint(ctx context.Context, tenantID, itemID string) (float64, error)
}

// EventSink receives a summary after every applied event. Publish must
// not block the writer; slow sinks should buffer or drop.
type EventSink interface {
	Publish(summary models.Summary)
}

// Clock abstracts time for TTL eviction and budget deadlines.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// PersistedEvent is one row of the per-tenant append-only event log.
type PersistedEvent struct {
	Seq     int64     `json:"seq"`
	TS      time.Time `json:"ts"`
	Type    string    `json:"type"`
	Payload []byte    `json:"payload"`
}

// Persistence is the optional durability adapter: an append-only event
// log plus periodic snapshots. Recovery loads the latest snapshot and
// replays events with seq > snapshot seq. The engine is functionally
// identical with persistence disabled.
type Persistence interface {
	AppendEvent(ctx context.Context, tenantID string, ev PersistedEvent) error
	SaveSnapshot(ctx context.Context, tenantID string, seq int64, state []byte) error
	LoadSnapshot(ctx context.Context, tenantID string) (seq int64, state []byte, err error)
	LoadEventsSince(ctx context.Context, tenantID string, seq int64) ([]PersistedEvent, error)
}
