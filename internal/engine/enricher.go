package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// Enricher back-fills value hints and item metadata for items
// submitted without them. External adapter calls never run on a writer
// goroutine; they go through a bounded semaphore here and the results
// re-enter the tenant as hint-update and metadata-update events, so
// fairness scoring and collection matching improve over time without
// ever blocking a write.
type Enricher struct {
	prices  PriceSource
	meta    MetadataSource
	sem     *semaphore.Weighted
	timeout time.Duration

	// applyHints and applyMeta route completed batches back into the
	// tenant writer.
	applyHints func(tenantID string, hints map[string]float64)
	applyMeta  func(tenantID string, items []models.Item)

	wg sync.WaitGroup
}

// NewEnricher bounds concurrent adapter calls at maxConcurrent.
func NewEnricher(prices PriceSource, meta MetadataSource, maxConcurrent int64,
	applyHints func(string, map[string]float64), applyMeta func(string, []models.Item)) *Enricher {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Enricher{
		prices:     prices,
		meta:       meta,
		sem:        semaphore.NewWeighted(maxConcurrent),
		timeout:    5 * time.Second,
		applyHints: applyHints,
		applyMeta:  applyMeta,
	}
}

// Request schedules hint lookups for the given items. Fire and forget.
func (e *Enricher) Request(tenantID string, itemIDs []string) {
	if e == nil || e.prices == nil || len(itemIDs) == 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		var mu sync.Mutex
		hints := make(map[string]float64)
		var inner sync.WaitGroup
		for _, id := range itemIDs {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				break
			}
			inner.Add(1)
			go func(itemID string) {
				defer inner.Done()
				defer e.sem.Release(1)
				hint, err := e.prices.ValueHint(ctx, tenantID, itemID)
				if err != nil {
					log.Printf("[%s] value hint lookup for %s failed: %v", tenantID, itemID, err)
					return
				}
				if hint > 0 {
					mu.Lock()
					hints[itemID] = hint
					mu.Unlock()
				}
			}(id)
		}
		inner.Wait()
		if len(hints) > 0 {
			e.applyHints(tenantID, hints)
		}
	}()
}

// RequestMetadata schedules collection/display lookups for items that
// arrived without metadata. Fire and forget, like Request.
func (e *Enricher) RequestMetadata(tenantID string, itemIDs []string) {
	if e == nil || e.meta == nil || len(itemIDs) == 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		var mu sync.Mutex
		var items []models.Item
		var inner sync.WaitGroup
		for _, id := range itemIDs {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				break
			}
			inner.Add(1)
			go func(itemID string) {
				defer inner.Done()
				defer e.sem.Release(1)
				it, err := e.meta.ItemMetadata(ctx, tenantID, itemID)
				if err != nil {
					log.Printf("[%s] metadata lookup for %s failed: %v", tenantID, itemID, err)
					return
				}
				if it.CollectionID == "" && it.ValueHint <= 0 {
					return // source knows nothing new
				}
				it.ID = itemID
				mu.Lock()
				items = append(items, it)
				mu.Unlock()
			}(id)
		}
		inner.Wait()
		if len(items) > 0 {
			e.applyMeta(tenantID, items)
		}
	}()
}

// Wait blocks until every scheduled lookup has finished. Test hook and
// shutdown aid.
func (e *Enricher) Wait() { e.wg.Wait() }
