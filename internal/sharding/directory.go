package sharding

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"Shardveil/internal/logger"
)

// Endpoint is one store shard: an address and the block range it serves.
type Endpoint struct {
	Addr  string     // Addr is the shard's attested listen address
	Range BlockRange // Range is the block range the shard serves
}

// Snapshot is an immutable view of the current shard assignment.
// Overlapping ranges are allowed; the router deduplicates results.
type Snapshot struct {
	endpoints []Endpoint
}

// NewSnapshot builds a snapshot, sorted by range start for stable
// iteration order.
func NewSnapshot(endpoints []Endpoint) *Snapshot {
	sorted := append([]Endpoint{}, endpoints...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Range.Start != sorted[j].Range.Start {
			return sorted[i].Range.Start < sorted[j].Range.Start
		}
		return sorted[i].Addr < sorted[j].Addr
	})

	return &Snapshot{endpoints: sorted}
}

// Endpoints returns all known endpoints.
func (s *Snapshot) Endpoints() []Endpoint {
	return s.endpoints
}

// Covering returns the endpoints whose range overlaps r.
func (s *Snapshot) Covering(r BlockRange) []Endpoint {
	var out []Endpoint
	for _, e := range s.endpoints {
		if e.Range.Overlaps(r) {
			out = append(out, e)
		}
	}

	return out
}

// Gaps returns the sub-ranges of [0, height) no endpoint serves. An
// empty result means the snapshot fully covers the chain up to height.
func (s *Snapshot) Gaps(height uint64) []BlockRange {
	if height == 0 {
		return nil
	}

	var gaps []BlockRange
	next := uint64(0)

	for _, e := range s.endpoints {
		if e.Range.Start > next {
			if e.Range.Start >= height {
				break
			}
			gaps = append(gaps, BlockRange{Start: next, End: e.Range.Start})
		}
		if e.Range.End > next {
			next = e.Range.End
		}
		if next >= height {
			return gaps
		}
	}

	if next < height {
		gaps = append(gaps, BlockRange{Start: next, End: height})
	}

	return gaps
}

// Source supplies the current shard assignment, typically from static
// configuration or a discovery service.
type Source func(ctx context.Context) ([]Endpoint, error)

// StaticSource returns a source that always reports the same endpoints.
func StaticSource(endpoints []Endpoint) Source {
	fixed := append([]Endpoint{}, endpoints...)
	return func(ctx context.Context) ([]Endpoint, error) {
		return fixed, nil
	}
}

// Directory tracks the shard assignment and refreshes it in the
// background. Readers get consistent snapshots without locking.
type Directory struct {
	source   Source
	interval time.Duration
	snapshot atomic.Pointer[Snapshot]
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewDirectory loads the initial assignment and starts the refresh
// loop. A failed refresh keeps the previous snapshot.
func NewDirectory(source Source, interval time.Duration) (*Directory, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Directory{
		source:   source,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}

	endpoints, err := source(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load shard assignment: %w", err)
	}
	d.snapshot.Store(NewSnapshot(endpoints))

	d.wg.Add(1)
	go d.refreshLoop()

	return d, nil
}

// Snapshot returns the current shard assignment.
func (d *Directory) Snapshot() *Snapshot {
	return d.snapshot.Load()
}

// Close stops the refresh loop.
func (d *Directory) Close() error {
	d.cancel()
	d.wg.Wait()

	return nil
}

// refreshLoop re-reads the assignment on a fixed interval.
func (d *Directory) refreshLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			endpoints, err := d.source(d.ctx)
			if err != nil {
				logger.Warn("shard assignment refresh failed", "error", err)
				continue
			}

			d.snapshot.Store(NewSnapshot(endpoints))
		}
	}
}
