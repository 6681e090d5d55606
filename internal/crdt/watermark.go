package crdt

import (
	"sync"

	"github.com/google/uuid"
)

// WatermarkTable tracks, per origin replica, the highest timestamp the
// local replica has observed. It is advisory bookkeeping used to report
// "what I already have" when requesting operation batches; durable
// dedup lives in the operation store. The ingestion actor is the sole
// writer, status queries read concurrently, hence the RWMutex.
type WatermarkTable struct {
	mu    sync.RWMutex
	clock *Clock
	seen  map[uuid.UUID]Timestamp
}

// NewWatermarkTable constructs an empty table bound to the replica clock.
func NewWatermarkTable(clock *Clock) *WatermarkTable {
	return &WatermarkTable{
		clock: clock,
		seen:  make(map[uuid.UUID]Timestamp),
	}
}

// Merge advances the local clock past the remote timestamp and raises the
// origin's watermark to the larger of its previous value and the remote
// timestamp. A late-arriving operation never regresses the watermark.
// Returns the watermark recorded for the origin.
func (t *WatermarkTable) Merge(origin uuid.UUID, remote Timestamp) Timestamp {
	t.clock.Update(remote)

	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.seen[origin]
	if !ok || remote > current {
		current = remote
		t.seen[origin] = current
	}
	return current
}

// Get returns the watermark recorded for an origin.
func (t *WatermarkTable) Get(origin uuid.UUID) (Timestamp, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.seen[origin]
	return ts, ok
}

// Snapshot copies the table for use in a fetch request.
func (t *WatermarkTable) Snapshot() map[uuid.UUID]Timestamp {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snapshot := make(map[uuid.UUID]Timestamp, len(t.seen))
	for origin, ts := range t.seen {
		snapshot[origin] = ts
	}
	return snapshot
}

// Restore seeds the table from durable state, keeping existing entries
// that are already ahead. Used to rebuild the advisory cache from the
// audit log after a restart.
func (t *WatermarkTable) Restore(watermarks map[uuid.UUID]Timestamp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for origin, ts := range watermarks {
		if current, ok := t.seen[origin]; !ok || ts > current {
			t.seen[origin] = ts
		}
	}
}
