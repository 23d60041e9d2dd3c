package mesh

import (
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Dedup Cache — packet fingerprint suppression window
// -------------------------------------------------------------------------

// DefaultDedupWindow is how long an observed packet fingerprint suppresses
// re-delivery and re-relay.
const DefaultDedupWindow = 60 * time.Second

// dedupCache records recently seen packet fingerprints against a monotonic
// clock. The monotonic reading (time.Since on a fixed origin) makes pruning
// immune to wall-clock jitter: an entry can never be resurrected by the
// clock stepping backwards.
//
// Writers take short critical sections; the map is guarded by a plain
// mutex because the hot path is a single lookup-or-insert.
type dedupCache struct {
	mu     sync.Mutex
	window time.Duration
	origin time.Time
	seen   map[string]time.Duration // fingerprint -> monotonic offset
}

// newDedupCache creates a cache with the given suppression window.
func newDedupCache(window time.Duration) *dedupCache {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &dedupCache{
		window: window,
		origin: time.Now(),
		seen:   make(map[string]time.Duration),
	}
}

// now returns the monotonic offset since the cache origin.
func (d *dedupCache) now() time.Duration {
	return time.Since(d.origin)
}

// Observe records the fingerprint and reports whether it was already seen
// within the window. The check and the stamp are one atomic step so a
// packet arriving on two transports at once is delivered exactly once.
func (d *dedupCache) Observe(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	mono := d.now()
	if ts, ok := d.seen[id]; ok && mono-ts < d.window {
		return true
	}
	d.seen[id] = mono
	return false
}

// Contains reports whether the fingerprint is currently suppressed, without
// stamping it.
func (d *dedupCache) Contains(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	ts, ok := d.seen[id]
	return ok && d.now()-ts < d.window
}

// Prune removes entries older than the window and returns how many were
// dropped. Pruning is monotonic: only entries strictly outside the window
// are removed, so a fingerprint can never be accepted twice across clock
// jitter.
func (d *dedupCache) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	mono := d.now()
	pruned := 0
	for id, ts := range d.seen {
		if mono-ts >= d.window {
			delete(d.seen, id)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked fingerprints.
func (d *dedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
