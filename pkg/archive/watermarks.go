package archive

import (
	"math"
	"sync"
	"time"
)

// Floor reports a tick below which nothing may be purged. ok == false
// means the floor currently imposes no limit.
type Floor func() (tick uint64, ok bool)

// Watermarks holds the per consumer required ticks and the named floors.
// The purge boundary is the minimum of all of them.
//
// Example: a follower tails from 120, a migration registered 300 and an
// index build started at 90 is still building. The boundary is 90, so a
// sealed segment holding ticks 40-89 may go, one holding 80-130 stays.
type Watermarks struct {
	mu     sync.RWMutex
	ticks  map[string]watermark
	floors map[string]Floor
	now    func() time.Time
}

type watermark struct {
	tick uint64
	seen time.Time
}

// NewWatermarks returns an empty set.
func NewWatermarks() *Watermarks {
	return &Watermarks{
		ticks:  make(map[string]watermark),
		floors: make(map[string]Floor),
		now:    time.Now,
	}
}

// Register sets the tick consumerID still needs and refreshes its last
// seen time. Tick 0 means the consumer has no known position and needs
// the whole log. It reports whether the tick changed.
func (w *Watermarks) Register(consumerID string, tick uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev, ok := w.ticks[consumerID]
	w.ticks[consumerID] = watermark{tick: tick, seen: w.now()}
	return !ok || prev.tick != tick
}

// Unregister drops the watermark of consumerID.
func (w *Watermarks) Unregister(consumerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.ticks, consumerID)
}

// Expire drops every watermark not registered within ttl and returns the
// dropped consumers.
func (w *Watermarks) Expire(ttl time.Duration) map[string]uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	var expired map[string]uint64
	for id, wm := range w.ticks {
		if now.Sub(wm.seen) <= ttl {
			continue
		}
		if expired == nil {
			expired = make(map[string]uint64)
		}
		expired[id] = wm.tick
		delete(w.ticks, id)
	}
	return expired
}

// AddFloor registers a named floor, replacing one with the same name.
func (w *Watermarks) AddFloor(name string, floor Floor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.floors[name] = floor
}

// Get returns the watermark of consumerID.
func (w *Watermarks) Get(consumerID string) (uint64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	wm, ok := w.ticks[consumerID]
	return wm.tick, ok
}

// Snapshot returns a copy of all consumer watermarks.
func (w *Watermarks) Snapshot() map[string]uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]uint64, len(w.ticks))
	for id, wm := range w.ticks {
		out[id] = wm.tick
	}
	return out
}

// Boundary returns the smallest tick that must be kept. math.MaxUint64
// means nothing is registered.
func (w *Watermarks) Boundary() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.boundaryLocked()
}

func (w *Watermarks) boundaryLocked() uint64 {
	boundary := uint64(math.MaxUint64)
	for _, wm := range w.ticks {
		boundary = min(boundary, wm.tick)
	}
	for _, floor := range w.floors {
		if tick, ok := floor(); ok {
			boundary = min(boundary, tick)
		}
	}
	return boundary
}

// withBoundary runs fn with the boundary while holding the read lock, so
// no watermark can be lowered until fn returns.
func (w *Watermarks) withBoundary(fn func(boundary uint64) error) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return fn(w.boundaryLocked())
}
