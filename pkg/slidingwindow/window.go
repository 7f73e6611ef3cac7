// Package slidingwindow is the in-process half of a velocity counter: a
// time-ordered min-heap of samples that supports O(log n) eviction of
// anything older than the window. Every velocity read goes to the
// authoritative store's sorted sets first (see internal/rules/velocity.go);
// this best-effort local cache answers only when that read fails, so
// cross-process races may under-count by at most one concurrent update,
// exactly as §4.8 allows.
package slidingwindow

import (
	"container/heap"
	"sync"
	"time"
)

// Sample is one observation: a delta (amount for sum-typed fields, 1 for
// count-typed fields) recorded at a point in time.
type Sample struct {
	At    time.Time
	Delta float64
	index int // heap bookkeeping
}

// sampleHeap is a min-heap ordered by time, oldest first, so trimming expired
// entries is a sequence of cheap Pop calls instead of a linear scan.
type sampleHeap []*Sample

func (h sampleHeap) Len() int            { return len(h) }
func (h sampleHeap) Less(i, j int) bool  { return h[i].At.Before(h[j].At) }
func (h sampleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *sampleHeap) Push(x interface{}) {
	s := x.(*Sample)
	s.index = len(*h)
	*h = append(*h, s)
}

func (h *sampleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*h = old[:n-1]
	return s
}

// Window is a single sliding window over one subject/field pair.
type Window struct {
	mu       sync.Mutex
	span     time.Duration
	samples  sampleHeap
	sum      float64
	count    int
}

// New creates a Window covering the given span (e.g. 1h, 24h).
func New(span time.Duration) *Window {
	w := &Window{span: span}
	heap.Init(&w.samples)
	return w
}

// Add records a new sample at "at" with the given delta, then evicts anything
// that has fallen outside the window.
func (w *Window) Add(at time.Time, delta float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	heap.Push(&w.samples, &Sample{At: at, Delta: delta})
	w.sum += delta
	w.count++
	w.evict(at)
}

// Sum returns the sum of deltas observed within the window of "now", after
// evicting stale samples. Used for sum-typed fields like amount.
func (w *Window) Sum(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	return w.sum
}

// Count returns the number of samples observed within the window of "now",
// after evicting stale samples. Used for count-typed fields.
func (w *Window) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	return w.count
}

// evict pops every sample older than now-span, keeping sum/count consistent.
// Caller must hold w.mu.
func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	for w.samples.Len() > 0 && w.samples[0].At.Before(cutoff) {
		s := heap.Pop(&w.samples).(*Sample)
		w.sum -= s.Delta
		w.count--
	}
}

// LocalCache is a process-wide registry of Windows keyed by
// "subject\x1ffield\x1fwindow", used by the rules velocity functions as a
// fallback when the velocity store read fails.
type LocalCache struct {
	mu      sync.Mutex
	windows map[string]*Window
}

// NewLocalCache creates an empty registry.
func NewLocalCache() *LocalCache {
	return &LocalCache{windows: make(map[string]*Window)}
}

// Get returns the Window for key, creating one with the given span on first
// use.
func (c *LocalCache) Get(key string, span time.Duration) *Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[key]
	if !ok {
		w = New(span)
		c.windows[key] = w
	}
	return w
}
