package throttle

import "time"

// windowTracker counts request starts per key within a trailing window.
// It is not self-locking; the Throttler serializes access.
type windowTracker struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	buckets map[string][]time.Time
}

func newWindowTracker(maxRequests int, window time.Duration, now func() time.Time) *windowTracker {
	if now == nil {
		now = time.Now
	}
	return &windowTracker{
		maxRequests: maxRequests,
		window:      window,
		now:         now,
		buckets:     map[string][]time.Time{},
	}
}

// canProceed prunes expired timestamps for key and reports whether
// another request may start now.
func (w *windowTracker) canProceed(key string) bool {
	return len(w.pruned(key)) < w.maxRequests
}

// record marks a request start. Callers must have seen canProceed()
// return true first; the gap between the two is acceptable because the
// Throttler does both under one lock.
func (w *windowTracker) record(key string) {
	w.buckets[key] = append(w.buckets[key], w.now())
}

// count returns the number of request starts still inside the window.
func (w *windowTracker) count(key string) int {
	return len(w.pruned(key))
}

// counts snapshots every non-empty bucket.
func (w *windowTracker) counts() map[string]int {
	out := make(map[string]int, len(w.buckets))
	for key := range w.buckets {
		if n := len(w.pruned(key)); n > 0 {
			out[key] = n
		}
	}
	return out
}

// pruned drops timestamps older than the window and returns what's left.
// Timestamps are appended in order, so the survivors are a suffix.
func (w *windowTracker) pruned(key string) []time.Time {
	ts := w.buckets[key]
	if len(ts) == 0 {
		return ts
	}
	cutoff := w.now().Add(-w.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		if len(ts) == 0 {
			delete(w.buckets, key)
			return nil
		}
		w.buckets[key] = ts
	}
	return ts
}
