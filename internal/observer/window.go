package observer

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// slidingWindow keeps per-key timestamps and answers "how many within the
// trailing window". Keys beyond capacity are evicted least-recently-used so
// an attacker rotating source addresses cannot grow the table without bound.
// Callers hold the observer lock.
type slidingWindow struct {
	entries *lru.Cache[string, []time.Time]
}

func newSlidingWindow(capacity int) *slidingWindow {
	if capacity < 1 {
		capacity = 1
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, []time.Time](capacity)
	return &slidingWindow{entries: cache}
}

// hit records now for key and returns the count within the trailing window,
// including this hit.
func (w *slidingWindow) hit(key string, now time.Time, window time.Duration) int {
	recent := prune(w.peek(key), now.Add(-window))
	recent = append(recent, now)
	w.entries.Add(key, recent)
	return len(recent)
}

// record appends now for key without pruning.
func (w *slidingWindow) record(key string, now time.Time) {
	w.entries.Add(key, append(w.peek(key), now))
}

// count prunes key to the trailing window and returns what is left.
func (w *slidingWindow) count(key string, now time.Time, window time.Duration) int {
	stamps, ok := w.entries.Get(key)
	if !ok {
		return 0
	}
	recent := prune(stamps, now.Add(-window))
	if len(recent) == 0 {
		w.entries.Remove(key)
		return 0
	}
	w.entries.Add(key, recent)
	return len(recent)
}

func (w *slidingWindow) len() int {
	return w.entries.Len()
}

func (w *slidingWindow) peek(key string) []time.Time {
	stamps, _ := w.entries.Get(key)
	return stamps
}

// prune drops timestamps at or before cutoff. The result never aliases the
// input so stored slices are not mutated in place.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	out := make([]time.Time, 0, len(stamps)+1)
	for _, ts := range stamps {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}

// counterTable is a bounded per-key counter.
type counterTable struct {
	counts *lru.Cache[string, int]
}

func newCounterTable(capacity int) *counterTable {
	if capacity < 1 {
		capacity = 1
	}
	cache, _ := lru.New[string, int](capacity)
	return &counterTable{counts: cache}
}

func (c *counterTable) inc(key string) int {
	n, _ := c.counts.Get(key)
	n++
	c.counts.Add(key, n)
	return n
}

func (c *counterTable) len() int {
	return c.counts.Len()
}

// SuspiciousIP is an address with its suspicion count.
type SuspiciousIP struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// top returns up to n keys ordered by count, highest first.
func (c *counterTable) top(n int) []SuspiciousIP {
	out := make([]SuspiciousIP, 0, c.counts.Len())
	for _, key := range c.counts.Keys() {
		if count, ok := c.counts.Peek(key); ok {
			out = append(out, SuspiciousIP{IP: key, Count: count})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IP < out[j].IP
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
