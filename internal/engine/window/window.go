// Package window implements bounded-memory sliding windows over event streams.
//
// A Window keeps a deque of time slots. Events landing in the same slot of
// width resolution are coalesced, so memory is bounded by span/resolution
// regardless of the event rate. Each slot carries the running totals up to
// and including itself, which makes Count and Sum over any sub-window a
// binary search plus one subtraction.
//
// Windows are not safe for concurrent use; owners guard them with their own lock.
package window

import (
	"sort"
	"time"
)

// Number is the set of value types a window can sum.
type Number interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64 | ~float64
}

type slot[T Number] struct {
	start    int64 // unix nanos, aligned to resolution
	count    int64
	sum      T
	cumCount int64
	cumSum   T
}

// Window is a sliding window of (timestamp, value) events.
type Window[T Number] struct {
	span       int64
	resolution int64

	slots []slot[T]
	head  int

	// totals since creation, and the totals of everything already evicted
	totalCount, baseCount int64
	totalSum, baseSum     T
}

// New returns a window that retains events for span, coalesced into slots of
// the given resolution. A non-positive resolution keeps every distinct timestamp.
func New[T Number](span, resolution time.Duration) *Window[T] {
	if resolution <= 0 {
		resolution = 1
	}
	return &Window[T]{span: int64(span), resolution: int64(resolution)}
}

func (w *Window[T]) align(ns int64) int64 {
	return ns - ns%w.resolution
}

// Add records count events carrying value v at ts. Timestamps older than the
// newest slot are folded into that slot.
func (w *Window[T]) Add(ts time.Time, count int64, v T) {
	start := w.align(ts.UnixNano())
	w.totalCount += count
	w.totalSum += v

	if n := len(w.slots); n > w.head && w.slots[n-1].start >= start {
		last := &w.slots[n-1]
		last.count += count
		last.sum += v
		last.cumCount = w.totalCount
		last.cumSum = w.totalSum
	} else {
		w.slots = append(w.slots, slot[T]{
			start:    start,
			count:    count,
			sum:      v,
			cumCount: w.totalCount,
			cumSum:   w.totalSum,
		})
	}
	w.Evict(ts)
}

// Inc records a single event with no value.
func (w *Window[T]) Inc(ts time.Time) {
	w.Add(ts, 1, 0)
}

// Evict drops slots that fell out of the retained span as of now.
func (w *Window[T]) Evict(now time.Time) {
	cutoff := w.align(now.UnixNano() - w.span)
	for w.head < len(w.slots) && w.slots[w.head].start < cutoff {
		s := w.slots[w.head]
		w.baseCount, w.baseSum = s.cumCount, s.cumSum
		w.head++
	}
	if w.head == len(w.slots) {
		w.slots, w.head = w.slots[:0], 0
	} else if w.head > 32 && w.head > len(w.slots)/2 {
		n := copy(w.slots, w.slots[w.head:])
		w.slots, w.head = w.slots[:n], 0
	}
}

// before returns the running totals of everything older than the slot that
// contains now-d.
func (w *Window[T]) before(now time.Time, d time.Duration) (int64, T) {
	cutoff := w.align(now.UnixNano() - int64(d))
	live := w.slots[w.head:]
	i := sort.Search(len(live), func(i int) bool { return live[i].start >= cutoff })
	if i == 0 {
		return w.baseCount, w.baseSum
	}
	return live[i-1].cumCount, live[i-1].cumSum
}

// Count returns the number of events in [now-d, now], accurate to one slot.
// Windows wider than the retained span are clamped to it.
func (w *Window[T]) Count(now time.Time, d time.Duration) int64 {
	c, _ := w.before(now, d)
	return w.totalCount - c
}

// Sum returns the sum of values in [now-d, now], accurate to one slot.
func (w *Window[T]) Sum(now time.Time, d time.Duration) T {
	_, s := w.before(now, d)
	return w.totalSum - s
}

// Empty reports whether no slot is retained.
func (w *Window[T]) Empty() bool {
	return w.head == len(w.slots)
}

// Slots returns the number of retained slots.
func (w *Window[T]) Slots() int {
	return len(w.slots) - w.head
}

// Total returns the cumulative count and sum since the window was created.
func (w *Window[T]) Total() (int64, T) {
	return w.totalCount, w.totalSum
}
