package window

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Set keeps one Window per key and bounds the number of keys with an LRU.
// When the cap is reached the least recently updated key is dropped and
// counted in Evictions.
type Set[K comparable, T Number] struct {
	span       time.Duration
	resolution time.Duration
	lru        *simplelru.LRU[K, *Window[T]]
	evictions  uint64
	pruning    bool
}

// NewSet returns a keyed window set holding at most maxKeys windows.
func NewSet[K comparable, T Number](maxKeys int, span, resolution time.Duration) (*Set[K, T], error) {
	s := &Set[K, T]{span: span, resolution: resolution}
	lru, err := simplelru.NewLRU[K, *Window[T]](maxKeys, func(K, *Window[T]) {
		if !s.pruning {
			s.evictions++
		}
	})
	if err != nil {
		return nil, err
	}
	s.lru = lru
	return s, nil
}

// Add records count events with value v for key at ts.
func (s *Set[K, T]) Add(key K, ts time.Time, count int64, v T) {
	w, ok := s.lru.Get(key)
	if !ok {
		w = New[T](s.span, s.resolution)
		s.lru.Add(key, w)
	}
	w.Add(ts, count, v)
}

// Get returns the window for key without refreshing its recency.
func (s *Set[K, T]) Get(key K) (*Window[T], bool) {
	return s.lru.Peek(key)
}

// Count returns the event count for key in [now-d, now].
func (s *Set[K, T]) Count(key K, now time.Time, d time.Duration) int64 {
	w, ok := s.lru.Peek(key)
	if !ok {
		return 0
	}
	return w.Count(now, d)
}

// Range calls fn for each key, oldest first, until fn returns false.
func (s *Set[K, T]) Range(fn func(key K, w *Window[T]) bool) {
	for _, k := range s.lru.Keys() {
		w, ok := s.lru.Peek(k)
		if !ok {
			continue
		}
		if !fn(k, w) {
			return
		}
	}
}

// Prune evicts expired slots from every window and drops the empty ones.
// It returns the number of keys removed.
func (s *Set[K, T]) Prune(now time.Time) int {
	removed := 0
	s.pruning = true
	defer func() { s.pruning = false }()
	for _, k := range s.lru.Keys() {
		w, ok := s.lru.Peek(k)
		if !ok {
			continue
		}
		w.Evict(now)
		if w.Empty() {
			s.lru.Remove(k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *Set[K, T]) Len() int {
	return s.lru.Len()
}

// Evictions returns how many keys were dropped because the set was full.
func (s *Set[K, T]) Evictions() uint64 {
	return s.evictions
}
