package conntrack

// ring remembers the last size values and answers membership in O(1).
// A value added twice is counted twice so eviction of the older copy does
// not forget the newer one.
type ring[T comparable] struct {
	values []T
	idx    int
	filled bool
	seen   map[T]int
}

func newRing[T comparable](size int) *ring[T] {
	return &ring[T]{values: make([]T, size), seen: make(map[T]int, size)}
}

func (r *ring[T]) add(v T) {
	if len(r.values) == 0 {
		return
	}
	if r.filled {
		old := r.values[r.idx]
		if r.seen[old] <= 1 {
			delete(r.seen, old)
		} else {
			r.seen[old]--
		}
	}
	r.values[r.idx] = v
	r.seen[v]++
	r.idx = (r.idx + 1) % len(r.values)
	if r.idx == 0 {
		r.filled = true
	}
}

func (r *ring[T]) contains(v T) bool {
	return r.seen[v] > 0
}

// check reports whether v is among the recent values and records it if not.
func (r *ring[T]) check(v T) bool {
	if r.contains(v) {
		return true
	}
	r.add(v)
	return false
}

func (r *ring[T]) len() int {
	if r.filled {
		return len(r.values)
	}
	return r.idx
}
