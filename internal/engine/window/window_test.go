package window

import (
	"testing"
	"time"
)

var base = time.Unix(1700000000, 0)

func TestWindow_SlidingCount(t *testing.T) {
	const w = 5 * time.Second
	win := New[int64](w, 10*time.Millisecond)

	var inserted []time.Time
	for i := 0; i <= 5+5; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		win.Inc(now)
		inserted = append(inserted, now)

		want := int64(0)
		for _, ts := range inserted {
			if !ts.Before(now.Add(-w)) && !ts.After(now) {
				want++
			}
		}
		if got := win.Count(now, w); got != want {
			t.Errorf("t+%ds: expected count %d, but got %d", i, want, got)
		}
	}

	last := inserted[len(inserted)-1]
	if got := win.Count(last.Add(w+time.Second), w); got != 0 {
		t.Errorf("Expected 0 after a quiet window, but got %d", got)
	}
	win.Evict(last.Add(w + time.Second))
	if !win.Empty() {
		t.Errorf("Expected every slot evicted, %d left", win.Slots())
	}
	if total, _ := win.Total(); total != 11 {
		t.Errorf("Expected cumulative total 11, but got %d", total)
	}
}

func TestWindow_SubWindowsAndSum(t *testing.T) {
	win := New[int64](5*time.Second, 10*time.Millisecond)
	for i := 0; i < 50; i++ {
		// 10 packets of 100 bytes per second over 5 seconds
		win.Add(base.Add(time.Duration(i)*100*time.Millisecond), 1, 100)
	}
	now := base.Add(4900 * time.Millisecond)

	if got := win.Count(now, time.Second); got != 11 {
		t.Errorf("Expected 11 events in the last second, but got %d", got)
	}
	if got := win.Sum(now, time.Second); got != 1100 {
		t.Errorf("Expected 1100 bytes in the last second, but got %d", got)
	}
	if got := win.Count(now, 5*time.Second); got != 50 {
		t.Errorf("Expected 50 events in five seconds, but got %d", got)
	}
	if got := win.Count(now, time.Hour); got != 50 {
		t.Errorf("Expected a wide query to be clamped to retained events, but got %d", got)
	}
}

func TestWindow_CoalescesSlots(t *testing.T) {
	win := New[int64](time.Second, 10*time.Millisecond)
	for i := 0; i < 100000; i++ {
		win.Add(base.Add(time.Duration(i)*time.Microsecond), 1, 60)
	}
	// 100ms of traffic at 10ms resolution
	if win.Slots() > 11 {
		t.Errorf("Expected at most 11 slots, but got %d", win.Slots())
	}
	if got := win.Count(base.Add(100*time.Millisecond), time.Second); got != 100000 {
		t.Errorf("Expected 100000 events, but got %d", got)
	}
}

func TestWindow_OutOfOrderFoldsIntoNewest(t *testing.T) {
	win := New[float64](time.Second, 10*time.Millisecond)
	win.Add(base.Add(500*time.Millisecond), 1, 1.5)
	win.Add(base.Add(200*time.Millisecond), 1, 2.5)
	if win.Slots() != 1 {
		t.Errorf("Expected late event folded into the newest slot, got %d slots", win.Slots())
	}
	if got := win.Sum(base.Add(500*time.Millisecond), 100*time.Millisecond); got != 4.0 {
		t.Errorf("Expected sum 4.0, but got %v", got)
	}
}

func TestSet_LRUAndPrune(t *testing.T) {
	s, err := NewSet[string, int64](2, 5*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to create set: %v", err)
	}
	s.Add("a", base, 1, 0)
	s.Add("b", base, 3, 0)
	s.Add("a", base.Add(time.Second), 1, 0)
	s.Add("c", base.Add(2*time.Second), 1, 0) // evicts b, the least recently updated

	if _, ok := s.Get("b"); ok {
		t.Errorf("Expected b to be evicted")
	}
	if s.Evictions() != 1 {
		t.Errorf("Expected 1 eviction, but got %d", s.Evictions())
	}
	if got := s.Count("a", base.Add(2*time.Second), 5*time.Second); got != 2 {
		t.Errorf("Expected 2 events for a, but got %d", got)
	}

	var keys []string
	s.Range(func(k string, _ *Window[int64]) bool {
		keys = append(keys, k)
		return true
	})
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Errorf("Expected keys [a c] oldest first, but got %v", keys)
	}

	// a was last updated at base+1s, c at base+2s.
	if removed := s.Prune(base.Add(6500 * time.Millisecond)); removed != 1 {
		t.Errorf("Expected 1 key pruned, but got %d", removed)
	}
	if s.Len() != 1 || s.Evictions() != 1 {
		t.Errorf("Pruning must not count as eviction: len=%d evictions=%d", s.Len(), s.Evictions())
	}
}
