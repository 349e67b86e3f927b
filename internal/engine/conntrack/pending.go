package conntrack

import (
	"time"

	"LBTrafficGuard/internal/core/model"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// PendingKind names what a pending entry is waiting for.
type PendingKind uint8

const (
	SynAwaitingAck PendingKind = iota + 1
	HTTPAwaitingResponse
	HealthCheckAwaitingResponse
)

func (k PendingKind) String() string {
	switch k {
	case SynAwaitingAck:
		return "SYN_AWAITING_ACK"
	case HTTPAwaitingResponse:
		return "HTTP_AWAITING_RESPONSE"
	case HealthCheckAwaitingResponse:
		return "HEALTH_CHECK_AWAITING_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// PendingEntry is a provisional record awaiting a correlated reply.
// SYN and TCP health-check entries carry an empty method and path.
type PendingEntry struct {
	Kind       PendingKind
	Request    model.RequestKey
	InsertedAt time.Time
}

// maxRequestsPerConn caps pipelined entries kept for one connection.
const maxRequestsPerConn = 64

// pendingTable holds the entries of one kind grouped by connection key, so a
// reply, FIN or RST clears a connection in O(1). Connections are kept in LRU
// order and the oldest are dropped once the table holds more than max entries.
type pendingTable struct {
	kind PendingKind
	max  int
	size int
	lru  *simplelru.LRU[model.ConnectionKey, map[model.RequestKey]time.Time]
}

func newPendingTable(kind PendingKind, capacity int) (*pendingTable, error) {
	t := &pendingTable{kind: kind, max: capacity}
	// Capacity is enforced by entry count in put; the LRU itself never fills.
	lru, err := simplelru.NewLRU[model.ConnectionKey, map[model.RequestKey]time.Time](capacity+1,
		func(_ model.ConnectionKey, m map[model.RequestKey]time.Time) {
			t.size -= len(m)
		})
	if err != nil {
		return nil, err
	}
	t.lru = lru
	return t, nil
}

// put inserts or replaces the entry for rk and returns how many entries were
// evicted to stay within capacity.
func (t *pendingTable) put(rk model.RequestKey, ts time.Time) int {
	m, ok := t.lru.Get(rk.Conn)
	if !ok {
		m = make(map[model.RequestKey]time.Time, 1)
		t.lru.Add(rk.Conn, m)
	}
	if _, dup := m[rk]; !dup {
		t.size++
	}
	m[rk] = ts

	evicted := 0
	if len(m) > maxRequestsPerConn {
		delete(m, oldest(m))
		t.size--
		evicted++
	}
	for t.size > t.max && t.lru.Len() > 1 {
		_, dropped, ok := t.lru.RemoveOldest()
		if !ok {
			break
		}
		evicted += len(dropped)
	}
	return evicted
}

func oldest(m map[model.RequestKey]time.Time) model.RequestKey {
	var (
		key   model.RequestKey
		first time.Time
	)
	for k, ts := range m {
		if first.IsZero() || ts.Before(first) {
			key, first = k, ts
		}
	}
	return key
}

func (t *pendingTable) has(rk model.RequestKey) bool {
	m, ok := t.lru.Peek(rk.Conn)
	if !ok {
		return false
	}
	_, ok = m[rk]
	return ok
}

// remove deletes a single entry and reports whether it existed.
func (t *pendingTable) remove(rk model.RequestKey) bool {
	m, ok := t.lru.Peek(rk.Conn)
	if !ok {
		return false
	}
	if _, ok := m[rk]; !ok {
		return false
	}
	delete(m, rk)
	t.size--
	if len(m) == 0 {
		t.lru.Remove(rk.Conn)
	}
	return true
}

// clear drops every entry of the connection and returns them.
func (t *pendingTable) clear(conn model.ConnectionKey) []model.RequestKey {
	m, ok := t.lru.Peek(conn)
	if !ok {
		return nil
	}
	keys := make([]model.RequestKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	t.lru.Remove(conn)
	return keys
}

// expire removes entries inserted before cutoff, oldest connections first.
func (t *pendingTable) expire(cutoff time.Time, fn func(PendingEntry)) {
	for _, conn := range t.lru.Keys() {
		m, ok := t.lru.Peek(conn)
		if !ok {
			continue
		}
		for rk, ts := range m {
			if ts.Before(cutoff) {
				delete(m, rk)
				t.size--
				fn(PendingEntry{Kind: t.kind, Request: rk, InsertedAt: ts})
			}
		}
		if len(m) == 0 {
			t.lru.Remove(conn)
		}
	}
}

func (t *pendingTable) len() int {
	return t.size
}
