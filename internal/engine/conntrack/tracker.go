// Package conntrack follows TCP handshakes and HTTP exchanges per connection
// and keeps the tables of packets still waiting for a reply.
package conntrack

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"LBTrafficGuard/internal/config"
	"LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/engine/flowkey"
	"LBTrafficGuard/internal/engine/protocol"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// TCPErrorKind labels the TCP error counters.
type TCPErrorKind string

const (
	TCPErrorRST        TCPErrorKind = "RST"
	TCPErrorZeroWindow TCPErrorKind = "ZERO_WINDOW"
	TCPErrorSynTimeout TCPErrorKind = "SYN_TIMEOUT"
	TCPErrorRetransmit TCPErrorKind = "RETRANSMIT"
)

// maxViaCommas is the number of commas in a Via header above which the
// request is considered to be looping through proxies.
const maxViaCommas = 3

// topClients is the number of busiest client addresses copied into Counters.
const topClients = 10

// ClientCount is the number of HTTP requests seen from one client address.
type ClientCount struct {
	IP       string `json:"ip"`
	Requests uint64 `json:"requests"`
}

// Counters is a copy of the tracker's error and health counters.
type Counters struct {
	TCPErrors           map[TCPErrorKind]uint64
	Timeouts            map[model.EventType]uint64
	HTTPErrors          map[int]uint64
	LBTypes             map[string]uint64
	AppErrors           uint64
	LBErrors            uint64
	HealthChecks        uint64
	HealthCheckSuccess  uint64
	HealthCheckFailures uint64
	HealthCheckTimeouts uint64
	LoopsDetected       uint64
	RedirectLoops       uint64
	ProxyLoops          uint64
	PendingEvictions    uint64
	ConnectionEvictions uint64
	ClientIPEvictions   uint64

	// ClientIPs is the number of client addresses currently tracked and
	// TopClients the busiest of them, most requests first.
	ClientIPs  int
	TopClients []ClientCount
}

func newCounters() Counters {
	return Counters{
		TCPErrors:  make(map[TCPErrorKind]uint64),
		Timeouts:   make(map[model.EventType]uint64),
		HTTPErrors: make(map[int]uint64),
		LBTypes:    make(map[string]uint64),
	}
}

func (c Counters) clone() Counters {
	out := c
	out.TCPErrors = make(map[TCPErrorKind]uint64, len(c.TCPErrors))
	for k, v := range c.TCPErrors {
		out.TCPErrors[k] = v
	}
	out.Timeouts = make(map[model.EventType]uint64, len(c.Timeouts))
	for k, v := range c.Timeouts {
		out.Timeouts[k] = v
	}
	out.HTTPErrors = make(map[int]uint64, len(c.HTTPErrors))
	for k, v := range c.HTTPErrors {
		out.HTTPErrors[k] = v
	}
	out.LBTypes = make(map[string]uint64, len(c.LBTypes))
	for k, v := range c.LBTypes {
		out.LBTypes[k] = v
	}
	out.TopClients = append([]ClientCount(nil), c.TopClients...)
	return out
}

// Observation describes what a single packet changed.
type Observation struct {
	Key           model.ConnectionKey
	NewConnection bool
	Handshake     time.Duration
	SlowHandshake bool
	Reset         bool
	ZeroWindow    bool
	Retransmit    bool
	Events        []model.AttackEvent
}

type signature struct {
	key      model.ConnectionKey
	seq      uint32
	location string
}

type shard struct {
	mu      sync.Mutex
	records *simplelru.LRU[model.ConnectionKey, *model.ConnectionRecord]
}

// Tracker is the connection state tracker. Connection records live in
// shards selected by the direction-independent hash of the key. The pending
// tables, the signature ring and every counter they feed share one mutex so
// they are always mutated together.
type Tracker struct {
	shards        []*shard
	keepClosed    bool
	slowHandshake time.Duration
	healthSources *protocol.CIDRSet

	connEvictions atomic.Uint64

	mu       sync.Mutex
	syn      *pendingTable
	requests *pendingTable
	health   *pendingTable
	sigs     *ring[signature]
	clients  *simplelru.LRU[netip.Addr, uint64]
	counters Counters
}

// New creates a tracker from the tracker, threshold and parser sections.
func New(cfg *config.Config) (*Tracker, error) {
	tc := cfg.Tracker
	numShards := tc.NumShards
	if numShards <= 0 {
		numShards = 1
	}
	perShard := tc.MaxConnections / numShards
	if perShard < 1 {
		perShard = 1
	}

	sources, err := protocol.NewCIDRSet(cfg.Parser.HealthCheckSources)
	if err != nil {
		return nil, fmt.Errorf("failed to parse health check sources: %w", err)
	}

	t := &Tracker{
		shards:        make([]*shard, numShards),
		keepClosed:    tc.KeepClosed,
		slowHandshake: cfg.Thresholds.SlowHandshake,
		healthSources: sources,
		sigs:          newRing[signature](tc.SignatureRingSize),
		counters:      newCounters(),
	}
	for i := range t.shards {
		records, err := simplelru.NewLRU[model.ConnectionKey, *model.ConnectionRecord](perShard, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection shard: %w", err)
		}
		t.shards[i] = &shard{records: records}
	}
	if t.syn, err = newPendingTable(SynAwaitingAck, tc.MaxPending); err != nil {
		return nil, err
	}
	if t.requests, err = newPendingTable(HTTPAwaitingResponse, tc.MaxPending); err != nil {
		return nil, err
	}
	if t.health, err = newPendingTable(HealthCheckAwaitingResponse, tc.MaxPending); err != nil {
		return nil, err
	}
	onEvict := func(netip.Addr, uint64) { t.counters.ClientIPEvictions++ }
	if t.clients, err = simplelru.NewLRU[netip.Addr, uint64](max(cfg.Engine.MaxTrackedIPs, 1), onEvict); err != nil {
		return nil, fmt.Errorf("failed to create client table: %w", err)
	}
	return t, nil
}

func (t *Tracker) getShard(key model.ConnectionKey) *shard {
	return t.shards[flowkey.CanonicalHash(key)%uint64(len(t.shards))]
}

// Observe applies one packet to the connection records and pending tables.
// Packets of one connection must be observed in arrival order.
func (t *Tracker) Observe(p *model.ParsedPacket) Observation {
	key, ok := flowkey.Of(p)
	if !ok {
		return Observation{}
	}
	obs := Observation{Key: key}
	isTCP := p.Protocol == model.ProtocolTCP

	if latency, ok := t.updateRecord(key, p, isTCP); ok {
		obs.Handshake = latency
		if t.slowHandshake > 0 && latency > t.slowHandshake {
			obs.SlowHandshake = true
			log.Warn("Slow handshake", "conn", key.Reverse(), "latency", latency)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if isTCP {
		t.observeTCP(key, p, &obs)
	}
	if p.HTTP != nil {
		t.observeHTTP(key, p, &obs)
	}
	return obs
}

// updateRecord updates the connection record for key or its reverse and
// returns the handshake latency when p completes a handshake.
func (t *Tracker) updateRecord(key model.ConnectionKey, p *model.ParsedPacket, isTCP bool) (time.Duration, bool) {
	s := t.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		rec      *model.ConnectionRecord
		latency  time.Duration
		measured bool
	)
	f := p.Flags
	switch {
	case isTCP && f.SynOnly():
		rec = &model.ConnectionRecord{Key: key, State: model.StateSynSent, SynAt: p.Timestamp}
		t.store(s, rec)
	case isTCP && f.SynAck():
		rev := key.Reverse()
		var found bool
		if rec, found = s.records.Get(rev); !found {
			rec = &model.ConnectionRecord{Key: rev}
			t.store(s, rec)
		}
		if rec.State == model.StateSynSent {
			latency, measured = p.Timestamp.Sub(rec.SynAt), true
		}
		if rec.State < model.StateEstablished {
			rec.State = model.StateEstablished
		}
	default:
		var found bool
		if rec, found = s.records.Get(key); !found {
			if rec, found = s.records.Get(key.Reverse()); !found {
				rec = &model.ConnectionRecord{Key: key, State: model.StateEstablished}
				t.store(s, rec)
			}
		}
		if isTCP {
			switch {
			case f.RST:
				rec.State = model.StateReset
				rec.Errors++
			case f.FIN && rec.State == model.StateClosing:
				rec.State = model.StateClosed
			case f.FIN && rec.State != model.StateReset && rec.State != model.StateClosed:
				rec.State = model.StateClosing
			}
		}
	}

	rec.LastSeen = p.Timestamp
	rec.Packets++
	rec.Bytes += uint64(p.Length)

	if !t.keepClosed && (rec.State == model.StateReset || rec.State == model.StateClosed) {
		s.records.Remove(rec.Key)
	}
	return latency, measured
}

func (t *Tracker) store(s *shard, rec *model.ConnectionRecord) {
	if s.records.Add(rec.Key, rec) {
		t.connEvictions.Add(1)
	}
}

// observeTCP runs with t.mu held.
func (t *Tracker) observeTCP(key model.ConnectionKey, p *model.ParsedPacket, obs *Observation) {
	f := p.Flags
	rev := key.Reverse()
	self := flowkey.Request(key, "", "")
	peer := flowkey.Request(rev, "", "")

	switch {
	case f.SynOnly():
		obs.NewConnection = true
		t.put(t.syn, self, p.Timestamp)
		if t.healthSources.Contains(p.SrcIP) {
			t.counters.HealthChecks++
			t.put(t.health, self, p.Timestamp)
		}
	case f.SynAck():
		t.syn.remove(peer)
		if t.health.remove(peer) {
			t.counters.HealthCheckSuccess++
		}
	case f.RST:
		obs.Reset = true
		t.counters.TCPErrors[TCPErrorRST]++
		for _, conn := range []model.ConnectionKey{key, rev} {
			if t.health.len() > 0 && len(t.health.clear(conn)) > 0 {
				t.counters.HealthCheckFailures++
				obs.Events = append(obs.Events, model.AttackEvent{
					Type:        model.EventHealthCheckFailure,
					Source:      conn.SrcIP.String(),
					Destination: netip.AddrPortFrom(conn.DstIP, conn.DstPort).String(),
					Value:       1,
					Timestamp:   p.Timestamp,
					Detail:      "connection reset",
				})
			}
		}
		t.clearConnection(key, rev)
	case f.FIN:
		t.clearConnection(key, rev)
	}

	if f.SynOnly() && p.Window == 0 {
		obs.ZeroWindow = true
		t.counters.TCPErrors[TCPErrorZeroWindow]++
		log.Info("Zero window", "conn", key)
	}

	// Only segments that consume sequence space are signed; bare ACKs
	// legitimately repeat a sequence number.
	if len(p.Payload) > 0 || f.SYN || f.FIN {
		if t.sigs.check(signature{key: key, seq: p.Seq}) {
			obs.Retransmit = true
			t.counters.LoopsDetected++
			t.counters.TCPErrors[TCPErrorRetransmit]++
		}
	}
}

// observeHTTP runs with t.mu held.
func (t *Tracker) observeHTTP(key model.ConnectionKey, p *model.ParsedPacket, obs *Observation) {
	msg := p.HTTP
	t.counters.LBTypes[lbType(msg)]++

	switch msg.Kind {
	case model.HTTPRequest:
		rk := flowkey.Request(key, msg.Method, msg.Path)
		t.put(t.requests, rk, p.Timestamp)
		client := clientIP(msg, p.SrcIP)
		n, _ := t.clients.Peek(client)
		t.clients.Add(client, n+1)
		if protocol.IsHealthCheck(msg.Path, msg.Header("user-agent"), msg.Method, len(msg.Headers)) {
			t.counters.HealthChecks++
			t.put(t.health, rk, p.Timestamp)
		}
	case model.HTTPResponse:
		t.observeResponse(key, p, obs)
	}

	if via := msg.Header("via"); strings.Count(via, ",") > maxViaCommas {
		t.counters.ProxyLoops++
		obs.Events = append(obs.Events, model.AttackEvent{
			Type:        model.EventProxyLoop,
			Source:      p.SrcIP.String(),
			Destination: netip.AddrPortFrom(p.DstIP, p.DstPort).String(),
			Value:       float64(strings.Count(via, ",") + 1),
			Timestamp:   p.Timestamp,
			Detail:      via,
		})
	}
}

func (t *Tracker) observeResponse(key model.ConnectionKey, p *model.ParsedPacket, obs *Observation) {
	msg := p.HTTP
	status := msg.StatusCode
	rev := key.Reverse()

	// Every request pending on the reverse direction is satisfied, whatever
	// its method and path.
	t.requests.clear(rev)
	if checks := t.health.clear(rev); len(checks) > 0 {
		if status >= 200 && status < 300 {
			t.counters.HealthCheckSuccess += uint64(len(checks))
		} else {
			t.counters.HealthCheckFailures += uint64(len(checks))
			obs.Events = append(obs.Events, model.AttackEvent{
				Type:        model.EventHealthCheckFailure,
				Source:      rev.SrcIP.String(),
				Destination: netip.AddrPortFrom(rev.DstIP, rev.DstPort).String(),
				Value:       float64(status),
				Timestamp:   p.Timestamp,
				Detail:      fmt.Sprintf("HTTP %d", status),
			})
		}
	}

	if status >= 400 {
		t.counters.HTTPErrors[status]++
		switch status {
		case 502, 503, 504:
			t.counters.LBErrors++
		default:
			if status >= 500 {
				t.counters.AppErrors++
			}
		}
	}

	if status >= 300 && status < 400 {
		if location := msg.Header("location"); location != "" {
			if t.sigs.check(signature{key: key, location: location}) {
				t.counters.LoopsDetected++
				t.counters.RedirectLoops++
				obs.Events = append(obs.Events, model.AttackEvent{
					Type:        model.EventRedirectLoop,
					Source:      key.DstIP.String(),
					Destination: netip.AddrPortFrom(key.SrcIP, key.SrcPort).String(),
					Value:       float64(status),
					Timestamp:   p.Timestamp,
					Detail:      location,
				})
			}
		}
	}
}

// clientIP returns the first X-Forwarded-For hop, or src when the header is
// missing or its first hop is not an address.
func clientIP(msg *model.HTTPMessage, src netip.Addr) netip.Addr {
	first, _, _ := strings.Cut(msg.Header("x-forwarded-for"), ",")
	if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
		return addr.Unmap()
	}
	return src
}

func lbType(msg *model.HTTPMessage) string {
	_, xff := msg.Headers["x-forwarded-for"]
	_, trace := msg.Headers["x-amzn-trace-id"]
	_, proto := msg.Headers["x-forwarded-proto"]
	switch {
	case xff || trace:
		return "ALB"
	case proto:
		return "CLB"
	default:
		return "NLB"
	}
}

func (t *Tracker) put(tbl *pendingTable, rk model.RequestKey, ts time.Time) {
	if n := tbl.put(rk, ts); n > 0 {
		t.counters.PendingEvictions += uint64(n)
	}
}

func (t *Tracker) clearConnection(keys ...model.ConnectionKey) {
	for _, k := range keys {
		t.syn.clear(k)
		t.requests.clear(k)
		t.health.clear(k)
	}
}

// Expire removes every pending entry inserted more than timeout before now
// and updates the timeout counters in the same critical section.
func (t *Tracker) Expire(now time.Time, timeout time.Duration) []PendingEntry {
	cutoff := now.Add(-timeout)
	var expired []PendingEntry

	t.mu.Lock()
	defer t.mu.Unlock()
	t.syn.expire(cutoff, func(e PendingEntry) {
		t.counters.TCPErrors[TCPErrorSynTimeout]++
		t.counters.Timeouts[model.EventSynTimeout]++
		expired = append(expired, e)
	})
	t.requests.expire(cutoff, func(e PendingEntry) {
		t.counters.Timeouts[model.EventHTTPTimeout]++
		expired = append(expired, e)
	})
	t.health.expire(cutoff, func(e PendingEntry) {
		t.counters.Timeouts[model.EventHealthCheckTimeout]++
		t.counters.HealthCheckTimeouts++
		t.counters.HealthCheckFailures++
		expired = append(expired, e)
	})
	return expired
}

// Pending returns the number of entries of the given kind.
func (t *Tracker) Pending(kind PendingKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case SynAwaitingAck:
		return t.syn.len()
	case HTTPAwaitingResponse:
		return t.requests.len()
	case HealthCheckAwaitingResponse:
		return t.health.len()
	}
	return 0
}

// Record returns a copy of the record stored under key.
func (t *Tracker) Record(key model.ConnectionKey) (model.ConnectionRecord, bool) {
	s := t.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records.Peek(key)
	if !ok {
		return model.ConnectionRecord{}, false
	}
	return *rec, true
}

// Connections returns the number of tracked connection records.
func (t *Tracker) Connections() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += s.records.Len()
		s.mu.Unlock()
	}
	return n
}

// Counters returns a copy of the counters.
func (t *Tracker) Counters() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.counters.clone()
	c.ConnectionEvictions = t.connEvictions.Load()
	c.ClientIPs = t.clients.Len()
	c.TopClients = t.topClientsLocked(topClients)
	return c
}

// topClientsLocked runs with t.mu held.
func (t *Tracker) topClientsLocked(n int) []ClientCount {
	out := make([]ClientCount, 0, t.clients.Len())
	for _, ip := range t.clients.Keys() {
		count, _ := t.clients.Peek(ip)
		out = append(out, ClientCount{IP: ip.String(), Requests: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].IP < out[j].IP
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
