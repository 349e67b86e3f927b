// Package stats accumulates cumulative and windowed traffic counters and
// the most recent attack events, and exports them as immutable snapshots.
package stats

import (
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/engine/conntrack"
	"LBTrafficGuard/internal/engine/window"

	"github.com/axiomhq/hyperloglog"
)

const rateWindow = time.Second

// HealthCheckStats groups the health-check outcome counters.
type HealthCheckStats struct {
	Total    uint64 `json:"total"`
	Success  uint64 `json:"success"`
	Failed   uint64 `json:"failed"`
	Timeouts uint64 `json:"timeouts"`
}

// EvictionStats reports capacity pressure on the bounded tables.
type EvictionStats struct {
	Pending     uint64 `json:"pending"`
	Connections uint64 `json:"connections"`
	TrackedIPs  uint64 `json:"tracked_ips"`
	ClientIPs   uint64 `json:"client_ips"`
}

// ClientIPStats reports the per-client request table. A client is the first
// X-Forwarded-For hop, or the source address when there is none.
type ClientIPStats struct {
	Tracked int                     `json:"tracked"`
	Top     []conntrack.ClientCount `json:"top"`
}

// Snapshot is the read-only export consumed by dashboards, the metrics file
// and the API. It shares no memory with the aggregator.
type Snapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	TotalPackets      uint64    `json:"total_packets"`
	TotalBytes        uint64    `json:"total_bytes"`
	AnalyzedPackets   uint64    `json:"analyzed_packets"`
	PacketsPerSec     float64   `json:"packets_per_sec"`
	BytesPerSec       float64   `json:"bytes_per_sec"`
	ConnectionsPerSec float64   `json:"connections_per_sec"`
	UniqueIPs         uint64    `json:"unique_ips"`
	UniqueIPsExact    bool      `json:"unique_ips_exact"`

	SYNPackets          uint64 `json:"syn_packets"`
	TCPPackets          uint64 `json:"tcp_packets"`
	UDPPackets          uint64 `json:"udp_packets"`
	OtherPackets        uint64 `json:"other_packets"`
	HTTPMessages        uint64 `json:"http_messages"`
	EncapsulatedPackets uint64 `json:"encapsulated_packets"`
	AmbiguousPackets    uint64 `json:"ambiguous_packets"`
	ParseErrors         uint64 `json:"parse_errors"`
	DroppedPackets      uint64 `json:"dropped_packets"`
	DroppedEvents       uint64 `json:"dropped_events"`

	// SinkDroppedEvents counts events each queued sink shed, by sink name.
	SinkDroppedEvents map[string]uint64 `json:"sink_dropped_events"`

	TCPErrors        map[string]uint64 `json:"tcp_errors"`
	Timeouts         map[string]uint64 `json:"timeouts"`
	HTTPErrors       map[string]uint64 `json:"http_errors"`
	LBTypeIndicators map[string]uint64 `json:"lb_type_indicators"`
	HealthChecks     HealthCheckStats  `json:"health_checks"`
	LoopsDetected    uint64            `json:"loops_detected"`
	Evictions        EvictionStats     `json:"evictions"`
	ClientIPs        ClientIPStats     `json:"client_ips"`

	AttackCounts    map[string]uint64  `json:"attack_counts"`
	AttacksDetected []core.AttackEvent `json:"attacks_detected"`
}

// Aggregator is the stats aggregator. Ingestion and snapshots share one
// mutex; every critical section is bounded by the recent-events capacity.
type Aggregator struct {
	mu sync.Mutex

	totalPackets, totalBytes uint64
	analyzed                 uint64
	syn, tcp, udp, other     uint64
	http                     uint64
	encapsulated, ambiguous  uint64
	parseErrors, dropped     uint64
	droppedEvents            uint64

	tracker            *conntrack.Tracker
	trackedIPEvictions func() uint64
	sinkDrops          map[string]func() uint64

	packets *window.Window[int64] // count and bytes
	conns   *window.Window[int64]

	unique    map[netip.Addr]struct{}
	uniqueCap int
	sketch    *hyperloglog.Sketch

	recent        []core.AttackEvent
	recentNext    int
	recentFull    bool
	attackCounts  map[core.EventType]uint64
	attackSources map[string]uint64
}

// NewAggregator creates an aggregator. tracker may be nil, in which case the
// connection error and health counters stay empty.
func NewAggregator(cfg *config.Config, tracker *conntrack.Tracker) *Aggregator {
	return &Aggregator{
		tracker:       tracker,
		packets:       window.New[int64](rateWindow, cfg.Engine.WindowResolution),
		conns:         window.New[int64](rateWindow, cfg.Engine.WindowResolution),
		unique:        make(map[netip.Addr]struct{}),
		uniqueCap:     cfg.Stats.UniqueIPCap,
		sketch:        hyperloglog.New(),
		recent:        make([]core.AttackEvent, cfg.Stats.RecentEvents),
		attackCounts:  make(map[core.EventType]uint64),
		attackSources: make(map[string]uint64),
		sinkDrops:     make(map[string]func() uint64),
	}
}

// SetEvictionSource registers the function reporting per-IP window evictions.
func (a *Aggregator) SetEvictionSource(fn func() uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trackedIPEvictions = fn
}

// AddSinkDropSource registers the drop counter of a queued sink. A later
// registration under the same name replaces the earlier one.
func (a *Aggregator) AddSinkDropSource(name string, fn func() uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinkDrops[name] = fn
}

// RecordRaw counts a received frame, whether or not it is analyzed.
func (a *Aggregator) RecordRaw(ts time.Time, length int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalPackets++
	a.totalBytes += uint64(length)
	a.packets.Add(ts, 1, int64(length))
}

// RecordPacket counts an analyzed packet. newConn marks a connection attempt.
func (a *Aggregator) RecordPacket(p *core.ParsedPacket, newConn bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analyzed++
	switch p.Protocol {
	case core.ProtocolTCP:
		a.tcp++
		if p.Flags.SynOnly() {
			a.syn++
		}
	case core.ProtocolUDP:
		a.udp++
	default:
		a.other++
	}
	if p.HTTP != nil {
		a.http++
	}
	if p.Encapsulated {
		a.encapsulated++
	}
	if p.AmbiguousEndpoint {
		a.ambiguous++
	}
	if newConn {
		a.conns.Inc(p.Timestamp)
	}
	a.addUnique(p.SrcIP)
}

func (a *Aggregator) addUnique(ip netip.Addr) {
	if !ip.IsValid() {
		return
	}
	b := ip.AsSlice()
	a.sketch.Insert(b)
	if _, ok := a.unique[ip]; ok || len(a.unique) >= a.uniqueCap {
		return
	}
	a.unique[ip] = struct{}{}
}

// RecordParseError counts a frame that could not be decoded.
func (a *Aggregator) RecordParseError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parseErrors++
}

// RecordDropped counts frames dropped because the pipeline was full.
func (a *Aggregator) RecordDropped(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropped += n
}

// RecordDroppedEvent counts an event a slow sink could not take.
func (a *Aggregator) RecordDroppedEvent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.droppedEvents++
}

// HandleEvent appends an event to the bounded history.
func (a *Aggregator) HandleEvent(ev core.AttackEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attackCounts[ev.Type]++
	a.attackSources[ev.Source]++
	if len(a.recent) == 0 {
		return
	}
	a.recent[a.recentNext] = ev
	a.recentNext = (a.recentNext + 1) % len(a.recent)
	if a.recentNext == 0 {
		a.recentFull = true
	}
}

// recentLocked returns the retained events, oldest first.
func (a *Aggregator) recentLocked() []core.AttackEvent {
	if !a.recentFull {
		return append([]core.AttackEvent{}, a.recent[:a.recentNext]...)
	}
	out := make([]core.AttackEvent, 0, len(a.recent))
	out = append(out, a.recent[a.recentNext:]...)
	return append(out, a.recent[:a.recentNext]...)
}

// Recent returns up to limit of the newest events, oldest first. A
// non-positive limit returns all of them.
func (a *Aggregator) Recent(limit int) []core.AttackEvent {
	a.mu.Lock()
	events := a.recentLocked()
	a.mu.Unlock()
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

// SourceCount is the number of events attributed to one source.
type SourceCount struct {
	Source string `json:"source"`
	Events uint64 `json:"events"`
}

// TopSources returns the n sources with the most events since start.
func (a *Aggregator) TopSources(n int) []SourceCount {
	a.mu.Lock()
	out := make([]SourceCount, 0, len(a.attackSources))
	for s, c := range a.attackSources {
		out = append(out, SourceCount{Source: s, Events: c})
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Events != out[j].Events {
			return out[i].Events > out[j].Events
		}
		return out[i].Source < out[j].Source
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Snapshot returns the counters as of now. It does not modify any state, so
// two calls with the same now and no ingestion in between are identical.
func (a *Aggregator) Snapshot(now time.Time) Snapshot {
	var tc conntrack.Counters
	if a.tracker != nil {
		tc = a.tracker.Counters()
	}

	a.mu.Lock()
	s := Snapshot{
		Timestamp:           now,
		TotalPackets:        a.totalPackets,
		TotalBytes:          a.totalBytes,
		AnalyzedPackets:     a.analyzed,
		PacketsPerSec:       float64(a.packets.Count(now, rateWindow)),
		BytesPerSec:         float64(a.packets.Sum(now, rateWindow)),
		ConnectionsPerSec:   float64(a.conns.Count(now, rateWindow)),
		SYNPackets:          a.syn,
		TCPPackets:          a.tcp,
		UDPPackets:          a.udp,
		OtherPackets:        a.other,
		HTTPMessages:        a.http,
		EncapsulatedPackets: a.encapsulated,
		AmbiguousPackets:    a.ambiguous,
		ParseErrors:         a.parseErrors,
		DroppedPackets:      a.dropped,
		DroppedEvents:       a.droppedEvents,
		AttackCounts:        make(map[string]uint64, len(a.attackCounts)),
		AttacksDetected:     a.recentLocked(),
	}
	if len(a.unique) < a.uniqueCap {
		s.UniqueIPs, s.UniqueIPsExact = uint64(len(a.unique)), true
	} else {
		s.UniqueIPs = a.sketch.Estimate()
	}
	for t, c := range a.attackCounts {
		s.AttackCounts[string(t)] = c
	}
	evictions := a.trackedIPEvictions
	sinkDrops := make(map[string]func() uint64, len(a.sinkDrops))
	for name, fn := range a.sinkDrops {
		sinkDrops[name] = fn
	}
	a.mu.Unlock()

	if evictions != nil {
		s.Evictions.TrackedIPs = evictions()
	}
	s.SinkDroppedEvents = make(map[string]uint64, len(sinkDrops))
	for name, fn := range sinkDrops {
		s.SinkDroppedEvents[name] = fn()
	}
	s.applyTracker(tc)
	return s
}

func (s *Snapshot) applyTracker(tc conntrack.Counters) {
	s.TCPErrors = make(map[string]uint64, len(tc.TCPErrors))
	for k, v := range tc.TCPErrors {
		s.TCPErrors[string(k)] = v
	}
	s.Timeouts = make(map[string]uint64, len(tc.Timeouts))
	for k, v := range tc.Timeouts {
		s.Timeouts[string(k)] = v
	}
	s.HTTPErrors = make(map[string]uint64, len(tc.HTTPErrors))
	for k, v := range tc.HTTPErrors {
		s.HTTPErrors[strconv.Itoa(k)] = v
	}
	s.LBTypeIndicators = make(map[string]uint64, len(tc.LBTypes))
	for k, v := range tc.LBTypes {
		s.LBTypeIndicators[k] = v
	}
	s.HealthChecks = HealthCheckStats{
		Total:    tc.HealthChecks,
		Success:  tc.HealthCheckSuccess,
		Failed:   tc.HealthCheckFailures,
		Timeouts: tc.HealthCheckTimeouts,
	}
	s.LoopsDetected = tc.LoopsDetected
	s.Evictions.Pending = tc.PendingEvictions
	s.Evictions.Connections = tc.ConnectionEvictions
	s.Evictions.ClientIPs = tc.ClientIPEvictions
	s.ClientIPs = ClientIPStats{
		Tracked: tc.ClientIPs,
		Top:     append([]conntrack.ClientCount{}, tc.TopClients...),
	}
}
