package stats

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/engine/conntrack"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
)

var t0 = time.Unix(1700000000, 0)

func tcpPacket(src string, at time.Time, flags core.TCPFlags) *core.ParsedPacket {
	return &core.ParsedPacket{
		Timestamp: at,
		Length:    60,
		Protocol:  core.ProtocolTCP,
		SrcIP:     netip.MustParseAddr(src),
		DstIP:     netip.MustParseAddr("10.0.0.80"),
		SrcPort:   40000,
		DstPort:   80,
		Flags:     flags,
	}
}

func TestAggregator_Counters(t *testing.T) {
	agg := NewAggregator(config.Default(), nil)
	for i := 0; i < 10; i++ {
		ts := t0.Add(time.Duration(i) * 50 * time.Millisecond)
		agg.RecordRaw(ts, 60)
		agg.RecordPacket(tcpPacket(fmt.Sprintf("192.0.2.%d", i%3+1), ts, core.TCPFlags{SYN: true}), true)
	}
	agg.RecordRaw(t0.Add(600*time.Millisecond), 100)
	agg.RecordParseError()
	agg.RecordDropped(4)

	s := agg.Snapshot(t0.Add(700 * time.Millisecond))
	if s.TotalPackets != 11 || s.TotalBytes != 700 {
		t.Errorf("Expected 11 packets and 700 bytes, but got %d and %d", s.TotalPackets, s.TotalBytes)
	}
	if s.AnalyzedPackets != 10 || s.SYNPackets != 10 || s.TCPPackets != 10 {
		t.Errorf("Unexpected protocol counters: %+v", s)
	}
	if s.PacketsPerSec != 11 || s.BytesPerSec != 700 || s.ConnectionsPerSec != 10 {
		t.Errorf("Unexpected rates: pps=%v bps=%v cps=%v", s.PacketsPerSec, s.BytesPerSec, s.ConnectionsPerSec)
	}
	if s.UniqueIPs != 3 || !s.UniqueIPsExact {
		t.Errorf("Expected 3 exact unique IPs, but got %d (exact=%v)", s.UniqueIPs, s.UniqueIPsExact)
	}
	if s.ParseErrors != 1 || s.DroppedPackets != 4 {
		t.Errorf("Expected 1 parse error and 4 drops, but got %d and %d", s.ParseErrors, s.DroppedPackets)
	}

	later := agg.Snapshot(t0.Add(5 * time.Second))
	if later.PacketsPerSec != 0 || later.TotalPackets != 11 {
		t.Errorf("Expected rates to decay and totals to stay, but got pps=%v total=%d", later.PacketsPerSec, later.TotalPackets)
	}
}

func TestAggregator_UniqueIPsFallBackToEstimate(t *testing.T) {
	cfg := config.Default()
	cfg.Stats.UniqueIPCap = 16
	agg := NewAggregator(cfg, nil)
	for i := 0; i < 200; i++ {
		agg.RecordPacket(tcpPacket(fmt.Sprintf("198.51.%d.%d", i/250, i%250+1), t0, core.TCPFlags{ACK: true}), false)
	}
	s := agg.Snapshot(t0)
	if s.UniqueIPsExact {
		t.Fatalf("Expected an estimate once the exact set is full")
	}
	if s.UniqueIPs < 180 || s.UniqueIPs > 220 {
		t.Errorf("Expected an estimate near 200, but got %d", s.UniqueIPs)
	}
}

func TestAggregator_RecentEventsBounded(t *testing.T) {
	cfg := config.Default()
	cfg.Stats.RecentEvents = 3
	agg := NewAggregator(cfg, nil)
	for i := 0; i < 5; i++ {
		agg.HandleEvent(core.AttackEvent{Type: core.EventPortScan, Source: "203.0.113.1", Value: float64(i), Timestamp: t0})
	}
	agg.HandleEvent(core.AttackEvent{Type: core.EventSynTimeout, Source: "203.0.113.2", Value: 6, Timestamp: t0})

	recent := agg.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("Expected 3 retained events, but got %d", len(recent))
	}
	if recent[0].Value != 3 || recent[2].Type != core.EventSynTimeout {
		t.Errorf("Expected the newest events oldest first, but got %+v", recent)
	}
	if got := agg.Recent(1); len(got) != 1 || got[0].Type != core.EventSynTimeout {
		t.Errorf("Expected only the newest event, but got %+v", got)
	}

	s := agg.Snapshot(t0)
	if s.AttackCounts[string(core.EventPortScan)] != 5 {
		t.Errorf("Expected 5 port scans counted, but got %d", s.AttackCounts[string(core.EventPortScan)])
	}
	top := agg.TopSources(1)
	if len(top) != 1 || top[0].Source != "203.0.113.1" || top[0].Events != 5 {
		t.Errorf("Unexpected top sources %+v", top)
	}
}

func TestAggregator_SnapshotIsPure(t *testing.T) {
	cfg := config.Default()
	tracker, err := conntrack.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	agg := NewAggregator(cfg, tracker)

	p := tcpPacket("192.0.2.10", t0, core.TCPFlags{SYN: true})
	obs := tracker.Observe(p)
	agg.RecordRaw(p.Timestamp, p.Length)
	agg.RecordPacket(p, obs.NewConnection)
	tracker.Expire(t0.Add(6*time.Second), cfg.Thresholds.Timeout)
	agg.HandleEvent(core.AttackEvent{Type: core.EventSynTimeout, Source: "192.0.2.10", Value: 6, Timestamp: t0})

	now := t0.Add(6 * time.Second)
	first := agg.Snapshot(now)
	second := agg.Snapshot(now)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Snapshots differ (-first +second):\n%s", diff)
	}
	if first.Timeouts[string(core.EventSynTimeout)] != 1 {
		t.Errorf("Expected one SYN timeout, but got %v", first.Timeouts)
	}

	first.AttacksDetected[0].Source = "mutated"
	first.Timeouts["x"] = 1
	third := agg.Snapshot(now)
	if diff := cmp.Diff(second, third); diff != "" {
		t.Errorf("Snapshot shares memory with the aggregator (-want +got):\n%s", diff)
	}
}

func TestAggregator_ClientIPsAndSinkDrops(t *testing.T) {
	cfg := config.Default()
	tracker, err := conntrack.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	agg := NewAggregator(cfg, tracker)

	p := tcpPacket("10.0.0.5", t0, core.TCPFlags{ACK: true, PSH: true})
	p.HTTP = &core.HTTPMessage{Kind: core.HTTPRequest, Method: "GET", Path: "/",
		Headers: map[string]string{"x-forwarded-for": "198.51.100.7, 10.0.0.5"}}
	tracker.Observe(p)

	var dropped uint64 = 3
	agg.AddSinkDropSource("sqlite", func() uint64 { return dropped })

	s := agg.Snapshot(t0)
	want := ClientIPStats{Tracked: 1, Top: []conntrack.ClientCount{{IP: "198.51.100.7", Requests: 1}}}
	if diff := cmp.Diff(want, s.ClientIPs); diff != "" {
		t.Errorf("Client IPs mismatch (-want +got):\n%s", diff)
	}
	if s.SinkDroppedEvents["sqlite"] != 3 {
		t.Errorf("Expected 3 sqlite drops, but got %v", s.SinkDroppedEvents)
	}
	dropped = 5
	if got := agg.Snapshot(t0).SinkDroppedEvents["sqlite"]; got != 5 {
		t.Errorf("Expected the drop count read at snapshot time, but got %d", got)
	}
}

func TestCollector_Collect(t *testing.T) {
	agg := NewAggregator(config.Default(), nil)
	agg.AddSinkDropSource("clickhouse", func() uint64 { return 2 })
	agg.RecordRaw(t0, 60)
	agg.HandleEvent(core.AttackEvent{Type: core.EventPortScan, Source: "203.0.113.1", Timestamp: t0})

	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(agg, func() time.Time { return t0 })); err != nil {
		t.Fatalf("Failed to register collector: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			v := m.GetGauge().GetValue() + m.GetCounter().GetValue()
			values[mf.GetName()] += v
		}
	}
	if values["lbguard_packets_total"] != 1 {
		t.Errorf("Expected lbguard_packets_total 1, but got %v", values["lbguard_packets_total"])
	}
	if values["lbguard_bytes_per_second"] != 60 {
		t.Errorf("Expected lbguard_bytes_per_second 60, but got %v", values["lbguard_bytes_per_second"])
	}
	if values["lbguard_attack_events_total"] != 1 {
		t.Errorf("Expected lbguard_attack_events_total 1, but got %v", values["lbguard_attack_events_total"])
	}
	if values["lbguard_sink_dropped_events_total"] != 2 {
		t.Errorf("Expected lbguard_sink_dropped_events_total 2, but got %v", values["lbguard_sink_dropped_events_total"])
	}
}
