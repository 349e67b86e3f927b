package detector

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
)

var t0 = time.Unix(1700000000, 0)

var target = netip.MustParseAddr("10.0.0.80")

func newTestEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return e
}

func packet(src string, dport uint16, at time.Time, flags core.TCPFlags) *core.ParsedPacket {
	return &core.ParsedPacket{
		Timestamp: at,
		Length:    60,
		Protocol:  core.ProtocolTCP,
		SrcIP:     netip.MustParseAddr(src),
		DstIP:     target,
		SrcPort:   40000,
		DstPort:   dport,
		Flags:     flags,
	}
}

func countTypes(events []core.AttackEvent) map[core.EventType]int {
	out := make(map[core.EventType]int)
	for _, e := range events {
		out[e.Type]++
	}
	return out
}

func TestEngine_SynFlood(t *testing.T) {
	e := newTestEngine(t, nil)
	for i := 0; i < 150; i++ {
		src := fmt.Sprintf("198.51.100.%d", i%50+1)
		e.Record(packet(src, 80, t0.Add(time.Duration(i)*30*time.Millisecond), core.TCPFlags{SYN: true}))
	}
	for j := 0; j < 10; j++ {
		e.Record(packet("192.0.2.1", 80, t0.Add(time.Duration(j)*400*time.Millisecond), core.TCPFlags{ACK: true}))
	}

	for _, at := range []time.Duration{4500 * time.Millisecond, 4600 * time.Millisecond} {
		events := e.Evaluate(t0.Add(at))
		if len(events) != 1 || events[0].Type != core.EventSynFlood {
			t.Fatalf("At t0+%v expected exactly one SYN flood, but got %+v", at, events)
		}
		if events[0].Source != core.MultipleSources || events[0].Value != 150 {
			t.Errorf("Unexpected event %+v", events[0])
		}
	}

	if events := e.Evaluate(t0.Add(11 * time.Second)); len(events) != 0 {
		t.Errorf("Expected no events after a quiet window, but got %+v", events)
	}
}

func TestEngine_SynFloodNeedsAcks(t *testing.T) {
	e := newTestEngine(t, nil)
	for i := 0; i < 150; i++ {
		e.Record(packet(fmt.Sprintf("198.51.100.%d", i%50+1), 80, t0.Add(time.Duration(i)*30*time.Millisecond), core.TCPFlags{SYN: true}))
	}
	if got := countTypes(e.Evaluate(t0.Add(4500 * time.Millisecond))); got[core.EventSynFlood] != 0 {
		t.Errorf("A zero ACK count must not trigger the ratio rule")
	}
}

func TestEngine_SynFloodUsesCumulativeAcks(t *testing.T) {
	e := newTestEngine(t, nil)
	for i := 0; i < 10000; i++ {
		e.Record(packet("192.0.2.1", 80, t0, core.TCPFlags{ACK: true}))
	}
	start := t0.Add(60 * time.Second)
	for i := 0; i < 150; i++ {
		e.Record(packet(fmt.Sprintf("198.51.100.%d", i%50+1), 80, start.Add(time.Duration(i)*20*time.Millisecond), core.TCPFlags{SYN: true}))
	}
	for j := 0; j < 10; j++ {
		e.Record(packet("192.0.2.1", 80, start.Add(time.Duration(j)*300*time.Millisecond), core.TCPFlags{ACK: true}))
	}
	if got := countTypes(e.Evaluate(start.Add(3 * time.Second))); got[core.EventSynFlood] != 0 {
		t.Errorf("Expected the ACK history to keep the ratio below threshold, but got %d SYN flood events", got[core.EventSynFlood])
	}
}

func TestEngine_ConnectionFloodIsolation(t *testing.T) {
	e := newTestEngine(t, nil)
	for i := 0; i < 150; i++ {
		e.Record(packet("203.0.113.1", 80, t0.Add(time.Duration(i)*6*time.Millisecond), core.TCPFlags{SYN: true}))
	}
	for i := 0; i < 5; i++ {
		e.Record(packet("203.0.113.2", 80, t0.Add(time.Duration(i)*100*time.Millisecond), core.TCPFlags{SYN: true}))
	}

	events := e.Evaluate(t0.Add(900 * time.Millisecond))
	if len(events) != 1 {
		t.Fatalf("Expected exactly one event, but got %+v", events)
	}
	ev := events[0]
	if ev.Type != core.EventConnectionFlood || ev.Source != "203.0.113.1" || ev.Value != 150 {
		t.Errorf("Expected a connection flood from 203.0.113.1, but got %+v", ev)
	}
}

func TestEngine_MultiSourceDDoS(t *testing.T) {
	e := newTestEngine(t, nil)
	for ip := 1; ip <= 50; ip++ {
		src := fmt.Sprintf("198.51.100.%d", ip)
		for i := 0; i < 60; i++ {
			e.Record(packet(src, 80, t0.Add(time.Duration(i)*66*time.Millisecond), core.TCPFlags{SYN: true}))
		}
	}

	events := e.Evaluate(t0.Add(4 * time.Second))
	if len(events) != 1 || events[0].Type != core.EventMultiSourceDDoS {
		t.Fatalf("Expected one multi-source DDoS event, but got %+v", events)
	}
	if events[0].Source != core.MultipleSources || events[0].Value != 50 {
		t.Errorf("Unexpected event %+v", events[0])
	}
}

func TestEngine_VolumeRules(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.Thresholds.PacketsPerSec = 1000
		c.Thresholds.BytesPerSec = 1_000_000
	})
	for i := 0; i < 1500; i++ {
		e.Record(&core.ParsedPacket{
			Timestamp: t0.Add(time.Duration(i) * 300 * time.Microsecond),
			Length:    1000,
			Protocol:  core.ProtocolUDP,
			SrcIP:     netip.MustParseAddr("203.0.113.9"),
			DstIP:     target,
			SrcPort:   5000,
			DstPort:   53,
		})
	}

	got := countTypes(e.Evaluate(t0.Add(500 * time.Millisecond)))
	want := map[core.EventType]int{core.EventUDPFlood: 1, core.EventPacketRateSpike: 1, core.EventBandwidthSpike: 1}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, but got %v", want, got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Expected %d %s events, but got %d", v, k, got[k])
		}
	}
}

func TestEngine_PortScan(t *testing.T) {
	e := newTestEngine(t, nil)
	for port := 0; port < 120; port++ {
		e.Record(packet("203.0.113.77", uint16(1000+port), t0.Add(time.Duration(port)*33*time.Millisecond), core.TCPFlags{SYN: true}))
	}
	events := e.Evaluate(t0.Add(4 * time.Second))
	if len(events) != 1 || events[0].Type != core.EventPortScan || events[0].Value != 120 {
		t.Fatalf("Expected one port scan over 120 ports, but got %+v", events)
	}
	if events := e.Evaluate(t0.Add(10 * time.Second)); len(events) != 0 {
		t.Errorf("Expected stale ports to expire, but got %+v", events)
	}
}

func TestEngine_AmbiguousPacketsStayGlobal(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) { c.Thresholds.PacketsPerSec = 100 })
	for i := 0; i < 150; i++ {
		p := packet("10.0.0.1", 80, t0.Add(time.Duration(i)*time.Millisecond), core.TCPFlags{SYN: true})
		p.Encapsulated = true
		p.AmbiguousEndpoint = true
		e.Record(p)
	}
	got := countTypes(e.Evaluate(t0.Add(200 * time.Millisecond)))
	if got[core.EventConnectionFlood] != 0 {
		t.Errorf("Ambiguous packets must not be attributed to a source")
	}
	if got[core.EventPacketRateSpike] != 1 {
		t.Errorf("Ambiguous packets must still count globally, got %v", got)
	}
	if e.TrackedIPs() != 0 {
		t.Errorf("Expected no per-IP windows, but got %d", e.TrackedIPs())
	}
}

func TestEngine_TickDeliversToSink(t *testing.T) {
	cfg := config.Default()
	var delivered []core.AttackEvent
	e, err := New(cfg, sinkFunc(func(ev core.AttackEvent) { delivered = append(delivered, ev) }), nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	for i := 0; i < 150; i++ {
		e.Record(packet("203.0.113.1", 80, t0.Add(time.Duration(i)*time.Millisecond), core.TCPFlags{SYN: true}))
	}
	events := e.Tick(t0.Add(200 * time.Millisecond))
	if len(events) == 0 || len(delivered) != len(events) {
		t.Errorf("Expected every event delivered once, got %d of %d", len(delivered), len(events))
	}
}

type sinkFunc func(core.AttackEvent)

func (f sinkFunc) HandleEvent(ev core.AttackEvent) { f(ev) }
