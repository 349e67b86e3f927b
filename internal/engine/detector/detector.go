// Package detector evaluates the sliding-window counters against the
// configured thresholds on every tick.
package detector

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/engine/window"
	"LBTrafficGuard/internal/model"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	rateWindow  = time.Second
	burstWindow = 5 * time.Second
)

// Engine is the detection engine. Record feeds it parsed packets; Evaluate
// applies every rule once. Rules are independent and several may fire in
// the same tick. A condition that holds over several ticks fires once per
// tick; debouncing is left to consumers.
type Engine struct {
	th       config.ThresholdsConfig
	sink     model.EventSink
	interval time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	packets *window.Window[int64] // count and bytes
	syns    *window.Window[int64]
	acks    int64 // cumulative, never evicted
	udp     *window.Window[int64]
	conns   *window.Set[netip.Addr, int64]
	ports   *simplelru.LRU[netip.Addr, map[uint16]time.Time]
	portCap int
}

// New creates a detection engine. clock supplies "now" for periodic
// evaluation; nil means wall-clock time.
func New(cfg *config.Config, sink model.EventSink, clock func() time.Time) (*Engine, error) {
	if clock == nil {
		clock = time.Now
	}
	res := cfg.Engine.WindowResolution
	conns, err := window.NewSet[netip.Addr, int64](cfg.Engine.MaxTrackedIPs, burstWindow, res)
	if err != nil {
		return nil, fmt.Errorf("failed to create per-IP windows: %w", err)
	}
	ports, err := simplelru.NewLRU[netip.Addr, map[uint16]time.Time](cfg.Engine.MaxTrackedIPs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create port tracker: %w", err)
	}
	return &Engine{
		th:       cfg.Thresholds,
		sink:     sink,
		interval: cfg.Engine.DetectionInterval,
		clock:    clock,
		packets:  window.New[int64](burstWindow, res),
		syns:     window.New[int64](burstWindow, res),
		udp:      window.New[int64](burstWindow, res),
		conns:    conns,
		ports:    ports,
		portCap:  max(4*cfg.Thresholds.PortScanDistinctPorts, 256),
	}, nil
}

// Record adds one parsed packet to the windows.
func (e *Engine) Record(p *core.ParsedPacket) {
	ts := p.Timestamp
	ip := p.AttributionIP()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.packets.Add(ts, 1, int64(p.Length))
	attempt := false
	switch p.Protocol {
	case core.ProtocolTCP:
		switch {
		case p.Flags.SynOnly():
			e.syns.Inc(ts)
			attempt = true
		case p.Flags.ACK && !p.Flags.SYN:
			e.acks++
		}
	case core.ProtocolUDP:
		e.udp.Inc(ts)
		attempt = true
	}

	if !ip.IsValid() {
		return
	}
	if p.Protocol == core.ProtocolTCP && attempt {
		e.conns.Add(ip, ts, 1, 0)
	}
	if attempt && ip == p.SrcIP {
		e.recordPort(ip, p.DstPort, ts)
	}
}

func (e *Engine) recordPort(ip netip.Addr, port uint16, ts time.Time) {
	m, ok := e.ports.Get(ip)
	if !ok {
		m = make(map[uint16]time.Time)
		e.ports.Add(ip, m)
	}
	if _, seen := m[port]; !seen && len(m) >= e.portCap {
		cutoff := ts.Add(-burstWindow)
		for p, last := range m {
			if last.Before(cutoff) {
				delete(m, p)
			}
		}
		if len(m) >= e.portCap {
			return
		}
	}
	m[port] = ts
}

// Evaluate applies every rule as of now and returns the events that fired.
func (e *Engine) Evaluate(now time.Time) []core.AttackEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []core.AttackEvent
	fire := func(t core.EventType, source string, value float64, detail string) {
		events = append(events, core.AttackEvent{Type: t, Source: source, Value: value, Timestamp: now, Detail: detail})
	}

	// SYNs of the last 5s against every ACK seen so far. A zero ACK count
	// leaves the ratio undefined; the rule does not fire.
	syns, acks := e.syns.Count(now, burstWindow), e.acks
	if syns > int64(e.th.SynFloodMinSyns) && acks > 0 {
		if ratio := float64(syns) / float64(acks); ratio > e.th.SynAckRatio {
			fire(core.EventSynFlood, core.MultipleSources, float64(syns),
				fmt.Sprintf("syn=%d ack=%d ratio=%.1f", syns, acks, ratio))
		}
	}
	if n := e.udp.Count(now, rateWindow); n > int64(e.th.UDPPacketsPerSec) {
		fire(core.EventUDPFlood, core.MultipleSources, float64(n), "")
	}
	if n := e.packets.Count(now, rateWindow); n > int64(e.th.PacketsPerSec) {
		fire(core.EventPacketRateSpike, core.MultipleSources, float64(n), "")
	}
	if b := e.packets.Sum(now, rateWindow); b > e.th.BytesPerSec {
		fire(core.EventBandwidthSpike, core.MultipleSources, float64(b), "")
	}

	attackers := 0
	e.conns.Range(func(ip netip.Addr, w *window.Window[int64]) bool {
		if n := w.Count(now, rateWindow); n > int64(e.th.ConnectionsPerIPPerSec) {
			fire(core.EventConnectionFlood, ip.String(), float64(n), "")
		}
		if w.Count(now, burstWindow) > int64(e.th.MultiSourcePerIPConnections) {
			attackers++
		}
		return true
	})
	if attackers >= e.th.MultiSourceIPCount {
		fire(core.EventMultiSourceDDoS, core.MultipleSources, float64(attackers),
			fmt.Sprintf("%d sources above %d connections in %s", attackers, e.th.MultiSourcePerIPConnections, burstWindow))
	}

	cutoff := now.Add(-burstWindow)
	for _, ip := range e.ports.Keys() {
		m, _ := e.ports.Peek(ip)
		distinct := 0
		for p, last := range m {
			if last.Before(cutoff) {
				delete(m, p)
				continue
			}
			distinct++
		}
		if distinct > e.th.PortScanDistinctPorts {
			fire(core.EventPortScan, ip.String(), float64(distinct), "")
		}
		if len(m) == 0 {
			e.ports.Remove(ip)
		}
	}

	e.conns.Prune(now)
	return events
}

// Tick evaluates the rules and delivers the events to the sink.
func (e *Engine) Tick(now time.Time) []core.AttackEvent {
	events := e.Evaluate(now)
	if e.sink != nil {
		for _, ev := range events {
			e.sink.HandleEvent(ev)
		}
	}
	return events
}

// TrackedIPs returns the number of sources with live per-IP windows.
func (e *Engine) TrackedIPs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns.Len()
}

// Evictions returns how many per-IP windows were dropped at capacity.
func (e *Engine) Evictions() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns.Evictions()
}

// Run ticks every detection interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if e.interval <= 0 {
		log.Warn("Detection interval is not positive, detector will not run", "interval", e.interval)
		return
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Tick(e.clock())
		case <-ctx.Done():
			return
		}
	}
}
