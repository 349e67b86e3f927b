// Package sweeper converts pending entries that never got a reply into
// timeout events, on a cadence independent of packet arrival.
package sweeper

import (
	"context"
	"net/netip"
	"time"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/engine/conntrack"
	"LBTrafficGuard/internal/model"

	"github.com/charmbracelet/log"
)

// Sweeper periodically expires the tracker's pending tables.
type Sweeper struct {
	tracker  *conntrack.Tracker
	sink     model.EventSink
	timeout  time.Duration
	interval time.Duration
	clock    func() time.Time
}

// New creates a sweeper delivering timeout events to sink. clock supplies
// "now" for each periodic sweep; nil means wall-clock time.
func New(cfg *config.Config, tracker *conntrack.Tracker, sink model.EventSink, clock func() time.Time) *Sweeper {
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{
		tracker:  tracker,
		sink:     sink,
		timeout:  cfg.Thresholds.Timeout,
		interval: cfg.Engine.SweepInterval,
		clock:    clock,
	}
}

// Sweep expires every entry older than the timeout as of now, delivers one
// event per expired entry and returns them.
func (s *Sweeper) Sweep(now time.Time) []core.AttackEvent {
	expired := s.tracker.Expire(now, s.timeout)
	if len(expired) == 0 {
		return nil
	}
	events := make([]core.AttackEvent, 0, len(expired))
	for _, e := range expired {
		ev := toEvent(e, now)
		events = append(events, ev)
		if s.sink != nil {
			s.sink.HandleEvent(ev)
		}
	}
	log.Debug("Sweep expired pending entries", "count", len(events))
	return events
}

func toEvent(e conntrack.PendingEntry, now time.Time) core.AttackEvent {
	conn := e.Request.Conn
	ev := core.AttackEvent{
		Source:      conn.SrcIP.String(),
		Destination: netip.AddrPortFrom(conn.DstIP, conn.DstPort).String(),
		Value:       now.Sub(e.InsertedAt).Seconds(),
		Timestamp:   now,
	}
	switch e.Kind {
	case conntrack.SynAwaitingAck:
		ev.Type = core.EventSynTimeout
		ev.Detail = conn.String()
	case conntrack.HTTPAwaitingResponse:
		ev.Type = core.EventHTTPTimeout
		ev.Detail = e.Request.String()
	case conntrack.HealthCheckAwaitingResponse:
		ev.Type = core.EventHealthCheckTimeout
		ev.Detail = e.Request.String()
	}
	return ev
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		log.Warn("Sweep interval is not positive, timeout sweeper will not run", "interval", s.interval)
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(s.clock())
		case <-ctx.Done():
			return
		}
	}
}
