// Package manager wires the parser, tracker, detector, sweeper and stats
// aggregator into one pipeline and owns its goroutines.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/engine/conntrack"
	"LBTrafficGuard/internal/engine/detector"
	"LBTrafficGuard/internal/engine/flowkey"
	"LBTrafficGuard/internal/engine/protocol"
	"LBTrafficGuard/internal/engine/sweeper"
	"LBTrafficGuard/internal/model"
	"LBTrafficGuard/internal/stats"

	"github.com/charmbracelet/log"
)

// Options carries the collaborators of a Manager.
type Options struct {
	// Writers receive a stats snapshot every GetInterval and once more on Stop.
	Writers []model.Writer
	// Sinks receive every event exactly once, off the packet path.
	Sinks []model.EventSink
	// PacketClock makes packet timestamps the pipeline's notion of "now" and
	// drives detection and sweeping from them. Use it when replaying captures.
	PacketClock bool
}

// task is one unit of worker input. A task with a non-nil barrier carries
// no packet; the worker acknowledges it once everything before it is done.
type task struct {
	packet  *core.ParsedPacket
	barrier *sync.WaitGroup
}

// Manager orchestrates the analysis pipeline.
type Manager struct {
	parser   *protocol.Parser
	tracker  *conntrack.Tracker
	detector *detector.Engine
	sweeper  *sweeper.Sweeper
	stats    *stats.Aggregator
	writers  []model.Writer
	sinks    []model.EventSink

	// Ingestion and the per-worker queues. Workers are selected by the
	// direction-independent flow hash so each connection is handled in order.
	input      chan core.RawPacket
	queues     []chan task
	sampleRate uint64
	frames     uint64 // only touched by the dispatcher

	packetClock       bool
	latest            atomic.Int64 // newest packet timestamp, unix nanos
	detectionInterval time.Duration
	sweepInterval     time.Duration
	nextDetect        time.Time
	nextSweep         time.Time

	events chan core.AttackEvent

	mu      sync.RWMutex
	running bool
	stopped bool

	cancel        context.CancelFunc
	done          chan struct{}
	dispatchWg    sync.WaitGroup
	workerWg      sync.WaitGroup
	tickerWg      sync.WaitGroup
	eventWg       sync.WaitGroup
	snapshotterWg sync.WaitGroup
}

// New creates a new Manager.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	parser, err := protocol.NewParser(cfg.Parser)
	if err != nil {
		return nil, fmt.Errorf("failed to create parser: %w", err)
	}
	tracker, err := conntrack.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection tracker: %w", err)
	}

	m := &Manager{
		parser:            parser,
		tracker:           tracker,
		writers:           opts.Writers,
		sinks:             opts.Sinks,
		input:             make(chan core.RawPacket, cfg.Engine.SizeOfPacketChannel),
		sampleRate:        uint64(max(cfg.Engine.SampleRate, 1)),
		packetClock:       opts.PacketClock,
		detectionInterval: cfg.Engine.DetectionInterval,
		sweepInterval:     cfg.Engine.SweepInterval,
		events:            make(chan core.AttackEvent, cfg.Engine.EventQueueSize),
		done:              make(chan struct{}),
	}

	m.stats = stats.NewAggregator(cfg, tracker)
	emit := model.EventSinkFunc(m.emit)
	m.detector, err = detector.New(cfg, emit, m.Now)
	if err != nil {
		return nil, fmt.Errorf("failed to create detection engine: %w", err)
	}
	m.stats.SetEvictionSource(m.detector.Evictions)
	for _, s := range opts.Sinks {
		if r, ok := s.(model.DropReporter); ok {
			m.stats.AddSinkDropSource(r.Name(), r.Dropped)
		}
	}
	m.sweeper = sweeper.New(cfg, tracker, emit, m.Now)

	numWorkers := max(cfg.Engine.NumWorkers, 1)
	m.queues = make([]chan task, numWorkers)
	for i := range m.queues {
		m.queues[i] = make(chan task, max(cfg.Engine.SizeOfPacketChannel/numWorkers, 1))
	}
	return m, nil
}

// Start begins the dispatcher, the workers, the event fan-out, the periodic
// detector and sweeper, and one snapshotter per writer.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.stopped {
		return errors.New("manager already started")
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)

	m.eventWg.Add(1)
	go m.runEvents()

	m.workerWg.Add(len(m.queues))
	for _, q := range m.queues {
		go m.worker(q)
	}
	m.dispatchWg.Add(1)
	go m.dispatch()

	if !m.packetClock {
		m.tickerWg.Add(2)
		go func() {
			defer m.tickerWg.Done()
			m.detector.Run(ctx)
		}()
		go func() {
			defer m.tickerWg.Done()
			m.sweeper.Run(ctx)
		}()
	}

	for _, w := range m.writers {
		m.snapshotterWg.Add(1)
		go m.runSnapshotter(w)
		log.Info("Started snapshotter", "interval", w.GetInterval())
	}
	log.Info("Manager started", "workers", len(m.queues), "sample_rate", m.sampleRate, "packet_clock", m.packetClock)
	return nil
}

// Input returns the ingestion channel. Sends block when the pipeline is
// full. Senders must stop before Stop is called.
func (m *Manager) Input() chan<- core.RawPacket {
	return m.input
}

// Ingest offers one frame without blocking. It reports false, and counts
// the frame as dropped, when the pipeline is full or stopped.
func (m *Manager) Ingest(p core.RawPacket) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		m.stats.RecordDropped(1)
		return false
	}
	select {
	case m.input <- p:
		return true
	default:
		m.stats.RecordDropped(1)
		return false
	}
}

// Now is the pipeline clock: wall time, or the newest packet timestamp
// when running on packet time.
func (m *Manager) Now() time.Time {
	if m.packetClock {
		if ns := m.latest.Load(); ns != 0 {
			return time.Unix(0, ns)
		}
	}
	return time.Now()
}

// Stats returns the stats aggregator.
func (m *Manager) Stats() *stats.Aggregator { return m.stats }

// Tracker returns the connection tracker.
func (m *Manager) Tracker() *conntrack.Tracker { return m.tracker }

// Running reports whether the pipeline accepts packets.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running && !m.stopped
}

func (m *Manager) dispatch() {
	defer m.dispatchWg.Done()
	defer func() {
		for _, q := range m.queues {
			close(q)
		}
	}()

	for raw := range m.input {
		m.stats.RecordRaw(raw.Timestamp, len(raw.Data))
		if m.packetClock {
			m.advance(raw.Timestamp)
		}

		m.frames++
		if m.frames%m.sampleRate != 0 {
			continue
		}
		p, err := m.parser.Parse(raw.Data, raw.Timestamp)
		if err != nil {
			m.stats.RecordParseError()
			log.Debug("Failed to parse packet", "err", err)
			continue
		}
		idx := 0
		if key, ok := flowkey.Of(p); ok {
			idx = int(flowkey.CanonicalHash(key) % uint64(len(m.queues)))
		}
		m.queues[idx] <- task{packet: p}
	}
}

// advance moves packet time forward and runs every detection and sweep
// tick that packet time has passed. Workers are drained first so a tick
// sees every packet older than it.
func (m *Manager) advance(ts time.Time) {
	if ts.UnixNano() > m.latest.Load() {
		m.latest.Store(ts.UnixNano())
	}
	if m.nextDetect.IsZero() {
		m.nextDetect = ts.Add(m.detectionInterval)
		m.nextSweep = ts.Add(m.sweepInterval)
		return
	}

	due := m.detectionInterval > 0 && !ts.Before(m.nextDetect)
	sweepDue := m.sweepInterval > 0 && !ts.Before(m.nextSweep)
	if !due && !sweepDue {
		return
	}
	m.barrier()
	if due {
		m.detector.Tick(ts)
		for !ts.Before(m.nextDetect) {
			m.nextDetect = m.nextDetect.Add(m.detectionInterval)
		}
	}
	if sweepDue {
		m.sweeper.Sweep(ts)
		for !ts.Before(m.nextSweep) {
			m.nextSweep = m.nextSweep.Add(m.sweepInterval)
		}
	}
}

func (m *Manager) barrier() {
	var wg sync.WaitGroup
	wg.Add(len(m.queues))
	for _, q := range m.queues {
		q <- task{barrier: &wg}
	}
	wg.Wait()
}

func (m *Manager) worker(q <-chan task) {
	defer m.workerWg.Done()
	for t := range q {
		if t.barrier != nil {
			t.barrier.Done()
			continue
		}
		p := t.packet
		obs := m.tracker.Observe(p)
		m.detector.Record(p)
		m.stats.RecordPacket(p, obs.NewConnection)
		for _, ev := range obs.Events {
			m.emit(ev)
		}
	}
}

// emit records the event in the stats history and hands it to the sinks.
// It never blocks; events that do not fit in the queue are counted.
func (m *Manager) emit(ev core.AttackEvent) {
	if ev.Type.IsTimeout() {
		log.Info("Timeout", "type", ev.Type, "source", ev.Source, "destination", ev.Destination, "waited", ev.Value)
	} else {
		log.Warn("Attack detected", "type", ev.Type, "source", ev.Source, "value", ev.Value, "detail", ev.Detail)
	}
	m.stats.HandleEvent(ev)
	if len(m.sinks) == 0 {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.stats.RecordDroppedEvent()
	}
}

func (m *Manager) runEvents() {
	defer m.eventWg.Done()
	for ev := range m.events {
		for _, s := range m.sinks {
			s.HandleEvent(ev)
		}
	}
}

// runSnapshotter runs a dedicated snapshot loop for a single writer.
func (m *Manager) runSnapshotter(w model.Writer) {
	defer m.snapshotterWg.Done()
	interval := w.GetInterval()
	if interval <= 0 {
		log.Info("Snapshotter will only write on shutdown", "interval", interval)
		<-m.done
		m.writeSnapshot(w)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.writeSnapshot(w)
		case <-m.done:
			m.writeSnapshot(w)
			return
		}
	}
}

func (m *Manager) writeSnapshot(w model.Writer) {
	if err := w.Write(m.stats.Snapshot(m.Now())); err != nil {
		log.Error("Failed to write snapshot", "err", err)
	}
}

// Stop gracefully shuts down the manager. Buffered packets are analyzed,
// a final detection and sweep run, writers get a final snapshot and sinks
// that hold connections are closed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	log.Info("Manager stopping...")
	// 1. Stop accepting new packets and drain the workers.
	close(m.input)
	m.dispatchWg.Wait()
	m.workerWg.Wait()

	// 2. Stop the periodic tickers and run them one last time.
	m.cancel()
	m.tickerWg.Wait()
	now := m.Now()
	m.detector.Tick(now)
	m.sweeper.Sweep(now)

	// 3. Flush pending events to the sinks.
	close(m.events)
	m.eventWg.Wait()

	// 4. Final snapshot for every writer.
	close(m.done)
	m.snapshotterWg.Wait()

	for _, s := range m.sinks {
		if c, ok := s.(model.Closer); ok {
			if err := c.Close(); err != nil {
				log.Error("Failed to close event sink", "err", err)
			}
		}
	}
	log.Info("Manager stopped.")
}
