// Package eventstore persists attack events to ClickHouse or SQLite.
package eventstore

import (
	"sync"
	"sync/atomic"
	"time"

	core "LBTrafficGuard/internal/core/model"

	"github.com/charmbracelet/log"
)

// FlushFunc writes one batch of events.
type FlushFunc func(events []core.AttackEvent) error

// Batcher is an event sink that groups events and writes them from a
// background goroutine, when a batch fills up or every interval.
// HandleEvent never blocks; events that do not fit in the queue are counted.
type Batcher struct {
	name     string
	flush    FlushFunc
	size     int
	interval time.Duration

	queue   chan core.AttackEvent
	dropped atomic.Uint64
	failed  atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
}

// NewBatcher starts a batcher. name labels its logs and drop counts.
func NewBatcher(name string, flush FlushFunc, size int, interval time.Duration) *Batcher {
	size = max(size, 1)
	b := &Batcher{
		name:     name,
		flush:    flush,
		size:     size,
		interval: interval,
		queue:    make(chan core.AttackEvent, 4*size),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// HandleEvent implements model.EventSink.
func (b *Batcher) HandleEvent(ev core.AttackEvent) {
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
	}
}

func (b *Batcher) run() {
	defer b.wg.Done()
	var tick <-chan time.Time
	if b.interval > 0 {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]core.AttackEvent, 0, b.size)
	write := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.flush(batch); err != nil {
			b.failed.Add(uint64(len(batch)))
			log.Error("Failed to write events", "store", b.name, "events", len(batch), "err", err)
		}
		batch = make([]core.AttackEvent, 0, b.size)
	}

	for {
		select {
		case ev, ok := <-b.queue:
			if !ok {
				write()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= b.size {
				write()
			}
		case <-tick:
			write()
		}
	}
}

// Name returns the store name given to NewBatcher.
func (b *Batcher) Name() string { return b.name }

// Dropped returns the number of events rejected because the queue was full.
func (b *Batcher) Dropped() uint64 { return b.dropped.Load() }

// Failed returns the number of events whose batch could not be written.
func (b *Batcher) Failed() uint64 { return b.failed.Load() }

// Close writes everything still queued. HandleEvent must not be called
// after Close.
func (b *Batcher) Close() error {
	b.once.Do(func() {
		close(b.queue)
		b.wg.Wait()
	})
	return nil
}
