// Package alerter batches attack events and mails a consolidated summary
// on every check interval.
package alerter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/model"

	"github.com/charmbracelet/log"
	"github.com/gomarkdown/markdown"
)

// Alerter is an event sink that collects events between checks and sends one
// notification per check interval in which something fired.
type Alerter struct {
	notifier      model.Notifier
	checkInterval time.Duration
	maxEvents     int

	mu      sync.Mutex
	pending []core.AttackEvent
	counts  map[core.EventType]int
	omitted int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAlerter creates a new Alerter instance.
func NewAlerter(cfg config.AlerterConfig, notifier model.Notifier) (*Alerter, error) {
	if notifier == nil {
		return nil, fmt.Errorf("alerter requires a notifier")
	}
	if cfg.CheckInterval <= 0 {
		return nil, fmt.Errorf("invalid check_interval for alerter: %s", cfg.CheckInterval)
	}
	return &Alerter{
		notifier:      notifier,
		checkInterval: cfg.CheckInterval,
		maxEvents:     cfg.MaxEvents,
		counts:        make(map[core.EventType]int),
		stopChan:      make(chan struct{}),
	}, nil
}

// HandleEvent queues an event for the next summary. Only the first
// maxEvents events of an interval are listed; the rest are only counted.
func (a *Alerter) HandleEvent(ev core.AttackEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[ev.Type]++
	if a.maxEvents > 0 && len(a.pending) >= a.maxEvents {
		a.omitted++
		return
	}
	a.pending = append(a.pending, ev)
}

// Start begins the periodic flush loop.
func (a *Alerter) Start() {
	log.Info("Alerter started", "interval", a.checkInterval)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Flush()
			case <-a.stopChan:
				return
			}
		}
	}()
}

// Close stops the loop and sends whatever is still queued.
func (a *Alerter) Close() error {
	a.stopOnce.Do(func() {
		log.Info("Stopping Alerter...")
		close(a.stopChan)
	})
	a.wg.Wait()
	return a.Flush()
}

// Flush sends the summary of every queued event, if any.
func (a *Alerter) Flush() error {
	a.mu.Lock()
	events, counts, omitted := a.pending, a.counts, a.omitted
	a.pending, a.counts, a.omitted = nil, make(map[core.EventType]int), 0
	a.mu.Unlock()

	total := len(events) + omitted
	if total == 0 {
		return nil
	}

	body := markdown.ToHTML([]byte(Summary(events, counts, omitted)), nil, nil)
	subject := fmt.Sprintf("LBTrafficGuard Alert Summary (%d events)", total)
	if err := a.notifier.Send(subject, string(body)); err != nil {
		log.Error("Failed to send alert summary", "err", err)
		return err
	}
	log.Info("Alert summary sent", "events", total)
	return nil
}

// Summary renders the events of one interval as Markdown.
func Summary(events []core.AttackEvent, counts map[core.EventType]int, omitted int) string {
	var b strings.Builder
	b.WriteString("# LBTrafficGuard Alert Summary\n\n")

	types := make([]core.EventType, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	b.WriteString("| Type | Count |\n|---|---|\n")
	for _, t := range types {
		fmt.Fprintf(&b, "| %s | %d |\n", t, counts[t])
	}

	b.WriteString("\n## Events\n\n| Time | Type | Source | Destination | Value | Detail |\n|---|---|---|---|---|---|\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %.2f | %s |\n",
			ev.Timestamp.UTC().Format(time.RFC3339), ev.Type, ev.Source, ev.Destination, ev.Value,
			strings.ReplaceAll(ev.Detail, "|", "/"))
	}
	if omitted > 0 {
		fmt.Fprintf(&b, "\n%d more events were omitted.\n", omitted)
	}
	return b.String()
}
