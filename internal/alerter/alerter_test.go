package alerter

import (
	"strings"
	"testing"
	"time"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
)

type captureNotifier struct {
	subjects []string
	bodies   []string
}

func (n *captureNotifier) Send(subject, body string) error {
	n.subjects = append(n.subjects, subject)
	n.bodies = append(n.bodies, body)
	return nil
}

func TestAlerter_FlushSendsOneSummary(t *testing.T) {
	n := &captureNotifier{}
	a, err := NewAlerter(config.AlerterConfig{Enabled: true, CheckInterval: time.Hour, MaxEvents: 2}, n)
	if err != nil {
		t.Fatalf("Failed to create alerter: %v", err)
	}

	ts := time.Unix(1700000000, 0)
	a.HandleEvent(core.AttackEvent{Type: core.EventSynFlood, Source: core.MultipleSources, Value: 150, Timestamp: ts})
	a.HandleEvent(core.AttackEvent{Type: core.EventPortScan, Source: "203.0.113.7", Value: 120, Timestamp: ts})
	a.HandleEvent(core.AttackEvent{Type: core.EventPortScan, Source: "203.0.113.8", Value: 130, Timestamp: ts})

	if err := a.Flush(); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}
	if len(n.subjects) != 1 {
		t.Fatalf("Expected 1 notification, but got %d", len(n.subjects))
	}
	if !strings.Contains(n.subjects[0], "3 events") {
		t.Errorf("Expected the subject to count 3 events, but got %q", n.subjects[0])
	}
	body := n.bodies[0]
	for _, want := range []string{"<table>", "203.0.113.7", "1 more events were omitted"} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected body to contain %q, but got:\n%s", want, body)
		}
	}
	if strings.Contains(body, "203.0.113.8") {
		t.Errorf("Expected the third event to be omitted from the listing")
	}

	if err := a.Flush(); err != nil || len(n.subjects) != 1 {
		t.Errorf("Expected an empty interval to send nothing, got %d notifications (err=%v)", len(n.subjects), err)
	}
}

func TestAlerter_CloseFlushes(t *testing.T) {
	n := &captureNotifier{}
	a, err := NewAlerter(config.AlerterConfig{Enabled: true, CheckInterval: time.Hour}, n)
	if err != nil {
		t.Fatalf("Failed to create alerter: %v", err)
	}
	a.Start()
	a.HandleEvent(core.AttackEvent{Type: core.EventSynTimeout, Source: "192.0.2.1", Timestamp: time.Unix(1700000000, 0)})
	if err := a.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if len(n.subjects) != 1 {
		t.Errorf("Expected the queued event to be sent on close, but got %d notifications", len(n.subjects))
	}
}

func TestNewAlerter_RequiresNotifier(t *testing.T) {
	if _, err := NewAlerter(config.AlerterConfig{CheckInterval: time.Minute}, nil); err == nil {
		t.Errorf("Expected an error without a notifier")
	}
}
