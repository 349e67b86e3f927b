package probe

import (
	"fmt"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
)

// EventPublisher is an event sink that publishes every event to NATS.
type EventPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewEventPublisher connects to the server named in the NATS sink config.
func NewEventPublisher(cfg config.NATSConfig) (*EventPublisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("lg-engine-events"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Publishing events to NATS", "url", cfg.URL, "subject", cfg.Subject)
	return &EventPublisher{nc: nc, subject: cfg.Subject}, nil
}

// HandleEvent implements model.EventSink.
func (p *EventPublisher) HandleEvent(ev core.AttackEvent) {
	data, err := EncodeEvent(ev)
	if err != nil {
		log.Error("Failed to encode event", "err", err)
		return
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		log.Error("Failed to publish event", "err", err)
	}
}

// Close flushes pending publishes and closes the connection.
func (p *EventPublisher) Close() error {
	return p.nc.Drain()
}

// SubscribeEvents calls handler for every event published on subject. The
// returned subscription stays active until unsubscribed or nc is closed.
func SubscribeEvents(nc *nats.Conn, subject string, handler func(core.AttackEvent)) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := DecodeEvent(msg.Data)
		if err != nil {
			log.Warn("Dropping malformed event", "err", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}
