// Package probe moves raw frames and attack events over NATS.
package probe

import (
	"fmt"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
)

// Publisher is responsible for publishing raw frames to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.ProbeConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("lg-probe"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS server", "url", cfg.NATSURL)
	return &Publisher{nc: nc, subject: cfg.Subject}, nil
}

// Publish sends one frame.
func (p *Publisher) Publish(pkt core.RawPacket) error {
	return p.nc.PublishMsg(PacketMsg(p.subject, pkt))
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			log.Error("Failed to drain NATS connection", "err", err)
		}
		log.Info("NATS connection drained and closed.")
	}
}
