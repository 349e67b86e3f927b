package probe

import (
	"context"
	"fmt"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
)

// Subscriber receives raw frames published by a probe. It implements
// model.PacketSource.
type Subscriber struct {
	nc      *nats.Conn
	subject string
	buffer  int
}

// NewSubscriber creates a new NATS subscriber.
func NewSubscriber(cfg config.ProbeConfig, buffer int) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("lg-engine"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS server", "url", cfg.NATSURL)
	return &Subscriber{nc: nc, subject: cfg.Subject, buffer: max(buffer, 1)}, nil
}

// ReadPackets subscribes to the subject and forwards decoded frames to out
// until ctx is cancelled.
func (s *Subscriber) ReadPackets(ctx context.Context, out chan<- core.RawPacket) error {
	msgs := make(chan *nats.Msg, s.buffer)
	sub, err := s.nc.ChanSubscribe(s.subject, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	defer sub.Unsubscribe()
	log.Info("Subscribed, waiting for packets", "subject", s.subject)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			p, err := DecodePacket(msg)
			if err != nil {
				log.Debug("Dropping malformed packet message", "err", err)
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Close closes the NATS connection.
func (s *Subscriber) Close() {
	if s.nc != nil {
		s.nc.Close()
		log.Info("NATS connection closed.")
	}
}
