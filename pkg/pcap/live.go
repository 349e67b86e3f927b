package pcap

import (
	"context"
	"fmt"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"

	"github.com/charmbracelet/log"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// LiveSource captures frames from a network interface with libpcap.
type LiveSource struct {
	handle *pcap.Handle
}

// OpenLive opens the interface named in the probe configuration in
// promiscuous mode and applies the optional BPF filter.
func OpenLive(cfg config.ProbeConfig) (*LiveSource, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("no capture interface configured")
	}
	handle, err := pcap.OpenLive(cfg.Interface, cfg.SnapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("failed to open interface %s: %w", cfg.Interface, err)
	}
	if cfg.BPF != "" {
		if err := handle.SetBPFFilter(cfg.BPF); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set BPF filter %q: %w", cfg.BPF, err)
		}
	}
	log.Info("Capturing", "interface", cfg.Interface, "snaplen", cfg.SnapLen, "bpf", cfg.BPF)
	return &LiveSource{handle: handle}, nil
}

// LinkType returns the link type of the capture handle.
func (s *LiveSource) LinkType() layers.LinkType {
	return s.handle.LinkType()
}

// ReadPackets forwards captured frames to out until ctx is cancelled or the
// handle is closed.
func (s *LiveSource) ReadPackets(ctx context.Context, out chan<- core.RawPacket) error {
	src := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	packets := src.Packets()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet, ok := <-packets:
			if !ok {
				return nil
			}
			raw := core.RawPacket{Timestamp: packet.Metadata().Timestamp, Data: packet.Data()}
			select {
			case out <- raw:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Stats returns the kernel capture counters.
func (s *LiveSource) Stats() (*pcap.Stats, error) {
	return s.handle.Stats()
}

// Close closes the capture handle.
func (s *LiveSource) Close() {
	s.handle.Close()
}
