// Package pcap provides packet sources backed by pcap files and live
// interfaces, and a pcap writer for recording raw frames.
package pcap

import (
	"context"
	"fmt"
	"io"
	"os"

	core "LBTrafficGuard/internal/core/model"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Reader reads packets from a pcap file.
type Reader struct {
	file   *os.File
	reader *pcapgo.Reader
}

// NewReader creates a new pcap reader for the given file path.
func NewReader(filePath string) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file: %w", err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	return &Reader{file: f, reader: r}, nil
}

// LinkType returns the link type recorded in the file header.
func (r *Reader) LinkType() layers.LinkType {
	return r.reader.LinkType()
}

// ParserLinkType maps the file's link type to the parser's link_type setting.
func (r *Reader) ParserLinkType() string {
	switch r.LinkType() {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return "ipv4"
	default:
		return "ethernet"
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadPackets sends every frame in the file to out, in file order, and
// returns nil at end of file. It does not close out.
func (r *Reader) ReadPackets(ctx context.Context, out chan<- core.RawPacket) error {
	for {
		data, ci, err := r.reader.ReadPacketData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}
		select {
		case out <- core.RawPacket{Timestamp: ci.Timestamp, Data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
