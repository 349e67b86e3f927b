package model

import (
	"fmt"
	"net/netip"
	"time"
)

// Protocol is the transport protocol of a parsed packet.
type Protocol uint8

const (
	ProtocolOther Protocol = 0
	ProtocolTCP   Protocol = 6
	ProtocolUDP   Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return "other"
	}
}

// TCPFlags holds the control bits the analyzer cares about.
type TCPFlags struct {
	SYN bool
	ACK bool
	FIN bool
	RST bool
	PSH bool
}

// SynOnly reports a connection attempt: SYN set, ACK clear.
func (f TCPFlags) SynOnly() bool { return f.SYN && !f.ACK }

// SynAck reports the server side of a handshake.
func (f TCPFlags) SynAck() bool { return f.SYN && f.ACK }

// RawPacket is a captured frame as delivered by a capture source.
type RawPacket struct {
	Timestamp time.Time
	Data      []byte
}

// HTTPKind distinguishes requests from responses.
type HTTPKind uint8

const (
	HTTPRequest HTTPKind = iota + 1
	HTTPResponse
)

// HTTPMessage is the best-effort decoding of a plaintext HTTP payload.
// Header keys are lower-cased.
type HTTPMessage struct {
	Kind       HTTPKind
	Method     string
	Path       string
	Proto      string
	StatusCode int
	Headers    map[string]string
}

// Header returns a header value by lower-case name.
func (m *HTTPMessage) Header(name string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// ParsedPacket holds the metadata extracted from a single packet. When the
// packet arrived VXLAN-encapsulated the address, port and flag fields describe
// the inner packet and the outer pair is kept for reference.
type ParsedPacket struct {
	Timestamp time.Time
	Length    int
	Protocol  Protocol

	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16

	Flags  TCPFlags
	Seq    uint32
	Ack    uint32
	Window uint16

	Payload []byte
	HTTP    *HTTPMessage

	Encapsulated      bool
	OuterSrcIP        netip.Addr
	OuterDstIP        netip.Addr
	ExternalIP        netip.Addr
	AmbiguousEndpoint bool
}

// AttributionIP returns the address per-IP rules should charge this packet to.
// The zero Addr means the packet must only count toward global totals.
func (p *ParsedPacket) AttributionIP() netip.Addr {
	if !p.Encapsulated {
		return p.SrcIP
	}
	if p.AmbiguousEndpoint {
		return netip.Addr{}
	}
	return p.ExternalIP
}

// ConnectionKey identifies one direction of a connection.
type ConnectionKey struct {
	SrcIP   netip.Addr
	SrcPort uint16
	DstIP   netip.Addr
	DstPort uint16
}

// Reverse swaps source and destination.
func (k ConnectionKey) Reverse() ConnectionKey {
	return ConnectionKey{SrcIP: k.DstIP, SrcPort: k.DstPort, DstIP: k.SrcIP, DstPort: k.SrcPort}
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s->%s",
		netip.AddrPortFrom(k.SrcIP, k.SrcPort), netip.AddrPortFrom(k.DstIP, k.DstPort))
}

// RequestKey correlates an HTTP request with its response on one connection.
type RequestKey struct {
	Conn   ConnectionKey
	Method string
	Path   string
}

func (k RequestKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Conn, k.Method, k.Path)
}

// ConnState is the handshake/close state of a tracked connection.
type ConnState uint8

const (
	StateUnseen ConnState = iota
	StateSynSent
	StateEstablished
	StateClosing
	StateReset
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateReset:
		return "RESET"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNSEEN"
	}
}

// ConnectionRecord is the per-key state kept by the tracker.
type ConnectionRecord struct {
	Key      ConnectionKey
	State    ConnState
	SynAt    time.Time
	LastSeen time.Time
	Packets  uint64
	Bytes    uint64
	Errors   uint64
}
