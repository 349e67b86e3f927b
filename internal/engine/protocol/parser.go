package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"LBTrafficGuard/internal/config"
	"LBTrafficGuard/internal/core/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	ethernetHeaderLen = 14
	ipv4MinHeaderLen  = 20
	tcpMinHeaderLen   = 20
	udpHeaderLen      = 8
	vxlanHeaderLen    = 8

	// VXLANPort is the IANA port for VXLAN, always treated as an overlay port.
	VXLANPort = 4789
)

// Parser decodes raw frames into model.ParsedPacket values. It holds only
// immutable configuration and is safe for concurrent use.
type Parser struct {
	ethernet   bool
	vxlanPorts map[uint16]struct{}
	internal   *CIDRSet
}

// NewParser builds a parser from the parser section of the configuration.
func NewParser(cfg config.ParserConfig) (*Parser, error) {
	internal, err := NewCIDRSet(cfg.InternalCIDRs)
	if err != nil {
		return nil, fmt.Errorf("failed to build internal CIDR set: %w", err)
	}
	ports := make(map[uint16]struct{}, len(cfg.VXLANPorts)+1)
	ports[VXLANPort] = struct{}{}
	for _, p := range cfg.VXLANPorts {
		ports[p] = struct{}{}
	}
	return &Parser{
		ethernet:   cfg.LinkType != "ipv4",
		vxlanPorts: ports,
		internal:   internal,
	}, nil
}

// Internal returns the configured internal address ranges.
func (p *Parser) Internal() *CIDRSet {
	return p.internal
}

// Parse decodes a single frame captured at ts. It never panics on malformed
// input; failures come back as a *ParseError wrapping one of the sentinel errors.
func (p *Parser) Parse(data []byte, ts time.Time) (*model.ParsedPacket, error) {
	if len(data) < ipv4MinHeaderLen {
		return nil, layerErr("packet", ErrTooShort)
	}
	pkt := &model.ParsedPacket{Timestamp: ts, Length: len(data)}

	ipData := data
	if p.ethernet {
		var err error
		if ipData, err = stripEthernet(data); err != nil {
			return nil, err
		}
	}

	if err := decodeNetwork(ipData, pkt); err != nil {
		return nil, err
	}

	if pkt.Protocol == model.ProtocolUDP {
		if _, ok := p.vxlanPorts[pkt.DstPort]; ok {
			p.unwrapVXLAN(pkt)
		}
	}

	if pkt.Protocol == model.ProtocolTCP && len(pkt.Payload) > 0 {
		pkt.HTTP = ParseHTTP(pkt.Payload)
	}
	return pkt, nil
}

// unwrapVXLAN replaces the outer view with the encapsulated packet when the
// inner frame decodes. On any inner failure the outer view is kept untouched.
func (p *Parser) unwrapVXLAN(pkt *model.ParsedPacket) {
	if len(pkt.Payload) < vxlanHeaderLen {
		return
	}
	decoded := gopacket.NewPacket(pkt.Payload, layers.LayerTypeVXLAN, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	vx, ok := decoded.Layer(layers.LayerTypeVXLAN).(*layers.VXLAN)
	if !ok || !vx.ValidIDFlag {
		return
	}
	innerIP, err := stripEthernet(vx.Payload)
	if err != nil {
		return
	}
	inner := &model.ParsedPacket{Timestamp: pkt.Timestamp, Length: pkt.Length}
	if err := decodeNetwork(innerIP, inner); err != nil {
		return
	}

	inner.Encapsulated = true
	inner.OuterSrcIP = pkt.SrcIP
	inner.OuterDstIP = pkt.DstIP

	srcInternal := p.internal.Contains(inner.SrcIP)
	dstInternal := p.internal.Contains(inner.DstIP)
	switch {
	case srcInternal && !dstInternal:
		inner.ExternalIP = inner.DstIP
	case dstInternal && !srcInternal:
		inner.ExternalIP = inner.SrcIP
	default:
		inner.AmbiguousEndpoint = true
	}
	*pkt = *inner
}

func stripEthernet(data []byte) ([]byte, error) {
	if len(data) < ethernetHeaderLen {
		return nil, layerErr("ethernet", ErrTooShort)
	}
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, layerErr("ethernet", fmt.Errorf("%w: %v", ErrMalformedHeader, err))
	}
	payload, ethType := eth.Payload, eth.EthernetType
	for ethType == layers.EthernetTypeDot1Q {
		var tag layers.Dot1Q
		if len(payload) < 4 {
			return nil, layerErr("dot1q", ErrTooShort)
		}
		if err := tag.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return nil, layerErr("dot1q", fmt.Errorf("%w: %v", ErrMalformedHeader, err))
		}
		payload, ethType = tag.Payload, tag.Type
	}
	if ethType != layers.EthernetTypeIPv4 {
		return nil, layerErr("ethernet", ErrNotIPv4)
	}
	return payload, nil
}

// decodeNetwork fills addresses, protocol and transport fields from an IPv4 packet.
func decodeNetwork(data []byte, pkt *model.ParsedPacket) error {
	if len(data) < ipv4MinHeaderLen {
		return layerErr("ipv4", ErrTooShort)
	}
	if data[0]>>4 != 4 {
		return layerErr("ipv4", ErrNotIPv4)
	}
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return layerErr("ipv4", fmt.Errorf("%w: %v", ErrMalformedHeader, err))
	}
	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
	pkt.SrcIP, pkt.DstIP = src, dst

	switch ip.Protocol {
	case layers.IPProtocolTCP:
		pkt.Protocol = model.ProtocolTCP
		return decodeTCP(ip.Payload, pkt)
	case layers.IPProtocolUDP:
		pkt.Protocol = model.ProtocolUDP
		return decodeUDP(ip.Payload, pkt)
	default:
		pkt.Protocol = model.ProtocolOther
		pkt.Payload = ip.Payload
		return nil
	}
}

func decodeTCP(data []byte, pkt *model.ParsedPacket) error {
	if len(data) < tcpMinHeaderLen {
		return layerErr("tcp", ErrTooShort)
	}
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		// Data offset past the buffer or broken options: the fixed header is
		// still usable, the payload is not.
		decodeTCPFixed(data, pkt)
		return nil
	}
	pkt.SrcPort = uint16(tcp.SrcPort)
	pkt.DstPort = uint16(tcp.DstPort)
	pkt.Seq = tcp.Seq
	pkt.Ack = tcp.Ack
	pkt.Window = tcp.Window
	pkt.Flags = model.TCPFlags{SYN: tcp.SYN, ACK: tcp.ACK, FIN: tcp.FIN, RST: tcp.RST, PSH: tcp.PSH}
	pkt.Payload = tcp.Payload
	return nil
}

func decodeTCPFixed(data []byte, pkt *model.ParsedPacket) {
	pkt.SrcPort = binary.BigEndian.Uint16(data[0:2])
	pkt.DstPort = binary.BigEndian.Uint16(data[2:4])
	pkt.Seq = binary.BigEndian.Uint32(data[4:8])
	pkt.Ack = binary.BigEndian.Uint32(data[8:12])
	flags := data[13]
	pkt.Flags = model.TCPFlags{
		FIN: flags&0x01 != 0,
		SYN: flags&0x02 != 0,
		RST: flags&0x04 != 0,
		PSH: flags&0x08 != 0,
		ACK: flags&0x10 != 0,
	}
	pkt.Window = binary.BigEndian.Uint16(data[14:16])
	pkt.Payload = nil
}

func decodeUDP(data []byte, pkt *model.ParsedPacket) error {
	if len(data) < udpHeaderLen {
		return layerErr("udp", ErrTooShort)
	}
	var udp layers.UDP
	if err := udp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return layerErr("udp", fmt.Errorf("%w: %v", ErrMalformedHeader, err))
	}
	pkt.SrcPort = uint16(udp.SrcPort)
	pkt.DstPort = uint16(udp.DstPort)
	pkt.Payload = udp.Payload
	return nil
}
