// Package packetgen serializes synthetic Ethernet/IPv4 frames with gopacket.
// It backs the scenario generator in scripts/pcapgen and the package tests.
package packetgen

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	srcMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	dstMAC = net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA}
)

// TCPSpec describes one TCP segment.
type TCPSpec struct {
	SrcIP, DstIP     string
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Window           uint16
	SYN, ACK         bool
	FIN, RST, PSH    bool
	Payload          []byte
}

// UDPSpec describes one UDP datagram.
type UDPSpec struct {
	SrcIP, DstIP     string
	SrcPort, DstPort uint16
	Payload          []byte
}

var serializeOpts = gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

func ipv4(src, dst string, proto layers.IPProtocol) (*layers.IPv4, error) {
	s, d := net.ParseIP(src).To4(), net.ParseIP(dst).To4()
	if s == nil || d == nil {
		return nil, fmt.Errorf("invalid IPv4 pair %q -> %q", src, dst)
	}
	return &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: s, DstIP: d}, nil
}

func ethernet() *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
}

func serialize(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ls...); err != nil {
		return nil, fmt.Errorf("failed to serialize layers: %w", err)
	}
	return buf.Bytes(), nil
}

func tcpLayers(s TCPSpec) (*layers.IPv4, *layers.TCP, error) {
	ip, err := ipv4(s.SrcIP, s.DstIP, layers.IPProtocolTCP)
	if err != nil {
		return nil, nil, err
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort),
		DstPort: layers.TCPPort(s.DstPort),
		Seq:     s.Seq,
		Ack:     s.Ack,
		Window:  s.Window,
		SYN:     s.SYN,
		ACK:     s.ACK,
		FIN:     s.FIN,
		RST:     s.RST,
		PSH:     s.PSH,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, nil, err
	}
	return ip, tcp, nil
}

// TCP returns an Ethernet frame carrying the segment.
func TCP(s TCPSpec) ([]byte, error) {
	ip, tcp, err := tcpLayers(s)
	if err != nil {
		return nil, err
	}
	return serialize(ethernet(), ip, tcp, gopacket.Payload(s.Payload))
}

// TCPv4 returns the segment starting at the IPv4 header (no link layer).
func TCPv4(s TCPSpec) ([]byte, error) {
	ip, tcp, err := tcpLayers(s)
	if err != nil {
		return nil, err
	}
	return serialize(ip, tcp, gopacket.Payload(s.Payload))
}

// UDP returns an Ethernet frame carrying the datagram.
func UDP(s UDPSpec) ([]byte, error) {
	ip, err := ipv4(s.SrcIP, s.DstIP, layers.IPProtocolUDP)
	if err != nil {
		return nil, err
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(s.SrcPort), DstPort: layers.UDPPort(s.DstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	return serialize(ethernet(), ip, udp, gopacket.Payload(s.Payload))
}

// VXLAN wraps an inner Ethernet frame in a VXLAN/UDP datagram between the two
// outer addresses, the way VPC traffic mirroring delivers copies.
func VXLAN(outerSrc, outerDst string, vni uint32, inner []byte) ([]byte, error) {
	// I flag set, VNI in bytes 4..6.
	header := []byte{0x08, 0, 0, 0, byte(vni >> 16), byte(vni >> 8), byte(vni), 0}
	payload := append(header, inner...)
	return UDP(UDPSpec{SrcIP: outerSrc, DstIP: outerDst, SrcPort: 49152, DstPort: 4789, Payload: payload})
}

// HTTPRequest renders a minimal request with the given headers.
func HTTPRequest(method, path string, headers map[string]string) []byte {
	out := fmt.Sprintf("%s %s HTTP/1.1\r\n", method, path)
	for k, v := range headers {
		out += fmt.Sprintf("%s: %s\r\n", k, v)
	}
	return []byte(out + "\r\n")
}

// HTTPResponse renders a minimal response with the given headers.
func HTTPResponse(status int, headers map[string]string) []byte {
	out := fmt.Sprintf("HTTP/1.1 %d Status\r\n", status)
	for k, v := range headers {
		out += fmt.Sprintf("%s: %s\r\n", k, v)
	}
	return []byte(out + "\r\n")
}

// MustTCP is TCP for fixtures whose inputs are known to be valid.
func MustTCP(s TCPSpec) []byte {
	b, err := TCP(s)
	if err != nil {
		panic(err)
	}
	return b
}

// MustUDP is UDP for fixtures whose inputs are known to be valid.
func MustUDP(s UDPSpec) []byte {
	b, err := UDP(s)
	if err != nil {
		panic(err)
	}
	return b
}
