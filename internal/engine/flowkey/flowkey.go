// Package flowkey derives the identifiers used to correlate packets of one
// connection across both directions.
package flowkey

import (
	"encoding/binary"

	"LBTrafficGuard/internal/core/model"

	"github.com/cespare/xxhash/v2"
)

// Of returns the directional connection key of a TCP or UDP packet.
func Of(p *model.ParsedPacket) (model.ConnectionKey, bool) {
	if p == nil || (p.Protocol != model.ProtocolTCP && p.Protocol != model.ProtocolUDP) {
		return model.ConnectionKey{}, false
	}
	return model.ConnectionKey{SrcIP: p.SrcIP, SrcPort: p.SrcPort, DstIP: p.DstIP, DstPort: p.DstPort}, true
}

// Reverse returns the key of the opposite direction.
func Reverse(k model.ConnectionKey) model.ConnectionKey {
	return k.Reverse()
}

// Request returns the key correlating an HTTP request with its response.
// Two in-flight requests with the same method and path on one connection
// share a key; responses are not matched in pipelining order.
func Request(k model.ConnectionKey, method, path string) model.RequestKey {
	return model.RequestKey{Conn: k, Method: method, Path: path}
}

// Canonical returns the same key for both directions of a connection: the
// endpoint that sorts lower becomes the source.
func Canonical(k model.ConnectionKey) model.ConnectionKey {
	if c := k.SrcIP.Compare(k.DstIP); c > 0 || (c == 0 && k.SrcPort > k.DstPort) {
		return k.Reverse()
	}
	return k
}

// Hash returns a 64-bit hash of the key.
func Hash(k model.ConnectionKey) uint64 {
	var buf [36]byte
	src, dst := k.SrcIP.As16(), k.DstIP.As16()
	copy(buf[0:16], src[:])
	binary.BigEndian.PutUint16(buf[16:18], k.SrcPort)
	copy(buf[18:34], dst[:])
	binary.BigEndian.PutUint16(buf[34:36], k.DstPort)
	return xxhash.Sum64(buf[:])
}

// CanonicalHash hashes the direction-independent form of the key, so both
// directions of a connection land on the same worker.
func CanonicalHash(k model.ConnectionKey) uint64 {
	return Hash(Canonical(k))
}
