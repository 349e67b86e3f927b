package flowkey

import (
	"encoding/binary"
	"hash/crc32"
	"math/rand"
	"net/netip"
	"testing"

	"LBTrafficGuard/internal/core/model"
)

func randomKeys(n int) []model.ConnectionKey {
	rnd := rand.New(rand.NewSource(1))
	keys := make([]model.ConnectionKey, n)
	for i := range keys {
		var src, dst [4]byte
		binary.BigEndian.PutUint32(src[:], rnd.Uint32())
		binary.BigEndian.PutUint32(dst[:], rnd.Uint32())
		keys[i] = model.ConnectionKey{
			SrcIP: netip.AddrFrom4(src), SrcPort: uint16(rnd.Intn(65536)),
			DstIP: netip.AddrFrom4(dst), DstPort: uint16(rnd.Intn(65536)),
		}
	}
	return keys
}

// Workers are picked by CanonicalHash modulo the worker count, so a skewed
// hash would overload one worker.
func TestCanonicalHash_Spread(t *testing.T) {
	const workers = 8
	keys := randomKeys(80_000)
	var buckets [workers]int
	for _, k := range keys {
		buckets[CanonicalHash(k)%workers]++
	}
	want := len(keys) / workers
	for i, n := range buckets {
		if n < want*9/10 || n > want*11/10 {
			t.Errorf("Expected bucket %d near %d keys, but got %d", i, want, n)
		}
	}
}

func TestCanonicalHash_DirectionIndependent(t *testing.T) {
	for _, k := range randomKeys(1000) {
		if CanonicalHash(k) != CanonicalHash(k.Reverse()) {
			t.Fatalf("Expected both directions of %s to hash alike", k)
		}
	}
}

var sink uint64

func BenchmarkHash(b *testing.B) {
	keys := randomKeys(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sink = Hash(keys[i%len(keys)])
	}
}

func BenchmarkCanonicalHash(b *testing.B) {
	keys := randomKeys(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sink = CanonicalHash(keys[i%len(keys)])
	}
}

// BenchmarkCRC32Key is the baseline Hash is measured against.
func BenchmarkCRC32Key(b *testing.B) {
	keys := randomKeys(1024)
	var buf [36]byte
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := keys[i%len(keys)]
		src, dst := k.SrcIP.As16(), k.DstIP.As16()
		copy(buf[0:16], src[:])
		binary.BigEndian.PutUint16(buf[16:18], k.SrcPort)
		copy(buf[18:34], dst[:])
		binary.BigEndian.PutUint16(buf[34:36], k.DstPort)
		sink = uint64(crc32.ChecksumIEEE(buf[:]))
	}
}
