package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	core "LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/packetgen"
	"LBTrafficGuard/pkg/pcap"

	"github.com/charmbracelet/log"
	"github.com/google/gopacket/layers"
)

const (
	lbIP      = "10.0.0.80"
	backend   = "10.0.1.20"
	lbPort    = 80
	mirrorSrc = "10.0.2.1"
	mirrorDst = "10.0.2.2"
)

// scenario appends frames to the capture, advancing the clock as it goes.
type scenario func(g *generator, count int)

var scenarios = map[string]scenario{
	"syn-flood":   synFlood,
	"udp-flood":   udpFlood,
	"handshake":   handshakes,
	"http":        httpExchanges,
	"vxlan":       vxlanMirror,
	"port-scan":   portScan,
	"syn-timeout": synTimeouts,
}

type generator struct {
	w   *pcap.Writer
	rnd *rand.Rand
	now time.Time
	n   int
}

func (g *generator) emit(frame []byte, gap time.Duration) {
	g.now = g.now.Add(gap)
	if err := g.w.WritePacket(core.RawPacket{Timestamp: g.now, Data: frame}); err != nil {
		log.Fatal("Failed to write packet", "err", err)
	}
	g.n++
	if g.n%100000 == 0 {
		log.Info("Generated packets", "count", g.n)
	}
}

func (g *generator) clientIP() string {
	return fmt.Sprintf("198.51.%d.%d", g.rnd.Intn(100), g.rnd.Intn(254)+1)
}

func synFlood(g *generator, count int) {
	for i := 0; i < count; i++ {
		g.emit(packetgen.MustTCP(packetgen.TCPSpec{
			SrcIP: g.clientIP(), DstIP: lbIP,
			SrcPort: uint16(g.rnd.Intn(60000) + 1024), DstPort: lbPort,
			Seq: g.rnd.Uint32(), Window: 64240, SYN: true,
		}), 500*time.Microsecond)
	}
}

func udpFlood(g *generator, count int) {
	payload := make([]byte, 512)
	g.rnd.Read(payload)
	src := g.clientIP()
	for i := 0; i < count; i++ {
		g.emit(packetgen.MustUDP(packetgen.UDPSpec{
			SrcIP: src, DstIP: lbIP,
			SrcPort: uint16(g.rnd.Intn(60000) + 1024), DstPort: 53,
			Payload: payload,
		}), 200*time.Microsecond)
	}
}

// handshake writes a three-way handshake, optionally followed by one
// request and its reply.
func (g *generator) handshake(client string, payload, reply []byte) {
	port := uint16(g.rnd.Intn(60000) + 1024)
	seq, srvSeq := g.rnd.Uint32(), g.rnd.Uint32()
	c := packetgen.TCPSpec{SrcIP: client, DstIP: lbIP, SrcPort: port, DstPort: lbPort, Window: 64240}
	s := packetgen.TCPSpec{SrcIP: lbIP, DstIP: client, SrcPort: lbPort, DstPort: port, Window: 65160}

	syn := c
	syn.Seq, syn.SYN = seq, true
	g.emit(packetgen.MustTCP(syn), time.Millisecond)

	synAck := s
	synAck.Seq, synAck.Ack, synAck.SYN, synAck.ACK = srvSeq, seq+1, true, true
	g.emit(packetgen.MustTCP(synAck), 2*time.Millisecond)

	ack := c
	ack.Seq, ack.Ack, ack.ACK = seq+1, srvSeq+1, true
	g.emit(packetgen.MustTCP(ack), time.Millisecond)

	if payload != nil {
		req := ack
		req.PSH, req.Payload = true, payload
		g.emit(packetgen.MustTCP(req), time.Millisecond)

		resp := s
		resp.Seq, resp.Ack, resp.ACK, resp.PSH, resp.Payload = srvSeq+1, seq+1+uint32(len(payload)), true, true, reply
		g.emit(packetgen.MustTCP(resp), 5*time.Millisecond)
	}
}

func handshakes(g *generator, count int) {
	for i := 0; i < count; i++ {
		g.handshake(g.clientIP(), nil, nil)
	}
}

func httpExchanges(g *generator, count int) {
	statuses := []int{200, 200, 200, 301, 404, 502, 503}
	for i := 0; i < count; i++ {
		req := packetgen.HTTPRequest("GET", fmt.Sprintf("/item/%d", g.rnd.Intn(50)), map[string]string{
			"Host":            "shop.example.com",
			"X-Forwarded-For": g.clientIP(),
		})
		status := statuses[g.rnd.Intn(len(statuses))]
		headers := map[string]string{"Content-Length": "0"}
		if status == 301 {
			headers["Location"] = "https://shop.example.com/"
		}
		g.handshake(g.clientIP(), req, packetgen.HTTPResponse(status, headers))
	}
}

func vxlanMirror(g *generator, count int) {
	for i := 0; i < count; i++ {
		inner := packetgen.MustTCP(packetgen.TCPSpec{
			SrcIP: g.clientIP(), DstIP: backend,
			SrcPort: uint16(g.rnd.Intn(60000) + 1024), DstPort: 8080,
			Seq: g.rnd.Uint32(), Window: 64240, SYN: true,
		})
		frame, err := packetgen.VXLAN(mirrorSrc, mirrorDst, 42, inner)
		if err != nil {
			log.Fatal("Failed to build VXLAN frame", "err", err)
		}
		g.emit(frame, time.Millisecond)
	}
}

func portScan(g *generator, count int) {
	src := g.clientIP()
	for i := 0; i < count; i++ {
		g.emit(packetgen.MustTCP(packetgen.TCPSpec{
			SrcIP: src, DstIP: lbIP,
			SrcPort: 61000, DstPort: uint16(1 + i%65535),
			Seq: g.rnd.Uint32(), Window: 1024, SYN: true,
		}), 2*time.Millisecond)
	}
}

// synTimeouts sends unanswered SYNs spaced out so every one times out.
func synTimeouts(g *generator, count int) {
	for i := 0; i < count; i++ {
		g.emit(packetgen.MustTCP(packetgen.TCPSpec{
			SrcIP: g.clientIP(), DstIP: lbIP,
			SrcPort: uint16(g.rnd.Intn(60000) + 1024), DstPort: lbPort,
			Seq: g.rnd.Uint32(), Window: 64240, SYN: true,
		}), 2*time.Second)
	}
}

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	packetCount := flag.Int("c", 1000, "Number of frames (or exchanges) to generate per scenario")
	name := flag.String("s", "syn-flood", "Scenario to generate, or 'all'")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatal("Failed to create output file", "err", err)
	}
	defer f.Close()

	w, err := pcap.NewWriter(f, layers.LinkTypeEthernet)
	if err != nil {
		log.Fatal("Failed to write pcap header", "err", err)
	}
	g := &generator{w: w, rnd: rand.New(rand.NewSource(*seed)), now: time.Unix(1700000000, 0)}

	var run []string
	if *name == "all" {
		run = []string{"handshake", "http", "syn-flood", "udp-flood", "port-scan", "vxlan", "syn-timeout"}
	} else if _, ok := scenarios[*name]; ok {
		run = []string{*name}
	} else {
		log.Fatal("Unknown scenario", "name", *name)
	}

	for _, s := range run {
		log.Info("Generating scenario", "scenario", s, "count", *packetCount)
		scenarios[s](g, *packetCount)
		// Quiet gap so consecutive scenarios land in separate windows.
		g.now = g.now.Add(3 * time.Second)
	}
	log.Info("Finished", "file", *outputFile, "packets", g.n)
}
