package conntrack

import (
	"net/netip"
	"testing"
	"time"

	"LBTrafficGuard/internal/config"
	"LBTrafficGuard/internal/core/model"
)

var t0 = time.Unix(1700000000, 0)

var (
	client = netip.MustParseAddr("203.0.113.10")
	server = netip.MustParseAddr("10.0.2.20")
)

func newTestTracker(t *testing.T, mutate func(*config.Config)) *Tracker {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	tr, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	return tr
}

func tcp(src, dst netip.Addr, sport, dport uint16, at time.Time, flags model.TCPFlags) *model.ParsedPacket {
	return &model.ParsedPacket{
		Timestamp: at,
		Length:    60,
		Protocol:  model.ProtocolTCP,
		SrcIP:     src,
		DstIP:     dst,
		SrcPort:   sport,
		DstPort:   dport,
		Flags:     flags,
		Window:    29200,
	}
}

func syn(at time.Time) *model.ParsedPacket {
	return tcp(client, server, 40000, 80, at, model.TCPFlags{SYN: true})
}

func synAck(at time.Time) *model.ParsedPacket {
	return tcp(server, client, 80, 40000, at, model.TCPFlags{SYN: true, ACK: true})
}

func httpPacket(src, dst netip.Addr, sport, dport uint16, at time.Time, msg *model.HTTPMessage) *model.ParsedPacket {
	p := tcp(src, dst, sport, dport, at, model.TCPFlags{ACK: true, PSH: true})
	p.Payload = []byte("x")
	p.HTTP = msg
	return p
}

func TestTracker_HandshakeEstablishes(t *testing.T) {
	tr := newTestTracker(t, nil)

	obs := tr.Observe(syn(t0))
	if !obs.NewConnection {
		t.Errorf("Expected SYN to report a new connection")
	}
	if tr.Pending(SynAwaitingAck) != 1 {
		t.Fatalf("Expected 1 pending SYN, but got %d", tr.Pending(SynAwaitingAck))
	}

	obs = tr.Observe(synAck(t0.Add(200 * time.Millisecond)))
	if obs.SlowHandshake {
		t.Errorf("A 200ms handshake must not be slow")
	}
	if obs.Handshake != 200*time.Millisecond {
		t.Errorf("Expected handshake latency 200ms, but got %v", obs.Handshake)
	}

	key := obs.Key.Reverse()
	rec, ok := tr.Record(key)
	if !ok {
		t.Fatalf("Expected a record for %s", key)
	}
	if rec.State != model.StateEstablished {
		t.Errorf("Expected ESTABLISHED, but got %s", rec.State)
	}
	if rec.Packets != 2 || rec.Bytes != 120 {
		t.Errorf("Expected 2 packets / 120 bytes, but got %d / %d", rec.Packets, rec.Bytes)
	}
	if tr.Pending(SynAwaitingAck) != 0 {
		t.Errorf("Expected the pending SYN to be removed")
	}
	if expired := tr.Expire(t0.Add(10*time.Second), 5*time.Second); len(expired) != 0 {
		t.Errorf("Expected no timeouts after a completed handshake, but got %d", len(expired))
	}
}

func TestTracker_SlowHandshake(t *testing.T) {
	tr := newTestTracker(t, nil)
	tr.Observe(syn(t0))
	if obs := tr.Observe(synAck(t0.Add(1500 * time.Millisecond))); !obs.SlowHandshake {
		t.Errorf("Expected a 1.5s handshake to be flagged slow")
	}
}

func TestTracker_PendingUniqueness(t *testing.T) {
	tr := newTestTracker(t, nil)
	tr.Observe(syn(t0))
	tr.Observe(syn(t0.Add(time.Second)))
	if n := tr.Pending(SynAwaitingAck); n != 1 {
		t.Fatalf("Expected a repeated SYN to replace its entry, but table holds %d", n)
	}

	// The replacement carries the newer timestamp.
	if expired := tr.Expire(t0.Add(5500*time.Millisecond), 5*time.Second); len(expired) != 0 {
		t.Errorf("Expected the refreshed entry to survive, but %d expired", len(expired))
	}

	req := &model.HTTPMessage{Kind: model.HTTPRequest, Method: "POST", Path: "/login", Headers: map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"}}
	tr.Observe(httpPacket(client, server, 40000, 80, t0, req))
	tr.Observe(httpPacket(client, server, 40000, 80, t0, req))
	if n := tr.Pending(HTTPAwaitingResponse); n != 1 {
		t.Errorf("Expected 1 pending request, but got %d", n)
	}
}

func TestTracker_RSTAndFINClearPending(t *testing.T) {
	tr := newTestTracker(t, nil)
	tr.Observe(syn(t0))
	obs := tr.Observe(tcp(server, client, 80, 40000, t0.Add(time.Millisecond), model.TCPFlags{RST: true, ACK: true}))
	if !obs.Reset {
		t.Errorf("Expected the RST to be reported")
	}
	if tr.Pending(SynAwaitingAck) != 0 {
		t.Errorf("Expected RST to clear pending entries of the reverse key")
	}
	if c := tr.Counters(); c.TCPErrors[TCPErrorRST] != 1 {
		t.Errorf("Expected 1 RST error, but got %d", c.TCPErrors[TCPErrorRST])
	}
	if _, ok := tr.Record(obs.Key.Reverse()); ok {
		t.Errorf("Expected the reset connection to be released")
	}

	req := &model.HTTPMessage{Kind: model.HTTPRequest, Method: "GET", Path: "/a", Headers: map[string]string{}}
	tr.Observe(httpPacket(client, server, 40001, 80, t0, req))
	tr.Observe(tcp(client, server, 40001, 80, t0.Add(time.Second), model.TCPFlags{FIN: true, ACK: true}))
	if tr.Pending(HTTPAwaitingResponse) != 0 {
		t.Errorf("Expected FIN to clear pending requests")
	}
}

func TestTracker_CloseStates(t *testing.T) {
	tr := newTestTracker(t, func(c *config.Config) { c.Tracker.KeepClosed = true })
	tr.Observe(syn(t0))
	tr.Observe(synAck(t0.Add(time.Millisecond)))
	key := model.ConnectionKey{SrcIP: client, SrcPort: 40000, DstIP: server, DstPort: 80}

	tr.Observe(tcp(client, server, 40000, 80, t0.Add(time.Second), model.TCPFlags{FIN: true, ACK: true}))
	if rec, _ := tr.Record(key); rec.State != model.StateClosing {
		t.Errorf("Expected CLOSING after the first FIN, but got %s", rec.State)
	}
	tr.Observe(tcp(server, client, 80, 40000, t0.Add(time.Second), model.TCPFlags{FIN: true, ACK: true}))
	if rec, _ := tr.Record(key); rec.State != model.StateClosed {
		t.Errorf("Expected CLOSED after both FINs, but got %s", rec.State)
	}
}

func TestTracker_ZeroWindowAndRetransmit(t *testing.T) {
	tr := newTestTracker(t, nil)
	p := syn(t0)
	p.Window = 0
	p.Seq = 77
	if obs := tr.Observe(p); !obs.ZeroWindow || obs.Retransmit {
		t.Errorf("Expected zero window and no retransmit, got %+v", obs)
	}
	if obs := tr.Observe(p); !obs.Retransmit {
		t.Errorf("Expected the repeated SYN to be flagged as a retransmit")
	}

	ack := tcp(client, server, 40000, 80, t0, model.TCPFlags{ACK: true})
	ack.Seq = 78
	tr.Observe(ack)
	if obs := tr.Observe(ack); obs.Retransmit {
		t.Errorf("Bare ACKs must not be signed")
	}

	c := tr.Counters()
	if c.TCPErrors[TCPErrorZeroWindow] != 2 || c.TCPErrors[TCPErrorRetransmit] != 1 || c.LoopsDetected != 1 {
		t.Errorf("Unexpected counters %+v", c.TCPErrors)
	}
}

func TestTracker_ZeroWindowSynAckNotFlagged(t *testing.T) {
	tr := newTestTracker(t, nil)
	p := synAck(t0)
	p.Window = 0
	if obs := tr.Observe(p); obs.ZeroWindow {
		t.Errorf("Expected a zero-window SYN+ACK not to be flagged")
	}
	if n := tr.Counters().TCPErrors[TCPErrorZeroWindow]; n != 0 {
		t.Errorf("Expected no zero-window errors, but got %d", n)
	}
}

func TestTracker_ClientIPs(t *testing.T) {
	tr := newTestTracker(t, func(c *config.Config) { c.Engine.MaxTrackedIPs = 2 })
	lb := netip.MustParseAddr("10.0.0.5")
	request := func(xff string) *model.HTTPMessage {
		headers := map[string]string{}
		if xff != "" {
			headers["x-forwarded-for"] = xff
		}
		return &model.HTTPMessage{Kind: model.HTTPRequest, Method: "GET", Path: "/api/orders", Headers: headers}
	}

	tr.Observe(httpPacket(lb, server, 50000, 8080, t0, request("203.0.113.9, 10.0.0.7")))
	tr.Observe(httpPacket(lb, server, 50001, 8080, t0, request("203.0.113.9")))
	tr.Observe(httpPacket(lb, server, 50002, 8080, t0, request("not-an-ip")))

	c := tr.Counters()
	if c.ClientIPs != 2 {
		t.Fatalf("Expected 2 tracked clients, but got %d", c.ClientIPs)
	}
	want := []ClientCount{{IP: "203.0.113.9", Requests: 2}, {IP: lb.String(), Requests: 1}}
	if len(c.TopClients) != 2 || c.TopClients[0] != want[0] || c.TopClients[1] != want[1] {
		t.Errorf("Expected top clients %+v, but got %+v", want, c.TopClients)
	}

	tr.Observe(httpPacket(lb, server, 50003, 8080, t0, request("198.51.100.4")))
	if c := tr.Counters(); c.ClientIPs != 2 || c.ClientIPEvictions != 1 {
		t.Errorf("Expected the client table capped at 2 with 1 eviction, but got %d and %d", c.ClientIPs, c.ClientIPEvictions)
	}
}

func TestTracker_HTTPHealthCheck(t *testing.T) {
	tr := newTestTracker(t, nil)
	lb := netip.MustParseAddr("10.0.0.5")
	check := &model.HTTPMessage{Kind: model.HTTPRequest, Method: "GET", Path: "/health",
		Headers: map[string]string{"user-agent": "ELB-HealthChecker/2.0"}}

	tr.Observe(httpPacket(lb, server, 50000, 8080, t0, check))
	if tr.Pending(HealthCheckAwaitingResponse) != 1 || tr.Pending(HTTPAwaitingResponse) != 1 {
		t.Fatalf("Expected a pending request and health check")
	}

	resp := &model.HTTPMessage{Kind: model.HTTPResponse, StatusCode: 503, Headers: map[string]string{}}
	obs := tr.Observe(httpPacket(server, lb, 8080, 50000, t0.Add(10*time.Millisecond), resp))
	if len(obs.Events) != 1 || obs.Events[0].Type != model.EventHealthCheckFailure {
		t.Fatalf("Expected one health check failure, got %+v", obs.Events)
	}
	if obs.Events[0].Source != lb.String() {
		t.Errorf("Expected failure attributed to the checker %s, but got %s", lb, obs.Events[0].Source)
	}
	if tr.Pending(HealthCheckAwaitingResponse) != 0 || tr.Pending(HTTPAwaitingResponse) != 0 {
		t.Errorf("Expected the response to clear pending entries")
	}

	c := tr.Counters()
	if c.HealthChecks != 1 || c.HealthCheckFailures != 1 || c.HTTPErrors[503] != 1 || c.LBErrors != 1 {
		t.Errorf("Unexpected counters %+v", c)
	}
}

func TestTracker_TCPHealthCheck(t *testing.T) {
	lb := netip.MustParseAddr("10.0.0.5")
	tr := newTestTracker(t, func(c *config.Config) { c.Parser.HealthCheckSources = []string{"10.0.0.0/24"} })

	tr.Observe(tcp(lb, server, 50001, 80, t0, model.TCPFlags{SYN: true}))
	if tr.Pending(HealthCheckAwaitingResponse) != 1 {
		t.Fatalf("Expected a pending TCP health check")
	}
	obs := tr.Observe(tcp(server, lb, 80, 50001, t0.Add(time.Millisecond), model.TCPFlags{RST: true, ACK: true}))
	if len(obs.Events) != 1 || obs.Events[0].Type != model.EventHealthCheckFailure {
		t.Errorf("Expected a refused TCP health check to fail, got %+v", obs.Events)
	}

	tr.Observe(tcp(lb, server, 50002, 80, t0, model.TCPFlags{SYN: true}))
	tr.Observe(tcp(server, lb, 80, 50002, t0.Add(time.Millisecond), model.TCPFlags{SYN: true, ACK: true}))
	if c := tr.Counters(); c.HealthCheckSuccess != 1 {
		t.Errorf("Expected 1 successful TCP health check, but got %d", c.HealthCheckSuccess)
	}
}

func TestTracker_RedirectAndProxyLoops(t *testing.T) {
	tr := newTestTracker(t, nil)
	redirect := &model.HTTPMessage{Kind: model.HTTPResponse, StatusCode: 301,
		Headers: map[string]string{"location": "https://example.com/"}}

	if obs := tr.Observe(httpPacket(server, client, 80, 40000, t0, redirect)); len(obs.Events) != 0 {
		t.Errorf("The first redirect is not a loop")
	}
	obs := tr.Observe(httpPacket(server, client, 80, 40000, t0.Add(time.Second), redirect))
	if len(obs.Events) != 1 || obs.Events[0].Type != model.EventRedirectLoop {
		t.Fatalf("Expected a redirect loop, got %+v", obs.Events)
	}
	if obs.Events[0].Source != client.String() {
		t.Errorf("Expected loop attributed to the client, but got %s", obs.Events[0].Source)
	}

	via := &model.HTTPMessage{Kind: model.HTTPRequest, Method: "GET", Path: "/x",
		Headers: map[string]string{"via": "1.1 a, 1.1 b, 1.1 c, 1.1 d, 1.1 e", "x-forwarded-for": "198.51.100.1"}}
	obs = tr.Observe(httpPacket(client, server, 40000, 80, t0, via))
	if len(obs.Events) != 1 || obs.Events[0].Type != model.EventProxyLoop || obs.Events[0].Value != 5 {
		t.Errorf("Expected a proxy loop with 5 hops, got %+v", obs.Events)
	}
	if c := tr.Counters(); c.LBTypes["ALB"] != 1 || c.LBTypes["NLB"] != 2 {
		t.Errorf("Unexpected LB type indicators %v", c.LBTypes)
	}
}

func TestTracker_Expire(t *testing.T) {
	tr := newTestTracker(t, nil)
	tr.Observe(syn(t0))

	if expired := tr.Expire(t0.Add(4*time.Second), 5*time.Second); len(expired) != 0 {
		t.Fatalf("Expected no timeout at t0+4s, but got %d", len(expired))
	}
	expired := tr.Expire(t0.Add(6*time.Second), 5*time.Second)
	if len(expired) != 1 || expired[0].Kind != SynAwaitingAck {
		t.Fatalf("Expected one SYN timeout at t0+6s, but got %+v", expired)
	}
	if !expired[0].InsertedAt.Equal(t0) || expired[0].Request.Conn.SrcIP != client {
		t.Errorf("Unexpected entry %+v", expired[0])
	}
	if again := tr.Expire(t0.Add(7*time.Second), 5*time.Second); len(again) != 0 {
		t.Errorf("Expired entries must be removed, got %d again", len(again))
	}
	c := tr.Counters()
	if c.TCPErrors[TCPErrorSynTimeout] != 1 || c.Timeouts[model.EventSynTimeout] != 1 {
		t.Errorf("Unexpected timeout counters %+v / %+v", c.TCPErrors, c.Timeouts)
	}
}

func TestTracker_PendingCapacity(t *testing.T) {
	tr := newTestTracker(t, func(c *config.Config) { c.Tracker.MaxPending = 10 })
	for i := 0; i < 25; i++ {
		tr.Observe(tcp(client, server, uint16(30000+i), 80, t0.Add(time.Duration(i)*time.Millisecond), model.TCPFlags{SYN: true}))
	}
	if n := tr.Pending(SynAwaitingAck); n != 10 {
		t.Errorf("Expected the table capped at 10, but got %d", n)
	}
	if c := tr.Counters(); c.PendingEvictions != 15 {
		t.Errorf("Expected 15 evictions, but got %d", c.PendingEvictions)
	}
}

func TestRing(t *testing.T) {
	r := newRing[int](3)
	for _, v := range []int{1, 2, 3} {
		if r.check(v) {
			t.Errorf("Value %d reported as seen", v)
		}
	}
	if !r.check(2) {
		t.Errorf("Expected 2 to be seen")
	}
	r.add(4) // overwrites 1
	if r.contains(1) || !r.contains(4) || r.len() != 3 {
		t.Errorf("Unexpected ring contents")
	}
}
