package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lbguard"

// Collector exposes the aggregator as Prometheus metrics. Every scrape takes
// a fresh snapshot, so the exported values always agree with the API.
type Collector struct {
	agg   *Aggregator
	clock func() time.Time

	packets      *prometheus.Desc
	bytes        *prometheus.Desc
	packetRate   *prometheus.Desc
	byteRate     *prometheus.Desc
	connRate     *prometheus.Desc
	uniqueIPs    *prometheus.Desc
	protoPackets *prometheus.Desc
	parseErrors  *prometheus.Desc
	dropped      *prometheus.Desc
	sinkDropped  *prometheus.Desc
	tcpErrors    *prometheus.Desc
	timeouts     *prometheus.Desc
	httpErrors   *prometheus.Desc
	lbTypes      *prometheus.Desc
	healthChecks *prometheus.Desc
	loops        *prometheus.Desc
	evictions    *prometheus.Desc
	clientIPs    *prometheus.Desc
	attacks      *prometheus.Desc
}

// NewCollector creates a collector over agg. A nil clock means wall-clock time.
func NewCollector(agg *Aggregator, clock func() time.Time) *Collector {
	if clock == nil {
		clock = time.Now
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		agg:          agg,
		clock:        clock,
		packets:      desc("packets_total", "Frames received, sampled or not."),
		bytes:        desc("bytes_total", "Bytes received."),
		packetRate:   desc("packets_per_second", "Frames received over the last second."),
		byteRate:     desc("bytes_per_second", "Bytes received over the last second."),
		connRate:     desc("connections_per_second", "Connection attempts over the last second."),
		uniqueIPs:    desc("unique_source_ips", "Distinct source addresses seen, exact or estimated.", "exact"),
		protoPackets: desc("analyzed_packets_total", "Analyzed packets by transport.", "protocol"),
		parseErrors:  desc("parse_errors_total", "Frames that failed to decode."),
		dropped:      desc("dropped_total", "Items dropped under back-pressure.", "kind"),
		sinkDropped:  desc("sink_dropped_events_total", "Events a queued sink shed because it was full.", "sink"),
		tcpErrors:    desc("tcp_errors_total", "TCP anomalies by kind.", "kind"),
		timeouts:     desc("timeouts_total", "Expired pending entries by kind.", "kind"),
		httpErrors:   desc("http_errors_total", "HTTP error responses by status code.", "code"),
		lbTypes:      desc("lb_type_indicators_total", "Responses attributed to a load balancer kind.", "type"),
		healthChecks: desc("health_checks_total", "Health checks by outcome.", "outcome"),
		loops:        desc("loops_detected_total", "Redirect and proxy loops detected."),
		evictions:    desc("evictions_total", "Entries evicted from bounded tables.", "table"),
		clientIPs:    desc("client_ips", "Client addresses in the request table."),
		attacks:      desc("attack_events_total", "Attack events by type.", "type"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.packets, c.bytes, c.packetRate, c.byteRate, c.connRate, c.uniqueIPs,
		c.protoPackets, c.parseErrors, c.dropped, c.sinkDropped, c.tcpErrors, c.timeouts,
		c.httpErrors, c.lbTypes, c.healthChecks, c.loops, c.evictions, c.clientIPs, c.attacks,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.agg.Snapshot(c.clock())

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	byLabel := func(d *prometheus.Desc, m map[string]uint64) {
		for k, v := range m {
			counter(d, v, k)
		}
	}

	counter(c.packets, s.TotalPackets)
	counter(c.bytes, s.TotalBytes)
	gauge(c.packetRate, s.PacketsPerSec)
	gauge(c.byteRate, s.BytesPerSec)
	gauge(c.connRate, s.ConnectionsPerSec)
	exact := "false"
	if s.UniqueIPsExact {
		exact = "true"
	}
	gauge(c.uniqueIPs, float64(s.UniqueIPs), exact)

	counter(c.protoPackets, s.TCPPackets, "tcp")
	counter(c.protoPackets, s.UDPPackets, "udp")
	counter(c.protoPackets, s.OtherPackets, "other")
	counter(c.parseErrors, s.ParseErrors)
	counter(c.dropped, s.DroppedPackets, "packet")
	counter(c.dropped, s.DroppedEvents, "event")
	byLabel(c.sinkDropped, s.SinkDroppedEvents)

	byLabel(c.tcpErrors, s.TCPErrors)
	byLabel(c.timeouts, s.Timeouts)
	byLabel(c.httpErrors, s.HTTPErrors)
	byLabel(c.lbTypes, s.LBTypeIndicators)
	byLabel(c.attacks, s.AttackCounts)

	counter(c.healthChecks, s.HealthChecks.Success, "success")
	counter(c.healthChecks, s.HealthChecks.Failed, "failed")
	counter(c.healthChecks, s.HealthChecks.Timeouts, "timeout")
	counter(c.loops, s.LoopsDetected)

	counter(c.evictions, s.Evictions.Pending, "pending")
	counter(c.evictions, s.Evictions.Connections, "connections")
	counter(c.evictions, s.Evictions.TrackedIPs, "tracked_ips")
	counter(c.evictions, s.Evictions.ClientIPs, "client_ips")
	gauge(c.clientIPs, float64(s.ClientIPs.Tracked))
}
