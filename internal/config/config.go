package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// ThresholdsConfig is the detection threshold snapshot. It is read once at
// startup and never modified afterwards.
type ThresholdsConfig struct {
	SynAckRatio                 float64       `yaml:"syn_ack_ratio"`
	SynFloodMinSyns             int           `yaml:"syn_flood_min_syns"`
	UDPPacketsPerSec            int           `yaml:"udp_packets_per_sec"`
	PacketsPerSec               int           `yaml:"packets_per_sec"`
	BytesPerSec                 int64         `yaml:"bytes_per_sec"`
	ConnectionsPerIPPerSec      int           `yaml:"connections_per_ip_per_sec"`
	MultiSourcePerIPConnections int           `yaml:"multi_source_per_ip_connections"`
	MultiSourceIPCount          int           `yaml:"multi_source_ip_count"`
	PortScanDistinctPorts       int           `yaml:"port_scan_distinct_ports"`
	Timeout                     time.Duration `yaml:"timeout"`
	SlowHandshake               time.Duration `yaml:"slow_handshake"`
}

// ParserConfig controls packet decoding.
type ParserConfig struct {
	LinkType           string   `yaml:"link_type"` // "ethernet" or "ipv4"
	VXLANPorts         []uint16 `yaml:"vxlan_ports"`
	InternalCIDRs      []string `yaml:"internal_cidrs"`
	HealthCheckSources []string `yaml:"health_check_sources"`
}

// TrackerConfig bounds the connection and pending tables.
type TrackerConfig struct {
	MaxConnections    int  `yaml:"max_connections"`
	MaxPending        int  `yaml:"max_pending"`
	SignatureRingSize int  `yaml:"signature_ring_size"`
	NumShards         int  `yaml:"num_shards"`
	KeepClosed        bool `yaml:"keep_closed"`
}

// EngineConfig holds the pipeline settings.
type EngineConfig struct {
	NumWorkers          int           `yaml:"num_workers"`
	SizeOfPacketChannel int           `yaml:"size_of_packet_channel"`
	SampleRate          int           `yaml:"sample_rate"`
	DetectionInterval   time.Duration `yaml:"detection_interval"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	WindowResolution    time.Duration `yaml:"window_resolution"`
	MaxTrackedIPs       int           `yaml:"max_tracked_ips"`
	EventQueueSize      int           `yaml:"event_queue_size"`
}

// StatsConfig controls the stats aggregator and the metrics file writer.
type StatsConfig struct {
	RecentEvents     int           `yaml:"recent_events"`
	UniqueIPCap      int           `yaml:"unique_ip_cap"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MetricsFile      string        `yaml:"metrics_file"`
}

// NATSConfig configures the NATS event sink.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ClickHouseConfig holds the configuration for the ClickHouse event sink.
type ClickHouseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// SQLiteConfig configures the local SQLite event store.
type SQLiteConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// SinksConfig groups the optional event sinks.
type SinksConfig struct {
	NATS       NATSConfig       `yaml:"nats"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
}

// AlerterConfig controls the consolidated alert e-mails.
type AlerterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`
	MaxEvents     int           `yaml:"max_events"`
}

// SMTPConfig holds the mail relay settings used by the alerter.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// APIConfig configures the stats HTTP API and the gRPC health endpoint.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	GRPCAddr   string `yaml:"grpc_addr"`
}

// ProbeConfig holds capture and NATS transport settings for raw packets.
type ProbeConfig struct {
	NATSURL   string `yaml:"nats_url"`
	Subject   string `yaml:"subject"`
	Interface string `yaml:"interface"`
	SnapLen   int32  `yaml:"snaplen"`
	BPF       string `yaml:"bpf"`
}

// LoggingConfig configures charmbracelet/log.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Parser     ParserConfig     `yaml:"parser"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Engine     EngineConfig     `yaml:"engine"`
	Stats      StatsConfig      `yaml:"stats"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Alerter    AlerterConfig    `yaml:"alerter"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	API        APIConfig        `yaml:"api"`
	Probe      ProbeConfig      `yaml:"probe"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
// Every default that had to be filled in is logged so a missing threshold is never
// silent.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	for _, name := range cfg.applyDefaults() {
		log.Info("Applied default", "setting", name)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration populated only with documented defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values and returns the names of the settings it touched.
func (c *Config) applyDefaults() []string {
	var applied []string
	setF := func(name string, v *float64, def float64) {
		if *v == 0 {
			*v = def
			applied = append(applied, name)
		}
	}
	setI := func(name string, v *int, def int) {
		if *v == 0 {
			*v = def
			applied = append(applied, name)
		}
	}
	setD := func(name string, v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
			applied = append(applied, name)
		}
	}
	setS := func(name string, v *string, def string) {
		if *v == "" {
			*v = def
			applied = append(applied, name)
		}
	}

	t := &c.Thresholds
	setF("thresholds.syn_ack_ratio", &t.SynAckRatio, 3.0)
	setI("thresholds.syn_flood_min_syns", &t.SynFloodMinSyns, 100)
	setI("thresholds.udp_packets_per_sec", &t.UDPPacketsPerSec, 1000)
	setI("thresholds.packets_per_sec", &t.PacketsPerSec, 5000)
	if t.BytesPerSec == 0 {
		t.BytesPerSec = 10_000_000
		applied = append(applied, "thresholds.bytes_per_sec")
	}
	setI("thresholds.connections_per_ip_per_sec", &t.ConnectionsPerIPPerSec, 100)
	setI("thresholds.multi_source_per_ip_connections", &t.MultiSourcePerIPConnections, 50)
	setI("thresholds.multi_source_ip_count", &t.MultiSourceIPCount, 50)
	setI("thresholds.port_scan_distinct_ports", &t.PortScanDistinctPorts, 100)
	setD("thresholds.timeout", &t.Timeout, 5*time.Second)
	setD("thresholds.slow_handshake", &t.SlowHandshake, time.Second)

	p := &c.Parser
	setS("parser.link_type", &p.LinkType, "ethernet")
	if len(p.VXLANPorts) == 0 {
		p.VXLANPorts = []uint16{4789}
		applied = append(applied, "parser.vxlan_ports")
	}
	if len(p.InternalCIDRs) == 0 {
		p.InternalCIDRs = []string{"10.0.0.0/8", "169.254.0.0/16"}
		applied = append(applied, "parser.internal_cidrs")
	}

	tr := &c.Tracker
	setI("tracker.max_connections", &tr.MaxConnections, 100_000)
	setI("tracker.max_pending", &tr.MaxPending, 10_000)
	setI("tracker.signature_ring_size", &tr.SignatureRingSize, 200)
	setI("tracker.num_shards", &tr.NumShards, 64)

	e := &c.Engine
	setI("engine.num_workers", &e.NumWorkers, 4)
	setI("engine.size_of_packet_channel", &e.SizeOfPacketChannel, 4096)
	setI("engine.sample_rate", &e.SampleRate, 1)
	setD("engine.detection_interval", &e.DetectionInterval, time.Second)
	setD("engine.sweep_interval", &e.SweepInterval, 2*time.Second)
	setD("engine.window_resolution", &e.WindowResolution, 10*time.Millisecond)
	setI("engine.max_tracked_ips", &e.MaxTrackedIPs, 50_000)
	setI("engine.event_queue_size", &e.EventQueueSize, 1024)

	s := &c.Stats
	setI("stats.recent_events", &s.RecentEvents, 500)
	setI("stats.unique_ip_cap", &s.UniqueIPCap, 100_000)
	setD("stats.snapshot_interval", &s.SnapshotInterval, 5*time.Second)

	if c.Sinks.NATS.Enabled {
		setS("sinks.nats.subject", &c.Sinks.NATS.Subject, "lbguard.events")
	}
	if c.Sinks.ClickHouse.Enabled {
		setI("sinks.clickhouse.batch_size", &c.Sinks.ClickHouse.BatchSize, 100)
		setD("sinks.clickhouse.flush_interval", &c.Sinks.ClickHouse.FlushInterval, 2*time.Second)
	}
	if c.Sinks.SQLite.Enabled {
		setS("sinks.sqlite.path", &c.Sinks.SQLite.Path, "lbguard-events.db")
		setI("sinks.sqlite.batch_size", &c.Sinks.SQLite.BatchSize, 100)
		setD("sinks.sqlite.flush_interval", &c.Sinks.SQLite.FlushInterval, 2*time.Second)
	}
	if c.Alerter.Enabled {
		setD("alerter.check_interval", &c.Alerter.CheckInterval, time.Minute)
		setI("alerter.max_events", &c.Alerter.MaxEvents, 50)
	}

	setS("probe.nats_url", &c.Probe.NATSURL, "nats://127.0.0.1:4222")
	setS("probe.subject", &c.Probe.Subject, "lbguard.packets.raw")
	if c.Probe.SnapLen == 0 {
		c.Probe.SnapLen = 65535
	}
	setS("logging.level", &c.Logging.Level, "info")

	return applied
}

func (c *Config) validate() error {
	t := c.Thresholds
	if t.SynAckRatio < 0 || t.SynFloodMinSyns < 0 || t.UDPPacketsPerSec < 0 ||
		t.PacketsPerSec < 0 || t.BytesPerSec < 0 || t.ConnectionsPerIPPerSec < 0 ||
		t.MultiSourcePerIPConnections < 0 || t.MultiSourceIPCount < 0 || t.PortScanDistinctPorts < 0 {
		return errors.New("thresholds must not be negative")
	}
	if t.Timeout < 0 || t.SlowHandshake < 0 {
		return errors.New("threshold durations must not be negative")
	}

	switch c.Parser.LinkType {
	case "ethernet", "ipv4":
	default:
		return fmt.Errorf("parser.link_type must be 'ethernet' or 'ipv4', got %q", c.Parser.LinkType)
	}
	for _, cidr := range append(append([]string{}, c.Parser.InternalCIDRs...), c.Parser.HealthCheckSources...) {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
	}

	tr := c.Tracker
	if tr.MaxConnections < 0 || tr.MaxPending < 0 || tr.NumShards < 0 || tr.SignatureRingSize < 0 {
		return errors.New("tracker capacities must not be negative")
	}
	e := c.Engine
	if e.NumWorkers < 0 || e.SampleRate < 0 || e.SizeOfPacketChannel < 0 ||
		e.MaxTrackedIPs < 0 || e.EventQueueSize < 0 {
		return errors.New("engine settings must not be negative")
	}
	if c.Stats.RecentEvents < 0 || c.Stats.UniqueIPCap < 0 || c.Stats.SnapshotInterval < 0 {
		return errors.New("stats settings must not be negative")
	}
	if c.Sinks.ClickHouse.BatchSize < 0 || c.Sinks.ClickHouse.FlushInterval < 0 ||
		c.Sinks.SQLite.BatchSize < 0 || c.Sinks.SQLite.FlushInterval < 0 {
		return errors.New("sink batch settings must not be negative")
	}
	if c.Alerter.MaxEvents < 0 || c.Alerter.CheckInterval < 0 {
		return errors.New("alerter settings must not be negative")
	}
	if c.Engine.DetectionInterval < 0 || c.Engine.SweepInterval < 0 || c.Engine.WindowResolution < 0 {
		return errors.New("engine intervals must not be negative")
	}

	if c.Sinks.NATS.Enabled && c.Sinks.NATS.URL == "" {
		return errors.New("sinks.nats.url is required when the NATS sink is enabled")
	}
	if c.Sinks.ClickHouse.Enabled && c.Sinks.ClickHouse.Host == "" {
		return errors.New("sinks.clickhouse.host is required when the ClickHouse sink is enabled")
	}
	if c.Alerter.Enabled && c.SMTP.Host == "" {
		return errors.New("smtp.host is required when the alerter is enabled")
	}
	return nil
}
