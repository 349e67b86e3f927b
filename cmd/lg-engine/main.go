package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"LBTrafficGuard/internal/alerter"
	"LBTrafficGuard/internal/api"
	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/engine/manager"
	"LBTrafficGuard/internal/eventstore"
	"LBTrafficGuard/internal/model"
	"LBTrafficGuard/internal/notification"
	"LBTrafficGuard/internal/probe"
	"LBTrafficGuard/internal/snapshot"
	"LBTrafficGuard/internal/stats"
	"LBTrafficGuard/pkg/pcap"

	"github.com/charmbracelet/log"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	source := flag.String("source", "nats", "Packet source: 'nats' (frames from lg-probe), 'live' (capture on probe.interface) or 'pcap'.")
	pcapFile := flag.String("pcap", "", "Capture file to replay when -source=pcap.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load config", "err", err)
	}
	if err := cfg.Logging.Apply(); err != nil {
		log.Fatal("Failed to configure logging", "err", err)
	}
	log.Info("Starting lg-engine", "source", *source)

	src, closeSource, err := openSource(cfg, *source, *pcapFile)
	if err != nil {
		log.Fatal("Failed to open packet source", "err", err)
	}
	defer closeSource()

	sinks, err := buildSinks(cfg)
	if err != nil {
		log.Fatal("Failed to create event sinks", "err", err)
	}
	var writers []model.Writer
	if cfg.Stats.MetricsFile != "" {
		w, err := snapshot.NewFileWriter(cfg.Stats.MetricsFile, cfg.Stats.SnapshotInterval)
		if err != nil {
			log.Fatal("Failed to create metrics file writer", "err", err)
		}
		writers = append(writers, w)
	}

	mgr, err := manager.New(cfg, manager.Options{
		Writers:     writers,
		Sinks:       sinks,
		PacketClock: *source == "pcap",
	})
	if err != nil {
		log.Fatal("Failed to create manager", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := mgr.Start(ctx); err != nil {
		log.Fatal("Failed to start manager", "err", err)
	}

	apiDone := make(chan struct{})
	if cfg.API.ListenAddr != "" {
		srv, err := api.NewServer(cfg.API, mgr.Stats(), stats.NewCollector(mgr.Stats(), mgr.Now), mgr.Now, mgr.Running)
		if err != nil {
			log.Fatal("Failed to create API server", "err", err)
		}
		go func() {
			defer close(apiDone)
			if err := srv.Serve(ctx); err != nil {
				log.Error("API server stopped", "err", err)
			}
		}()
	} else {
		close(apiDone)
	}

	if *source == "pcap" {
		err = src.ReadPackets(ctx, mgr.Input())
	} else {
		err = pump(ctx, src, mgr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Packet source failed", "err", err)
	}

	log.Info("Shutting down...")
	mgr.Stop()
	stop()
	<-apiDone
	log.Info("Shutdown complete.")
}

// pump feeds a live source through Ingest so a slow pipeline drops and
// counts frames instead of stalling the capture.
func pump(ctx context.Context, src model.PacketSource, mgr *manager.Manager) error {
	ch := make(chan core.RawPacket, 1024)
	errc := make(chan error, 1)
	go func() {
		defer close(ch)
		errc <- src.ReadPackets(ctx, ch)
	}()
	for p := range ch {
		mgr.Ingest(p)
	}
	return <-errc
}

func openSource(cfg *config.Config, kind, pcapFile string) (model.PacketSource, func(), error) {
	switch kind {
	case "nats":
		sub, err := probe.NewSubscriber(cfg.Probe, cfg.Engine.SizeOfPacketChannel)
		if err != nil {
			return nil, nil, err
		}
		return sub, sub.Close, nil
	case "live":
		live, err := pcap.OpenLive(cfg.Probe)
		if err != nil {
			return nil, nil, err
		}
		return live, live.Close, nil
	case "pcap":
		r, err := pcap.NewReader(pcapFile)
		if err != nil {
			return nil, nil, err
		}
		cfg.Parser.LinkType = r.ParserLinkType()
		return r, func() { r.Close() }, nil
	default:
		return nil, nil, errors.New("unknown source " + kind)
	}
}

func buildSinks(cfg *config.Config) ([]model.EventSink, error) {
	var sinks []model.EventSink
	if cfg.Sinks.NATS.Enabled {
		p, err := probe.NewEventPublisher(cfg.Sinks.NATS)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, p)
	}
	if cfg.Sinks.ClickHouse.Enabled {
		s, err := eventstore.NewClickHouseStore(cfg.Sinks.ClickHouse)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Sinks.SQLite.Enabled {
		s, err := eventstore.NewSQLiteStore(cfg.Sinks.SQLite)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Alerter.Enabled {
		a, err := alerter.NewAlerter(cfg.Alerter, notification.NewEmailNotifier(cfg.SMTP))
		if err != nil {
			return nil, err
		}
		a.Start()
		sinks = append(sinks, a)
		log.Info("Alerter enabled", "smtp", cfg.SMTP.Host)
	}
	return sinks, nil
}
