package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/probe"
	"LBTrafficGuard/pkg/pcap"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
)

func main() {
	// --- Command-Line Flag Parsing ---
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	mode := flag.String("mode", "sub", "Operating mode: 'pub' to capture and publish frames, 'sub' to print attack events.")
	iface := flag.String("iface", "", "Interface to capture from, overrides probe.interface.")
	recordDir := flag.String("record", "", "Also write captured frames to a pcap file in this directory (pub mode).")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load config", "err", err)
	}
	if err := cfg.Logging.Apply(); err != nil {
		log.Fatal("Failed to configure logging", "err", err)
	}
	if *iface != "" {
		cfg.Probe.Interface = *iface
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Mode Dispatch ---
	switch *mode {
	case "pub":
		err = runProbe(ctx, cfg, *recordDir)
	case "sub":
		err = runSubscriber(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal("lg-probe failed", "mode", *mode, "err", err)
	}
	log.Info("Shutdown complete.")
}

// runProbe captures frames on the configured interface and publishes them to NATS.
func runProbe(ctx context.Context, cfg *config.Config, recordDir string) error {
	if cfg.Probe.Interface == "" {
		return errors.New("an interface is required for pub mode")
	}
	log.Info("Starting lg-probe in PROBE mode", "interface", cfg.Probe.Interface)

	pub, err := probe.NewPublisher(cfg.Probe)
	if err != nil {
		return err
	}
	defer pub.Close()

	src, err := pcap.OpenLive(cfg.Probe)
	if err != nil {
		return err
	}
	defer src.Close()

	var rec *pcap.Recorder
	if recordDir != "" {
		rec, err = pcap.NewRecorder(recordDir, src.LinkType(), cfg.Engine.SizeOfPacketChannel)
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Error("Failed to close recording", "err", err)
			}
			log.Info("Recording closed", "path", rec.Path(), "dropped", rec.Dropped())
		}()
	}

	frames := make(chan core.RawPacket, cfg.Engine.SizeOfPacketChannel)
	errc := make(chan error, 1)
	go func() {
		defer close(frames)
		errc <- src.ReadPackets(ctx, frames)
	}()

	published := 0
	for p := range frames {
		if rec != nil {
			rec.Enqueue(p)
		}
		if err := pub.Publish(p); err != nil {
			log.Error("Failed to publish packet", "err", err)
			continue
		}
		published++
		if published%1000 == 0 {
			log.Info("Packets published", "count", published)
		}
	}
	if st, err := src.Stats(); err == nil {
		log.Info("Capture stats", "received", st.PacketsReceived, "dropped", st.PacketsDropped)
	}

	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runSubscriber prints every attack event the engine publishes.
func runSubscriber(ctx context.Context, cfg *config.Config) error {
	url, subject := cfg.Sinks.NATS.URL, cfg.Sinks.NATS.Subject
	if url == "" {
		url = cfg.Probe.NATSURL
	}
	if subject == "" {
		subject = "lbguard.events"
	}
	log.Info("Starting lg-probe in SUBSCRIBER mode", "url", url, "subject", subject)

	nc, err := nats.Connect(url, nats.Name("lg-probe-sub"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	sub, err := probe.SubscribeEvents(nc, subject, func(ev core.AttackEvent) {
		log.Info("Received event",
			"time", ev.Timestamp.Format(time.RFC3339Nano),
			"type", ev.Type,
			"source", ev.Source,
			"destination", ev.Destination,
			"value", ev.Value,
			"detail", ev.Detail)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	log.Info("Shutdown signal received, cleaning up...")
	return nil
}
