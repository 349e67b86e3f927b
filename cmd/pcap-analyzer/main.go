package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/engine/manager"
	"LBTrafficGuard/internal/model"
	"LBTrafficGuard/internal/snapshot"
	"LBTrafficGuard/pkg/pcap"

	"github.com/charmbracelet/log"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file. Defaults are used if it does not exist.")
	metricsFile := flag.String("metrics", "", "Also write the final snapshot to this file.")
	showEvents := flag.Bool("events", false, "Print every event as it is detected.")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <path_to_pcap_file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// 1. Get pcap file path from command-line arguments
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	pcapFilePath := flag.Arg(0)

	// 2. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("Config file not found, using defaults", "path", *configPath)
		cfg, err = config.Default(), nil
	}
	if err != nil {
		log.Fatal("Failed to load config", "err", err)
	}
	if err := cfg.Logging.Apply(); err != nil {
		log.Fatal("Failed to configure logging", "err", err)
	}

	reader, err := pcap.NewReader(pcapFilePath)
	if err != nil {
		log.Fatal("Failed to open pcap file", "err", err)
	}
	defer reader.Close()
	cfg.Parser.LinkType = reader.ParserLinkType()

	// 3. Initialize modules
	opts := manager.Options{PacketClock: true}
	if *metricsFile != "" {
		w, err := snapshot.NewFileWriter(*metricsFile, 0)
		if err != nil {
			log.Fatal("Failed to create metrics file writer", "err", err)
		}
		opts.Writers = []model.Writer{w}
	}
	if *showEvents {
		opts.Sinks = []model.EventSink{model.EventSinkFunc(func(ev core.AttackEvent) {
			fmt.Printf("%s %-22s src=%s dst=%s value=%.2f %s\n",
				ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.Source, ev.Destination, ev.Value, ev.Detail)
		})}
	}
	mgr, err := manager.New(cfg, opts)
	if err != nil {
		log.Fatal("Failed to create manager", "err", err)
	}

	// 4. Start the processing pipeline
	if err := mgr.Start(context.Background()); err != nil {
		log.Fatal("Failed to start manager", "err", err)
	}
	log.Info("Reading packets", "file", pcapFilePath, "link_type", cfg.Parser.LinkType)

	// 5. Feed every frame to the manager
	if err := reader.ReadPackets(context.Background(), mgr.Input()); err != nil {
		log.Error("Failed to read pcap file", "err", err)
	}

	// 6. Graceful shutdown, then print the final snapshot
	mgr.Stop()
	out, err := json.MarshalIndent(mgr.Stats().Snapshot(mgr.Now()), "", "  ")
	if err != nil {
		log.Fatal("Failed to encode snapshot", "err", err)
	}
	fmt.Println(string(out))
}
