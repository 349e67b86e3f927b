package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/engine/protocol"
	"LBTrafficGuard/pkg/pcap"

	"github.com/charmbracelet/log"
)

func main() {
	limit := flag.Int("n", 5, "Number of packets to print, 0 for all")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Println("Usage: go run ./scripts/pcapana/main.go [-n N] <path_to_pcap_file>")
		os.Exit(1)
	}

	reader, err := pcap.NewReader(flag.Arg(0))
	if err != nil {
		log.Fatal("Failed to open pcap file", "err", err)
	}
	defer reader.Close()

	cfg := config.Default()
	cfg.Parser.LinkType = reader.ParserLinkType()
	parser, err := protocol.NewParser(cfg.Parser)
	if err != nil {
		log.Fatal("Failed to create parser", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := make(chan core.RawPacket, 64)
	go func() {
		defer close(frames)
		if err := reader.ReadPackets(ctx, frames); err != nil && ctx.Err() == nil {
			log.Error("Failed to read packets", "err", err)
		}
	}()

	i := 0
	for raw := range frames {
		i++
		p, err := parser.Parse(raw.Data, raw.Timestamp)
		if err != nil {
			fmt.Printf("#%d parse error: %v\n", i, err)
		} else {
			line := fmt.Sprintf("#%d [%s] %s:%d -> %s:%d proto=%s len=%d",
				i, p.Timestamp.Format("15:04:05.000"),
				p.SrcIP, p.SrcPort, p.DstIP, p.DstPort, p.Protocol, p.Length)
			if p.Protocol == core.ProtocolTCP {
				line += fmt.Sprintf(" flags=%+v", p.Flags)
			}
			if p.HTTP != nil {
				line += fmt.Sprintf(" http=%q", httpSummary(p.HTTP))
			}
			if p.Encapsulated {
				line += fmt.Sprintf(" vxlan outer=%s->%s", p.OuterSrcIP, p.OuterDstIP)
			}
			fmt.Println(line)
		}
		if *limit > 0 && i >= *limit {
			cancel()
			break
		}
	}
	for range frames {
	}
}

func httpSummary(m *core.HTTPMessage) string {
	if m.Kind == core.HTTPResponse {
		return fmt.Sprintf("%s %d", m.Proto, m.StatusCode)
	}
	return fmt.Sprintf("%s %s", m.Method, m.Path)
}
