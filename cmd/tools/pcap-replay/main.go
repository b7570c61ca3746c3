// Command pcap-replay sends the UDP density datagrams in a capture to a
// running controller's feed listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/signal.control/internal/feed"
)

var (
	pcapFile = flag.String("pcap", "", "Capture file to replay (required)")
	port     = flag.Int("port", 7400, "Only replay datagrams sent to this UDP port (0 for all)")
	target   = flag.String("target", "127.0.0.1:7400", "Controller feed address")
	speed    = flag.Float64("speed", 1.0, "Replay speed multiplier (0 replays as fast as possible)")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		fmt.Fprintln(os.Stderr, "Error: --pcap is required")
		flag.Usage()
		os.Exit(1)
	}

	addr, err := net.ResolveUDPAddr("udp", *target)
	if err != nil {
		log.Fatalf("failed to resolve target %s: %v", *target, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", addr, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sendErrors := 0
	stats, err := feed.ReplayPCAPFile(ctx, *pcapFile, feed.ReplayConfig{
		Port:            *port,
		SpeedMultiplier: *speed,
		Sink: func(payload []byte) {
			if _, err := conn.Write(payload); err != nil {
				sendErrors++
			}
		},
	})
	if err != nil && err != context.Canceled {
		log.Fatalf("replay failed: %v", err)
	}
	log.Printf("replayed %d of %d packets (%d bytes) to %s, %d send errors",
		stats.Payloads, stats.Packets, stats.Bytes, addr, sendErrors)
}
