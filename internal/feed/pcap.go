package feed

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReplayConfig controls a capture replay.
type ReplayConfig struct {
	// Port keeps only UDP datagrams to this destination port. Zero keeps
	// every UDP datagram.
	Port int

	// SpeedMultiplier paces the replay against capture timestamps
	// (1.0 = real time, 2.0 = twice as fast). Zero or less replays as fast
	// as possible.
	SpeedMultiplier float64

	// Sink receives each UDP payload in capture order.
	Sink func(payload []byte)
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets  int `json:"packets"`
	Payloads int `json:"payloads"`
	Bytes    int `json:"bytes"`
}

// ReplayPCAPFile replays the capture at path. See ReplayPCAP.
func ReplayPCAPFile(ctx context.Context, path string, cfg ReplayConfig) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return ReplayPCAP(ctx, f, cfg)
}

type captureReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// pcapngMagic is the section header block type that opens every pcapng file.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// openCapture picks the pcap or pcapng reader from the stream's magic.
func openCapture(r io.Reader) (captureReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCAP header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to read pcapng header: %w", err)
		}
		return ng, nil
	}
	reader, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCAP header: %w", err)
	}
	return reader, nil
}

// ReplayPCAP reads a pcap or pcapng stream and hands every matching UDP
// payload to cfg.Sink. It returns at end of capture or when ctx is done.
func ReplayPCAP(ctx context.Context, r io.Reader, cfg ReplayConfig) (ReplayStats, error) {
	var stats ReplayStats
	if cfg.Sink == nil {
		return stats, fmt.Errorf("replay sink is required")
	}

	reader, err := openCapture(r)
	if err != nil {
		return stats, err
	}
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	logf("PCAP replay: link type %s, port %d, speed %.1fx", reader.LinkType(), cfg.Port, cfg.SpeedMultiplier)

	var lastCapture time.Time
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case packet := <-source.Packets():
			if packet == nil {
				logf("PCAP replay complete: %d packets, %d payloads, %d bytes", stats.Packets, stats.Payloads, stats.Bytes)
				return stats, nil
			}
			stats.Packets++

			captured := packet.Metadata().Timestamp
			if cfg.SpeedMultiplier > 0 && !lastCapture.IsZero() {
				delay := time.Duration(float64(captured.Sub(lastCapture)) / cfg.SpeedMultiplier)
				if delay > 0 {
					select {
					case <-ctx.Done():
						return stats, ctx.Err()
					case <-time.After(delay):
					}
				}
			}
			lastCapture = captured

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok {
				continue
			}
			if cfg.Port != 0 && int(udp.DstPort) != cfg.Port {
				continue
			}
			if len(udp.Payload) == 0 {
				continue
			}

			stats.Payloads++
			stats.Bytes += len(udp.Payload)
			cfg.Sink(udp.Payload)
		}
	}
}
