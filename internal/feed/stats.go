package feed

import (
	"sync/atomic"
	"time"
)

// Stats holds feed counters. The zero value is ready to use.
type Stats struct {
	packets  atomic.Uint64
	bytes    atomic.Uint64
	lines    atomic.Uint64
	rejected atomic.Uint64

	lastPackets atomic.Uint64
	lastLog     atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Packets  uint64 `json:"packets"`
	Bytes    uint64 `json:"bytes"`
	Lines    uint64 `json:"lines"`
	Rejected uint64 `json:"rejected"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Packets:  s.packets.Load(),
		Bytes:    s.bytes.Load(),
		Lines:    s.lines.Load(),
		Rejected: s.rejected.Load(),
	}
}

// LogStats logs totals and the packet rate since the previous call.
func (s *Stats) LogStats() {
	now := time.Now().UnixNano()
	snap := s.Snapshot()
	prevPackets := s.lastPackets.Swap(snap.Packets)
	prevLog := s.lastLog.Swap(now)

	rate := 0.0
	if prevLog != 0 {
		if secs := time.Duration(now - prevLog).Seconds(); secs > 0 {
			rate = float64(snap.Packets-prevPackets) / secs
		}
	}
	logf("packets=%d (%.1f/s) bytes=%d lines=%d rejected=%d",
		snap.Packets, rate, snap.Bytes, snap.Lines, snap.Rejected)
}
