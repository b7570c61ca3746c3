package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"net"
	"time"

	"github.com/banshee-data/signal.control/internal/command"
	"github.com/banshee-data/signal.control/internal/signal"
)

// devRemote plays the field side of a loopback link: it publishes synthetic
// density samples and consumes the status lines the controller sends.
type devRemote struct {
	conn     net.Conn
	topics   command.Topics
	ids      []signal.IntersectionID
	interval time.Duration
	rng      *rand.Rand

	// statuses receives decoded status lines when non-nil.
	statuses chan<- string
}

func newDevRemote(conn net.Conn, topics command.Topics, ids []signal.IntersectionID, interval time.Duration, seed uint64) *devRemote {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &devRemote{
		conn:     conn,
		topics:   topics,
		ids:      ids,
		interval: interval,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// densityLine builds one synthetic density line for id. Demand is skewed
// towards the first half of the intersections so the optimizer has
// something to balance.
func (d *devRemote) densityLine(i int) (string, error) {
	base := 2
	if i < len(d.ids)/2 {
		base = 6
	}
	counts := map[string]int{
		"car":   base + d.rng.IntN(8),
		"truck": d.rng.IntN(3),
		"bus":   d.rng.IntN(2),
	}
	b, err := json.Marshal(counts)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s\n", d.topics.Topic(command.KindDensity, d.ids[i]), b), nil
}

// drain reads status lines until the connection closes. net.Pipe writes
// block until read, so the controller stalls without a reader.
func (d *devRemote) drain() {
	scan := bufio.NewScanner(d.conn)
	for scan.Scan() {
		line := scan.Text()
		if id, st, err := command.DecodeStatus(d.topics, line); err == nil {
			log.Printf("dev remote: %s -> %s %ds", id, st.State, st.Duration)
		}
		if d.statuses != nil {
			d.statuses <- line
		}
	}
}

// run publishes a density sample for every intersection each interval until
// ctx is done.
func (d *devRemote) run(ctx context.Context) {
	go d.drain()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		for i := range d.ids {
			line, err := d.densityLine(i)
			if err != nil {
				log.Printf("dev remote: %v", err)
				continue
			}
			_ = d.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if _, err := d.conn.Write([]byte(line)); err != nil {
				log.Printf("dev remote write failed: %v", err)
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
