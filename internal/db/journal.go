package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/signal.control/internal/signal"
)

// PhaseRow is one journaled phase event.
type PhaseRow struct {
	ID           int64                 `json:"id"`
	TransitionID string                `json:"transition_id"`
	Intersection signal.IntersectionID `json:"intersection"`
	Phase        signal.Phase          `json:"phase"`
	Duration     int                   `json:"duration"`
	Emergency    bool                  `json:"emergency"`
	Authority    signal.Authority      `json:"authority"`
	At           time.Time             `json:"at"`
}

// GreenRow is one green allocation, collapsed across the members of the
// pair that received it.
type GreenRow struct {
	TransitionID  string                  `json:"transition_id"`
	Intersections []signal.IntersectionID `json:"intersections"`
	Duration      int                     `json:"duration"`
	Authority     signal.Authority        `json:"authority"`
	At            time.Time               `json:"at"`
}

// Pair returns the intersections joined with "+", for chart series names.
func (g GreenRow) Pair() string {
	parts := make([]string, len(g.Intersections))
	for i, id := range g.Intersections {
		parts[i] = string(id)
	}
	return strings.Join(parts, "+")
}

// Journal records published phase events. It satisfies scheduler.Publisher.
type Journal struct {
	db *DB
}

// Journal returns a publisher writing to db.
func (db *DB) Journal() *Journal { return &Journal{db: db} }

// Publish inserts ev.
func (j *Journal) Publish(ctx context.Context, ev signal.PhaseEvent) error {
	return j.db.RecordPhaseEvent(ctx, ev)
}

// RecordPhaseEvent inserts one phase event.
func (db *DB) RecordPhaseEvent(ctx context.Context, ev signal.PhaseEvent) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO phase_events (
			transition_id, intersection, phase, duration_s, emergency, authority, ts_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.TransitionID, string(ev.Intersection), string(ev.Phase), ev.Duration,
		boolToInt(ev.Emergency), string(ev.Authority), ev.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record phase event: %w", err)
	}
	return nil
}

// RecordDensity inserts one accepted density sample.
func (db *DB) RecordDensity(id signal.IntersectionID, counts map[string]int, at time.Time) error {
	b, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("failed to encode counts: %w", err)
	}
	total := 0
	for _, n := range counts {
		if n > 0 {
			total += n
		}
	}
	_, err = db.Exec(
		`INSERT INTO density_samples (intersection, counts_json, total, ts_unix_nanos) VALUES (?, ?, ?, ?)`,
		string(id), string(b), total, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record density sample: %w", err)
	}
	return nil
}

// RecordCommand inserts one accepted manual or emergency command.
func (db *DB) RecordCommand(kind string, id signal.IntersectionID, payload string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO commands (kind, intersection, payload, ts_unix_nanos) VALUES (?, ?, ?, ?)`,
		kind, string(id), payload, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

// RecentPhaseEvents returns up to limit events, newest first.
func (db *DB) RecentPhaseEvents(limit int) ([]PhaseRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT event_id, transition_id, intersection, phase, duration_s, emergency, authority, ts_unix_nanos
		FROM phase_events ORDER BY event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PhaseRow
	for rows.Next() {
		var (
			r                    PhaseRow
			id, phase, authority string
			emergency            int
			ts                   int64
		)
		if err := rows.Scan(&r.ID, &r.TransitionID, &id, &phase, &r.Duration, &emergency, &authority, &ts); err != nil {
			return nil, err
		}
		r.Intersection = signal.IntersectionID(id)
		r.Phase = signal.Phase(phase)
		r.Authority = signal.Authority(authority)
		r.Emergency = emergency != 0
		r.At = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GreenHistory returns up to limit green allocations, oldest first.
func (db *DB) GreenHistory(limit int) ([]GreenRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT transition_id, group_concat(intersection, ','), MAX(duration_s), MAX(authority), MAX(ts_unix_nanos)
		FROM phase_events
		WHERE phase = 'green'
		GROUP BY transition_id
		ORDER BY MAX(event_id) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GreenRow
	for rows.Next() {
		var (
			g             GreenRow
			members, auth string
			ts            int64
		)
		if err := rows.Scan(&g.TransitionID, &members, &g.Duration, &auth, &ts); err != nil {
			return nil, err
		}
		for _, m := range strings.Split(members, ",") {
			g.Intersections = append(g.Intersections, signal.IntersectionID(m))
		}
		sort.Slice(g.Intersections, func(i, j int) bool { return g.Intersections[i] < g.Intersections[j] })
		g.Authority = signal.Authority(auth)
		g.At = time.Unix(0, ts).UTC()
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountRows returns the number of rows in each journal table.
func (db *DB) CountRows() (map[string]int, error) {
	out := make(map[string]int, 3)
	for _, table := range []string{"phase_events", "density_samples", "commands"} {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

// Prune deletes journal rows older than before and returns how many were
// removed.
func (db *DB) Prune(before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"phase_events", "density_samples", "commands"} {
		res, err := db.Exec("DELETE FROM "+table+" WHERE ts_unix_nanos < ?", before.UnixNano())
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
