// Package observability records the dispatcher's delivery history in a local
// SQLite database so operators can inspect what the bus has been doing after
// the fact. Recording is strictly best-effort: a failed insert is logged and
// dropped, never surfaced to dispatching.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hazyhaar/zeus/dbopen"
	"github.com/hazyhaar/zeus/idgen"
)

// Schema is the DDL for the bus observability tables.
const Schema = `
-- Delivery lifecycle events, one row per dispatcher decision.
CREATE TABLE IF NOT EXISTS bus_events (
    event_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    envelope_id TEXT NOT NULL,
    agent_id TEXT,
    detail TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_bus_events_time ON bus_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_bus_events_envelope ON bus_events(envelope_id, created_at DESC);

-- Dispatcher process liveness.
CREATE TABLE IF NOT EXISTS dispatcher_heartbeats (
    heartbeat_id TEXT PRIMARY KEY,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    queued INTEGER NOT NULL,
    inflight INTEGER NOT NULL,
    timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatcher_heartbeats_time
    ON dispatcher_heartbeats(timestamp DESC);
`

// Open opens (creating if needed) the events database at path with the
// schema applied.
func Open(path string) (*sql.DB, error) {
	return dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
}

// EventLog writes bus_events rows. It satisfies the dispatcher's Recorder
// seam.
type EventLog struct {
	db    *sql.DB
	log   *slog.Logger
	newID idgen.Generator
}

// NewEventLog wraps db. Failures during Record go to log at Warn.
func NewEventLog(db *sql.DB, log *slog.Logger) *EventLog {
	return &EventLog{db: db, log: log, newID: idgen.Prefixed("evt_", idgen.Default)}
}

// Record inserts one event row. Never returns an error: observability must
// not interfere with delivery.
func (e *EventLog) Record(kind, envelopeID, agentID, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := dbopen.Exec(ctx, e.db,
		`INSERT INTO bus_events (event_id, kind, envelope_id, agent_id, detail) VALUES (?,?,?,?,?)`,
		e.newID(), kind, envelopeID, agentID, detail)
	if err != nil {
		e.log.Warn("bus event insert failed", "kind", kind, "envelope_id", envelopeID, "error", err)
	}
}

// Event is one recorded delivery event.
type Event struct {
	EventID    string    `json:"event_id"`
	Kind       string    `json:"kind"`
	EnvelopeID string    `json:"envelope_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecentEvents returns the newest limit events, newest first.
func RecentEvents(ctx context.Context, db *sql.DB, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT event_id, kind, envelope_id, COALESCE(agent_id,''), COALESCE(detail,''), created_at
		FROM bus_events ORDER BY created_at DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: recent events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ts int64
		if err := rows.Scan(&ev.EventID, &ev.Kind, &ev.EnvelopeID, &ev.AgentID, &ev.Detail, &ts); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		ev.CreatedAt = time.Unix(ts, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountsByKind aggregates event counts since the given time.
func CountsByKind(ctx context.Context, db *sql.DB, since time.Time) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM bus_events WHERE created_at >= ? GROUP BY kind`,
		since.Unix())
	if err != nil {
		return nil, fmt.Errorf("observability: counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("observability: scan count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Cleanup deletes events and heartbeats older than retention. Returns rows
// removed.
func Cleanup(ctx context.Context, db *sql.DB, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	var total int64
	for _, table := range []string{"bus_events", "dispatcher_heartbeats"} {
		res, err := dbopen.Exec(ctx, db,
			fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, timeColumn(table)), threshold)
		if err != nil {
			return total, fmt.Errorf("observability: cleanup %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func timeColumn(table string) string {
	if table == "dispatcher_heartbeats" {
		return "timestamp"
	}
	return "created_at"
}

// HeartbeatWriter periodically records dispatcher liveness plus queue depth.
type HeartbeatWriter struct {
	db       *sql.DB
	log      *slog.Logger
	depth    func() (queued, inflight int)
	interval time.Duration
	hostname string
	pid      int
	newID    idgen.Generator
}

// NewHeartbeatWriter builds a writer; depth supplies current queue counters.
func NewHeartbeatWriter(db *sql.DB, log *slog.Logger, depth func() (int, int), interval time.Duration) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:       db,
		log:      log,
		depth:    depth,
		interval: interval,
		hostname: hostname,
		pid:      os.Getpid(),
		newID:    idgen.Prefixed("hb_", idgen.Default),
	}
}

// Run writes one heartbeat immediately, then repeats until ctx is done.
func (hw *HeartbeatWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	hw.write(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hw.write(ctx)
		}
	}
}

func (hw *HeartbeatWriter) write(ctx context.Context) {
	queued, inflight := hw.depth()
	_, err := dbopen.Exec(ctx, hw.db, `
		INSERT INTO dispatcher_heartbeats (heartbeat_id, hostname, pid, queued, inflight, timestamp)
		VALUES (?,?,?,?,?,?)`,
		hw.newID(), hw.hostname, hw.pid, queued, inflight, time.Now().Unix())
	if err != nil && ctx.Err() == nil {
		hw.log.Warn("dispatcher heartbeat insert failed", "error", err)
	}
}
