// Package caps implements the capability registry: per-agent heartbeat files
// that live extensions re-publish every few seconds and the dispatcher reads
// to gate delivery. Staleness is detected by age alone; there is no tombstone
// on exit.
package caps

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/zeus/agentbus"
	"github.com/hazyhaar/zeus/fstore"
)

// Supports lists the bus protocols an agent's extension speaks.
type Supports struct {
	QueueBus  bool `json:"queue_bus"`
	ReceiptV1 bool `json:"receipt_v1"`
}

// Extension identifies the publishing extension build.
type Extension struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Heartbeat is the capability record at caps/<agent-id>.json. The identity
// fields (Name, ParentID, PhalanxID) also feed recipient resolution.
type Heartbeat struct {
	AgentID     string    `json:"agent_id"`
	Role        string    `json:"role"`
	Name        string    `json:"name,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	PhalanxID   string    `json:"phalanx_id,omitempty"`
	SessionID   string    `json:"session_id"`
	SessionPath string    `json:"session_path"`
	Cwd         string    `json:"cwd"`
	UpdatedAt   Timestamp `json:"updated_at"`
	Supports    Supports  `json:"supports"`
	Extension   Extension `json:"extension"`
}

// Timestamp is a fractional epoch-seconds value that also decodes the
// ISO-8601 strings and quoted epochs older publishers emitted. It encodes
// as a float so sub-second ages and retry deadlines survive the round trip.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp{time.Now()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	sec := float64(t.UnixNano()) / float64(time.Second)
	return []byte(strconv.FormatFloat(sec, 'f', -1, 64)), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		t.Time = time.Unix(0, int64(sec*float64(time.Second)))
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("caps: unparseable timestamp %q", s)
}

// Registry reads and writes capability files for one bus layout.
type Registry struct {
	layout agentbus.Layout
	maxAge time.Duration
	now    func() time.Time
}

// Option adjusts a Registry.
type Option func(*Registry)

// WithMaxAge overrides the freshness window (default 30s).
func WithMaxAge(d time.Duration) Option {
	return func(r *Registry) { r.maxAge = d }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns a Registry over the given bus layout.
func NewRegistry(layout agentbus.Layout, opts ...Option) *Registry {
	r := &Registry{
		layout: layout,
		maxAge: 30 * time.Second,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Publish writes hb atomically, stamping UpdatedAt with the current time.
func (r *Registry) Publish(hb Heartbeat) error {
	hb.UpdatedAt = Timestamp{r.now()}
	if err := fstore.EnsureDir(r.layout.CapsDir()); err != nil {
		return err
	}
	return fstore.WriteJSONAtomic(r.layout.CapabilityPath(hb.AgentID), hb)
}

// Load returns the raw heartbeat for agentID. Missing files yield
// fstore.ErrNotFound; undecodable files yield fstore.ErrCorrupt.
func (r *Registry) Load(agentID string) (Heartbeat, error) {
	var hb Heartbeat
	err := fstore.ReadJSON(r.layout.CapabilityPath(agentID), &hb)
	return hb, err
}

// IsFresh reports whether agentID has a decodable heartbeat that supports
// the queue bus and is at most maxAge old. Read errors of any kind count as
// not fresh; they are never surfaced.
func (r *Registry) IsFresh(agentID string) bool {
	fresh, _ := r.Health(agentID)
	return fresh
}

// Health is IsFresh plus a short reason string for logs and status output.
// A heartbeat from the future (clock stepped back) counts as fresh.
func (r *Registry) Health(agentID string) (bool, string) {
	hb, err := r.Load(agentID)
	if err != nil {
		if fstore.Exists(r.layout.CapabilityPath(agentID)) {
			return false, "unreadable heartbeat"
		}
		return false, "no heartbeat"
	}
	if !hb.Supports.QueueBus {
		return false, "queue_bus unsupported"
	}
	age := r.now().Sub(hb.UpdatedAt.Time)
	if age > r.maxAge {
		return false, fmt.Sprintf("heartbeat stale (%s old)", age.Round(time.Second))
	}
	return true, "fresh"
}

// List returns heartbeats for every agent with a decodable capability file,
// fresh or not. Undecodable files are skipped.
func (r *Registry) List() ([]Heartbeat, error) {
	names, err := fstore.ListSorted(r.layout.CapsDir(), ".json")
	if err != nil {
		return nil, err
	}
	var out []Heartbeat
	for _, name := range names {
		agentID := strings.TrimSuffix(name, ".json")
		hb, err := r.Load(agentID)
		if err != nil {
			continue
		}
		out = append(out, hb)
	}
	return out, nil
}

// Age returns how old the heartbeat is, or a negative duration when the
// record claims a future UpdatedAt.
func (r *Registry) Age(hb Heartbeat) time.Duration {
	return r.now().Sub(hb.UpdatedAt.Time)
}

var _ json.Marshaler = Timestamp{}
var _ json.Unmarshaler = (*Timestamp)(nil)
