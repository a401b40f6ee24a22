// Package statusapi exposes the daemon's read-only HTTP surface: queue
// depth, agent capability health, and the recent delivery event log. It is
// meant for a local dashboard or curl, not for remote exposure.
package statusapi

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/zeus/caps"
	"github.com/hazyhaar/zeus/observability"
	"github.com/hazyhaar/zeus/queue"
)

// Server bundles the read paths of the daemon.
type Server struct {
	queue  *queue.Queue
	caps   *caps.Registry
	events *sql.DB
}

// New builds a Server. events may be nil; /api/events then returns 503.
func New(q *queue.Queue, capReg *caps.Registry, events *sql.DB) *Server {
	return &Server{queue: q, caps: capReg, events: events}
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/api/queue", func(w http.ResponseWriter, _ *http.Request) {
		queued, inflight := s.queue.Depth()
		writeJSON(w, 200, map[string]int{"queued": queued, "inflight": inflight})
	})

	r.Get("/api/agents", func(w http.ResponseWriter, _ *http.Request) {
		beats, err := s.caps.List()
		if err != nil {
			writeError(w, 500, err)
			return
		}
		type agentStatus struct {
			AgentID   string `json:"agent_id"`
			Name      string `json:"name,omitempty"`
			Role      string `json:"role"`
			PhalanxID string `json:"phalanx_id,omitempty"`
			Fresh     bool   `json:"fresh"`
			Health    string `json:"health"`
			AgeSec    int64  `json:"age_seconds"`
		}
		out := make([]agentStatus, 0, len(beats))
		for _, hb := range beats {
			fresh, reason := s.caps.Health(hb.AgentID)
			out = append(out, agentStatus{
				AgentID:   hb.AgentID,
				Name:      hb.Name,
				Role:      hb.Role,
				PhalanxID: hb.PhalanxID,
				Fresh:     fresh,
				Health:    reason,
				AgeSec:    int64(s.caps.Age(hb).Seconds()),
			})
		}
		writeJSON(w, 200, out)
	})

	r.Get("/api/events", func(w http.ResponseWriter, r *http.Request) {
		if s.events == nil {
			writeJSON(w, 503, map[string]string{"error": "event log disabled"})
			return
		}
		limit := queryInt(r, "limit", 100)
		events, err := observability.RecentEvents(r.Context(), s.events, limit)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if events == nil {
			events = []observability.Event{}
		}
		writeJSON(w, 200, events)
	})

	r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		if s.events == nil {
			writeJSON(w, 503, map[string]string{"error": "event log disabled"})
			return
		}
		since := time.Now().Add(-time.Duration(queryInt(r, "minutes", 60)) * time.Minute)
		counts, err := observability.CountsByKind(r.Context(), s.events, since)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, counts)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
