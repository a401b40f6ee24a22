// Package extension is the in-agent half of the bus. It listens to the host
// runtime's lifecycle events and, on each one, republishes the capability
// heartbeat, makes sure the inbox watcher and periodic heartbeat loop are
// running, and schedules an inbox pump. An agent without a deterministic id
// (ZEUS_AGENT_ID blank) is not addressable and the extension stays disabled.
package extension

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hazyhaar/zeus/agentbus"
	"github.com/hazyhaar/zeus/caps"
	"github.com/hazyhaar/zeus/inbox"
)

// Runtime lifecycle events the extension reacts to.
const (
	EventSessionStart  = "session_start"
	EventSessionSwitch = "session_switch"
	EventSessionFork   = "session_fork"
	EventSessionTree   = "session_tree"
	EventTurnEnd       = "turn_end"
)

// Identity is the agent's bus identity, normally read from the environment
// at startup.
type Identity struct {
	AgentID   string
	Role      string
	Name      string
	ParentID  string
	PhalanxID string
}

// Version is stamped into published capability heartbeats.
const Version = "1.0.0"

// Extension reacts to runtime events for one agent.
type Extension struct {
	id       Identity
	layout   agentbus.Layout
	caps     *caps.Registry
	runtime  inbox.Runtime
	protocol *inbox.Protocol
	pumper   *inbox.Pumper
	log      *slog.Logger
	hbEvery  time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	hbStop  chan struct{}
	cwd     string
}

// Option adjusts an Extension.
type Option func(*Extension)

// WithHeartbeatInterval overrides the periodic heartbeat period (default 5s).
func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Extension) { e.hbEvery = d }
}

// New wires an Extension. Returns nil when id.AgentID is blank: the caller
// simply skips event forwarding and the agent stays off the bus.
func New(id Identity, layout agentbus.Layout, capReg *caps.Registry, rt inbox.Runtime,
	ledger *inbox.Ledger, debounce time.Duration, log *slog.Logger, opts ...Option) *Extension {
	if id.AgentID == "" {
		log.Info("bus extension disabled, no agent id")
		return nil
	}
	if id.Role == "" {
		id.Role = "hippeus"
	}
	protocol := inbox.NewProtocol(id.AgentID, layout, ledger, rt, log)
	e := &Extension{
		id:       id,
		layout:   layout,
		caps:     capReg,
		runtime:  rt,
		protocol: protocol,
		pumper:   inbox.NewPumper(protocol, debounce, log),
		log:      log.With("agent_id", id.AgentID),
		hbEvery:  5 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// HandleEvent is the single entry point for runtime lifecycle events. Every
// event refreshes the heartbeat and schedules a pump; turn_end doubles as
// the watcher-free progress fallback.
func (e *Extension) HandleEvent(event string, cwd string) {
	switch event {
	case EventSessionStart, EventSessionSwitch, EventSessionFork, EventSessionTree, EventTurnEnd:
	default:
		return
	}

	e.mu.Lock()
	e.cwd = cwd
	e.mu.Unlock()

	if err := e.publishHeartbeat(cwd); err != nil {
		// Best-effort: a missed beat only delays delivery by one interval.
		e.log.Debug("heartbeat publish failed", "error", err)
	}
	e.ensureWatcher()
	e.ensureBeatLoop()
	e.pumper.Trigger()
}

// Heartbeat publishes the capability record immediately. The periodic
// re-publish loop calls this; so does HandleEvent.
func (e *Extension) publishHeartbeat(cwd string) error {
	return e.caps.Publish(caps.Heartbeat{
		AgentID:     e.id.AgentID,
		Role:        e.id.Role,
		Name:        e.id.Name,
		ParentID:    e.id.ParentID,
		PhalanxID:   e.id.PhalanxID,
		SessionID:   e.runtime.SessionID(),
		SessionPath: e.runtime.SessionPath(),
		Cwd:         cwd,
		Supports:    caps.Supports{QueueBus: true, ReceiptV1: true},
		Extension:   caps.Extension{Name: "zeus-bus", Version: Version},
	})
}

// ensureWatcher attaches fsnotify to the agent's inbox new/ directory once.
// Failure is tolerated: turn_end events keep the pump progressing on
// filesystems that cannot notify.
func (e *Extension) ensureWatcher() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watcher != nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		e.log.Warn("inbox watcher unavailable, event-driven pumping only", "error", err)
		return
	}
	if err := e.protocol.EnsureDirs(); err != nil {
		w.Close()
		e.log.Warn("inbox dirs unavailable", "error", err)
		return
	}
	if err := w.Add(e.layout.InboxNewDir(e.id.AgentID)); err != nil {
		w.Close()
		e.log.Warn("inbox watch failed", "error", err)
		return
	}
	e.watcher = w

	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				e.pumper.Trigger()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				e.log.Warn("inbox watcher error", "error", err)
			}
		}
	}()
}

// ensureBeatLoop starts the periodic heartbeat re-publisher once. An agent
// that is alive but idle between runtime events must not age past the
// dispatcher's freshness window, or delivery to it stalls.
func (e *Extension) ensureBeatLoop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	e.hbStop = stop

	go func() {
		ticker := time.NewTicker(e.hbEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.mu.Lock()
				cwd := e.cwd
				e.mu.Unlock()
				if err := e.publishHeartbeat(cwd); err != nil {
					e.log.Debug("heartbeat publish failed", "error", err)
				}
			}
		}
	}()
}

// Close detaches the watcher and stops the heartbeat loop.
func (e *Extension) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hbStop != nil {
		close(e.hbStop)
		e.hbStop = nil
	}
	if e.watcher != nil {
		e.watcher.Close()
		e.watcher = nil
	}
}

// Pump runs one synchronous inbox pass, used at shutdown to leave no
// claimed item behind.
func (e *Extension) Pump() error {
	return e.pumper.Flush()
}
