package inbox

import (
	"log/slog"
	"sync"
	"time"
)

// pump states. At most one pump runs per process; triggers arriving while
// one runs coalesce into a single re-run.
const (
	pumpIdle = iota
	pumpRunning
	pumpRunningPending
)

// Pumper serializes inbox pumps. Trigger is cheap and safe from any
// goroutine; the actual pump runs on its own goroutine after a short
// debounce so bursts of filesystem events fold into one pass.
type Pumper struct {
	protocol *Protocol
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	state   int
	pending *time.Timer
}

// NewPumper wraps protocol with a debounce window (50ms in production).
func NewPumper(protocol *Protocol, debounce time.Duration, log *slog.Logger) *Pumper {
	return &Pumper{protocol: protocol, debounce: debounce, log: log}
}

// Trigger schedules a pump. While one is scheduled or running, additional
// triggers are absorbed; the inbox is re-scanned once afterwards, so no
// arrival is missed.
func (p *Pumper) Trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case pumpIdle:
		p.state = pumpRunning
		p.pending = time.AfterFunc(p.debounce, p.run)
	case pumpRunning:
		p.state = pumpRunningPending
	case pumpRunningPending:
		// Already coalesced.
	}
}

func (p *Pumper) run() {
	for {
		if err := p.protocol.Pump(); err != nil {
			p.log.Error("inbox pump failed", "error", err)
		}

		p.mu.Lock()
		if p.state == pumpRunningPending {
			// A trigger arrived mid-pump; scan again before going idle.
			p.state = pumpRunning
			p.mu.Unlock()
			continue
		}
		p.state = pumpIdle
		p.mu.Unlock()
		return
	}
}

// Flush runs a pump synchronously, bypassing the debounce. Tests and the
// turn_end fallback path use it. Overlap with a debounced run is safe:
// passes serialize inside Protocol.Pump.
func (p *Pumper) Flush() error {
	return p.protocol.Pump()
}
