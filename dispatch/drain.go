package dispatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hazyhaar/zeus/agentbus"
	"github.com/hazyhaar/zeus/fstore"
	"github.com/hazyhaar/zeus/queue"
)

// Drain is the dispatcher's long-running loop: idle until woken by a
// filesystem notification or the sweep timer, then run one sweep. Wakes are
// debounced so event bursts coalesce into a single pass. The loop works
// without a watcher at all; the timer alone guarantees progress.
type Drain struct {
	dispatcher *Dispatcher
	queueRoot  string
	layout     agentbus.Layout
	log        *slog.Logger

	sweepEvery time.Duration
	debounce   time.Duration
}

// NewDrain builds the loop around an existing Dispatcher.
func NewDrain(d *Dispatcher, queueRoot string, layout agentbus.Layout, log *slog.Logger,
	sweepEvery, debounce time.Duration) *Drain {
	return &Drain{
		dispatcher: d,
		queueRoot:  queueRoot,
		layout:     layout,
		log:        log,
		sweepEvery: sweepEvery,
		debounce:   debounce,
	}
}

// Run blocks until ctx is cancelled. Shutdown is cooperative: the current
// envelope finishes, then the loop exits. No envelope is lost either way;
// anything unfinished is reclaimed from inflight/ on the next start.
func (dr *Drain) Run(ctx context.Context) error {
	stop := func() bool { return ctx.Err() != nil }

	// Startup recovery: a prior dispatcher may have died holding claims.
	if err := dr.dispatcher.Sweep(stop, true); err != nil {
		dr.log.Error("startup sweep failed", "error", err)
	}

	wake := make(chan struct{}, 1)
	watcher := dr.startWatcher(ctx, wake)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(dr.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			// Let the burst settle so one sweep covers it.
			time.Sleep(dr.debounce)
			drainPending(wake)
		case <-ticker.C:
		}

		if err := dr.dispatcher.Sweep(stop, false); err != nil {
			dr.log.Error("sweep failed", "error", err)
		}
	}
}

// startWatcher attaches fsnotify to the queue's new/ directory and the
// receipts tree. Returns nil when the watcher cannot be installed; the
// sweep timer then carries delivery alone.
func (dr *Drain) startWatcher(ctx context.Context, wake chan<- struct{}) *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		dr.log.Warn("filesystem watcher unavailable, timer-only draining", "error", err)
		return nil
	}

	newDir := filepath.Join(dr.queueRoot, queue.NewDir)
	receiptsRoot := filepath.Join(dr.layout.Root(), "receipts")
	for _, dir := range []string{newDir, receiptsRoot} {
		if err := fstore.EnsureDir(dir); err != nil {
			dr.log.Warn("watch root missing", "dir", dir, "error", err)
			continue
		}
		if err := w.Add(dir); err != nil {
			dr.log.Warn("watch failed", "dir", dir, "error", err)
		}
	}
	// Receipts land in per-agent subdirectories; watch the ones that
	// already exist and pick up new ones as they are created.
	if names, err := fstore.ListSubdirs(receiptsRoot); err == nil {
		for _, name := range names {
			if err := w.Add(filepath.Join(receiptsRoot, name)); err != nil {
				dr.log.Warn("watch failed", "dir", name, "error", err)
			}
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) && filepath.Dir(ev.Name) == receiptsRoot {
					// New agent started receiving; extend the watch.
					if err := w.Add(ev.Name); err != nil {
						dr.log.Debug("watch extend failed", "dir", ev.Name, "error", err)
					}
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				dr.log.Warn("watcher error", "error", err)
			}
		}
	}()
	return w
}

func drainPending(wake <-chan struct{}) {
	for {
		select {
		case <-wake:
		default:
			return
		}
	}
}
