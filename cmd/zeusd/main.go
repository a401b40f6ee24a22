// Entry point for the Zeus dispatcher daemon: drain loop, status API,
// observability event log.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/zeus/agentbus"
	"github.com/hazyhaar/zeus/caps"
	"github.com/hazyhaar/zeus/config"
	"github.com/hazyhaar/zeus/dispatch"
	"github.com/hazyhaar/zeus/notify"
	"github.com/hazyhaar/zeus/observability"
	"github.com/hazyhaar/zeus/queue"
	"github.com/hazyhaar/zeus/registry"
	"github.com/hazyhaar/zeus/statusapi"
)

func main() {
	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	slog.Info("zeusd starting", "state_dir", cfg.StateDir)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Event log. Loss of observability never blocks the bus.
	var recorder dispatch.Recorder
	eventsDB, err := observability.Open(cfg.EventsDB)
	if err != nil {
		slog.Warn("event log unavailable", "error", err)
	} else {
		defer eventsDB.Close()
		recorder = observability.NewEventLog(eventsDB, logger)
	}

	layout := agentbus.NewLayout(cfg.AgentBusDir)
	tun := cfg.Tunables
	q := queue.New(cfg.QueueDir,
		queue.WithRetryPolicy(tun.RetryBase, tun.RetryCap, tun.RetryJitter),
		queue.WithInflightLease(tun.InflightLease),
	)
	capReg := caps.NewRegistry(layout, caps.WithMaxAge(tun.MaxHeartbeatAge))
	agents := registry.NewBusRegistry(capReg, cfg.NamesFile)
	notifier := notify.NewThrottle(notify.NewDesktop(logger), tun.NotifyThrottle)

	opts := []dispatch.Option{
		dispatch.WithReresolveAfter(tun.ReresolveAfter),
		dispatch.WithAttemptsNotify(tun.AttemptsNotify),
	}
	if recorder != nil {
		opts = append(opts, dispatch.WithRecorder(recorder))
	}
	dispatcher := dispatch.New(q, layout, capReg, agents, notifier, logger, opts...)
	drain := dispatch.NewDrain(dispatcher, cfg.QueueDir, layout, logger, tun.SweepInterval, tun.WakeDebounce)

	if eventsDB != nil {
		hw := observability.NewHeartbeatWriter(eventsDB, logger, q.Depth, 15*time.Second)
		go hw.Run(ctx)
		go retentionLoop(ctx, eventsDB, logger)
	}

	// Status API, local only unless overridden.
	addr := env("ZEUS_STATUS_ADDR", "127.0.0.1:8343")
	if addr != "off" {
		srv := &http.Server{Addr: addr, Handler: statusapi.New(q, capReg, eventsDB).Router()}
		go func() {
			slog.Info("status api listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("status api", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shutCancel()
			srv.Shutdown(shutCtx)
		}()
	}

	if err := drain.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("drain loop", "error", err)
		os.Exit(1)
	}
	slog.Info("zeusd stopped")
}

// retentionLoop prunes the event log once a day, keeping 30 days.
func retentionLoop(ctx context.Context, db *sql.DB, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := observability.Cleanup(ctx, db, 30*24*time.Hour)
			if err != nil {
				logger.Warn("event log cleanup failed", "error", err)
				continue
			}
			logger.Info("event log pruned", "rows", removed)
		}
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
