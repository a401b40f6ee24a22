// Package notify surfaces delivery problems to the operator. The dispatcher
// treats notifications as best-effort: a failed notification is logged and
// dropped, never retried, and never blocks a sweep.
package notify

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// Level classifies a notification.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Notifier delivers one operator-visible message.
type Notifier interface {
	Notify(level Level, text string)
}

// Func adapts a function to the Notifier interface.
type Func func(level Level, text string)

func (f Func) Notify(level Level, text string) { f(level, text) }

// Desktop sends notifications through notify-send, the conventional Linux
// desktop channel. Every send also lands in the structured log so headless
// hosts still see the message.
type Desktop struct {
	log     *slog.Logger
	timeout time.Duration
	run     func(ctx context.Context, urgency, text string) error
}

// NewDesktop returns a Desktop notifier logging through log.
func NewDesktop(log *slog.Logger) *Desktop {
	return &Desktop{
		log:     log,
		timeout: 5 * time.Second,
		run: func(ctx context.Context, urgency, text string) error {
			return exec.CommandContext(ctx, "notify-send", "--urgency", urgency, "Zeus", text).Run()
		},
	}
}

func (d *Desktop) Notify(level Level, text string) {
	d.log.Warn("operator notification", "level", string(level), "text", text)

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	urgency := "normal"
	if level == LevelCritical {
		urgency = "critical"
	}
	if err := d.run(ctx, urgency, text); err != nil {
		d.log.Debug("notify-send unavailable", "error", err)
	}
}

// Throttle wraps a Notifier and suppresses repeats of the same key inside a
// window. Critical notifications bypass the throttle on first occurrence of
// each key.
type Throttle struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottle wraps next with a per-key window.
func NewThrottle(next Notifier, window time.Duration) *Throttle {
	return &Throttle{
		next:   next,
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

// WithClock replaces the wall clock, for tests.
func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	t.now = now
	return t
}

// NotifyKey emits through the wrapped Notifier unless the same key fired
// within the window. Returns whether the notification went out.
func (t *Throttle) NotifyKey(key string, level Level, text string) bool {
	t.mu.Lock()
	now := t.now()
	if at, ok := t.last[key]; ok && now.Sub(at) < t.window {
		t.mu.Unlock()
		return false
	}
	t.last[key] = now
	t.mu.Unlock()

	t.next.Notify(level, text)
	return true
}

// Notify emits unthrottled; the text itself is the key.
func (t *Throttle) Notify(level Level, text string) {
	t.NotifyKey(text, level, text)
}

var _ Notifier = (*Desktop)(nil)
var _ Notifier = (*Throttle)(nil)
