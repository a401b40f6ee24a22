package dispatch_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/zeus/agentbus"
	"github.com/hazyhaar/zeus/caps"
	"github.com/hazyhaar/zeus/dispatch"
	"github.com/hazyhaar/zeus/fstore"
	"github.com/hazyhaar/zeus/idgen"
	"github.com/hazyhaar/zeus/inbox"
	"github.com/hazyhaar/zeus/notify"
	"github.com/hazyhaar/zeus/queue"
	"github.com/hazyhaar/zeus/registry"
)

type fakeRegistry struct {
	mu     sync.Mutex
	agents []registry.Agent
}

func (f *fakeRegistry) set(agents ...registry.Agent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = agents
}

func (f *fakeRegistry) LookupByID(id string) (registry.Agent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if a.ID == id {
			return a, true
		}
	}
	return registry.Agent{}, false
}

func (f *fakeRegistry) LookupByName(name string) []registry.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registry.Agent
	for _, a := range f.agents {
		if strings.EqualFold(a.Name, name) {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeRegistry) ListPhalanx(phalanxID string) []registry.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registry.Agent
	for _, a := range f.agents {
		if a.PhalanxID == phalanxID {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeRegistry) ParentOf(agentID string) string {
	a, _ := f.LookupByID(agentID)
	return a.ParentID
}

type sink struct {
	mu    sync.Mutex
	calls []string
}

func (s *sink) Notify(level notify.Level, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, string(level)+": "+text)
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *sink) has(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type fixture struct {
	queue      *queue.Queue
	layout     agentbus.Layout
	caps       *caps.Registry
	registry   *fakeRegistry
	sink       *sink
	dispatcher *dispatch.Dispatcher
	clock      *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Now()
	clock := &now
	tick := func() time.Time { return *clock }

	layout := agentbus.NewLayout(t.TempDir())
	q := queue.New(t.TempDir(),
		queue.WithIDGenerator(idgen.Sequenced("E")),
		queue.WithClock(tick),
	)
	capReg := caps.NewRegistry(layout, caps.WithClock(tick))
	reg := &fakeRegistry{}
	s := &sink{}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	d := dispatch.New(q, layout, capReg, reg, notify.NewThrottle(s, time.Minute).WithClock(tick), log,
		dispatch.WithClock(tick))
	return &fixture{queue: q, layout: layout, caps: capReg, registry: reg, sink: s, dispatcher: d, clock: clock}
}

func (f *fixture) heartbeat(t *testing.T, agentID string) {
	t.Helper()
	err := f.caps.Publish(caps.Heartbeat{
		AgentID:  agentID,
		Role:     "hoplite",
		Supports: caps.Supports{QueueBus: true, ReceiptV1: true},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) enqueue(t *testing.T, target, msg string) string {
	t.Helper()
	id, err := f.queue.Enqueue(queue.Request{SourceAgentID: "sender", Target: target, Message: msg})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) receipt(t *testing.T, agentID, id string) {
	t.Helper()
	if err := fstore.EnsureDir(f.layout.ReceiptsDir(agentID)); err != nil {
		t.Fatal(err)
	}
	rec := inbox.Receipt{ID: id, Status: inbox.StatusAccepted, AcceptedAt: caps.Now(), AgentID: agentID}
	if err := fstore.WriteJSONAtomic(f.layout.ReceiptPath(agentID, id), rec); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) sweep(t *testing.T) {
	t.Helper()
	if err := f.dispatcher.Sweep(nil, false); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestHappyPathWritesInboxThenAcks(t *testing.T) {
	f := newFixture(t)
	f.registry.set(registry.Agent{ID: "bob", Name: "Bob", Role: "hoplite"})
	f.heartbeat(t, "bob")
	id := f.enqueue(t, "name:bob", "hello")

	f.sweep(t)

	// Pass 1: inbox item written, envelope requeued awaiting the receipt.
	if !fstore.Exists(f.layout.InboxItemPath("bob", agentbus.NewDir, id)) {
		t.Fatal("inbox item missing")
	}
	if queued, inflight := f.queue.Depth(); queued != 1 || inflight != 0 {
		t.Fatalf("depth = %d/%d", queued, inflight)
	}

	// Recipient accepts; next pass removes the envelope.
	f.receipt(t, "bob", id)
	f.advance(10 * time.Second)
	f.sweep(t)

	if queued, inflight := f.queue.Depth(); queued != 0 || inflight != 0 {
		t.Fatalf("depth after receipt = %d/%d", queued, inflight)
	}
	if !f.queue.ReceiptSeen("bob", id) {
		t.Fatal("dedup marker missing")
	}
}

func TestInboxWriteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.registry.set(registry.Agent{ID: "bob", Name: "Bob"})
	f.heartbeat(t, "bob")
	id := f.enqueue(t, "agent:bob", "hello")

	f.sweep(t)
	path := f.layout.InboxItemPath("bob", agentbus.NewDir, id)
	first, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	f.advance(10 * time.Second)
	f.sweep(t)
	second, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !first.ModTime().Equal(second.ModTime()) {
		t.Fatal("inbox item rewritten on retry")
	}
}

func TestItemInProcessingNotRewritten(t *testing.T) {
	f := newFixture(t)
	f.registry.set(registry.Agent{ID: "bob", Name: "Bob"})
	f.heartbeat(t, "bob")
	id := f.enqueue(t, "agent:bob", "hello")
	f.sweep(t)

	// Extension claims the item mid-delivery.
	src := f.layout.InboxItemPath("bob", agentbus.NewDir, id)
	dst := f.layout.InboxItemPath("bob", agentbus.ProcessingDir, id)
	if err := fstore.EnsureDir(f.layout.InboxProcessingDir("bob")); err != nil {
		t.Fatal(err)
	}
	if ok, err := fstore.ClaimMove(src, dst); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	f.advance(10 * time.Second)
	f.sweep(t)
	if fstore.Exists(src) {
		t.Fatal("item duplicated into new/ while processing")
	}
}

func TestStaleRecipientBlocksInboxWrite(t *testing.T) {
	f := newFixture(t)
	f.registry.set(registry.Agent{ID: "ghost", Name: "Ghost"})
	// No heartbeat for ghost.
	id := f.enqueue(t, "agent:ghost", "hello")

	f.sweep(t)

	if fstore.Exists(f.layout.InboxItemPath("ghost", agentbus.NewDir, id)) {
		t.Fatal("inbox item written for stale recipient")
	}
	if queued, _ := f.queue.Depth(); queued != 1 {
		t.Fatal("envelope dropped")
	}
	if f.sink.count() != 1 {
		t.Fatalf("notifications = %d, want 1", f.sink.count())
	}

	// Within the throttle window, retries stay quiet.
	f.advance(10 * time.Second)
	f.sweep(t)
	if f.sink.count() != 1 {
		t.Fatalf("notifications = %d after retry, want still 1", f.sink.count())
	}

	// After the window the stale note re-fires, and the third failed
	// attempt adds the delivery-stuck note.
	f.advance(55 * time.Second)
	f.sweep(t)
	if f.sink.count() != 3 {
		t.Fatalf("notifications = %d after window, want 3", f.sink.count())
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	f := newFixture(t)
	f.registry.set(registry.Agent{ID: "ghost", Name: "Ghost"})
	id := f.enqueue(t, "agent:ghost", "hello")

	var prevNext time.Time
	for pass := 0; pass < 3; pass++ {
		f.sweep(t)
		var env queue.Envelope
		if err := fstore.ReadJSON(f.queue.NewPath(id), &env); err != nil {
			t.Fatal(err)
		}
		if env.Attempts != pass+1 {
			t.Fatalf("attempts = %d after pass %d", env.Attempts, pass)
		}
		if !env.NextAttemptAt.Time.After(prevNext) {
			t.Fatal("backoff not advancing")
		}
		prevNext = env.NextAttemptAt.Time
		f.advance(2 * time.Minute)
	}
}

func TestUnknownRecipientForceVisible(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "agent:nobody", "hello")

	f.sweep(t)

	if f.sink.count() != 1 {
		t.Fatalf("notifications = %d", f.sink.count())
	}
	f.sink.mu.Lock()
	call := f.sink.calls[0]
	f.sink.mu.Unlock()
	if !strings.HasPrefix(call, string(notify.LevelCritical)) {
		t.Fatalf("notification not critical: %s", call)
	}
	if queued, _ := f.queue.Depth(); queued != 1 {
		t.Fatal("envelope dropped on structural failure")
	}
}

func TestPoisonEnvelopeDiscarded(t *testing.T) {
	f := newFixture(t)
	if err := fstore.EnsureDir(filepath.Join(f.queue.Root(), "new")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.queue.NewPath("E6"), []byte(`{"id":"E6"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	f.sweep(t)

	if queued, inflight := f.queue.Depth(); queued != 0 || inflight != 0 {
		t.Fatalf("poison survived: depth = %d/%d", queued, inflight)
	}
	if f.sink.count() != 1 {
		t.Fatalf("notifications = %d", f.sink.count())
	}
}

func TestFanOutConvergesAcrossPasses(t *testing.T) {
	f := newFixture(t)
	f.registry.set(
		registry.Agent{ID: "h1", Name: "h1", PhalanxID: "X"},
		registry.Agent{ID: "h2", Name: "h2", PhalanxID: "X"},
	)
	f.heartbeat(t, "h1")
	f.heartbeat(t, "h2")

	id, err := f.queue.Enqueue(queue.Request{
		SourceAgentID:   "sender",
		SourcePhalanxID: "X",
		Target:          "phalanx",
		Message:         "advance",
	})
	if err != nil {
		t.Fatal(err)
	}

	f.sweep(t)
	for _, agent := range []string{"h1", "h2"} {
		if !fstore.Exists(f.layout.InboxItemPath(agent, agentbus.NewDir, id)) {
			t.Fatalf("inbox item for %s missing", agent)
		}
	}

	// Only h1 accepts; envelope must survive.
	f.receipt(t, "h1", id)
	f.advance(10 * time.Second)
	f.heartbeat(t, "h2")
	f.sweep(t)
	if queued, _ := f.queue.Depth(); queued != 1 {
		t.Fatal("envelope removed before all receipts")
	}

	f.receipt(t, "h2", id)
	f.advance(30 * time.Second)
	f.sweep(t)
	if queued, inflight := f.queue.Depth(); queued != 0 || inflight != 0 {
		t.Fatalf("depth = %d/%d", queued, inflight)
	}
}

func TestResolvedCacheStableWithinWindow(t *testing.T) {
	f := newFixture(t)
	f.registry.set(registry.Agent{ID: "bob", Name: "Bob"})
	f.heartbeat(t, "bob")
	id := f.enqueue(t, "name:bob", "hello")
	f.sweep(t)

	// A second Bob appears; within the window the cached resolution holds.
	f.registry.set(
		registry.Agent{ID: "bob", Name: "Bob"},
		registry.Agent{ID: "bob2", Name: "Bob"},
	)
	f.advance(10 * time.Second)
	f.heartbeat(t, "bob")
	f.sweep(t)

	if f.sink.count() != 0 {
		t.Fatalf("ambiguity surfaced despite cache: %v", f.sink.calls)
	}
	if fstore.Exists(f.layout.InboxItemPath("bob2", agentbus.NewDir, id)) {
		t.Fatal("cached resolution drifted")
	}
}

func TestReresolveAfterWindow(t *testing.T) {
	f := newFixture(t)
	f.registry.set(registry.Agent{ID: "bob", Name: "Bob"})
	f.heartbeat(t, "bob")
	f.enqueue(t, "name:bob", "hello")
	f.sweep(t)

	f.registry.set(
		registry.Agent{ID: "bob", Name: "Bob"},
		registry.Agent{ID: "bob2", Name: "Bob"},
	)
	f.advance(2 * time.Minute)
	f.sweep(t)

	// Past the window resolution re-runs and the ambiguity is surfaced.
	if f.sink.count() == 0 {
		t.Fatal("aged cache never re-resolved")
	}
}

func TestReresolveKeyedOnQueueAge(t *testing.T) {
	f := newFixture(t)
	f.registry.set(registry.Agent{ID: "bob", Name: "Bob"})
	f.enqueue(t, "name:bob", "hello")

	// Bob has no heartbeat, so the envelope keeps cycling: resolve succeeds,
	// delivery blocks on staleness, requeue.
	f.sweep(t)

	// Past the window the resolution re-runs and is re-saved.
	f.advance(70 * time.Second)
	f.sweep(t)

	// The saved resolution is only 10s old at the next pass, but the
	// envelope has been queued far past the window; a Bob that appeared in
	// the meantime must make the target ambiguous.
	f.registry.set(
		registry.Agent{ID: "bob", Name: "Bob"},
		registry.Agent{ID: "bob2", Name: "Bob"},
	)
	f.advance(10 * time.Second)
	f.sweep(t)

	if !f.sink.has("ambiguous") {
		t.Fatalf("aged envelope kept a fresh-looking cache: %v", f.sink.calls)
	}
}

func TestStartupRecoveryReclaimsInflight(t *testing.T) {
	f := newFixture(t)
	f.registry.set(registry.Agent{ID: "bob", Name: "Bob"})
	f.heartbeat(t, "bob")
	id := f.enqueue(t, "agent:bob", "hello")

	// Prior dispatcher died holding the claim.
	if _, ok, err := f.queue.Claim(id); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	if err := f.dispatcher.Sweep(nil, true); err != nil {
		t.Fatal(err)
	}
	if !fstore.Exists(f.layout.InboxItemPath("bob", agentbus.NewDir, id)) {
		t.Fatal("reclaimed envelope not dispatched")
	}
}

func TestSweepStopsCooperatively(t *testing.T) {
	f := newFixture(t)
	f.registry.set(registry.Agent{ID: "bob", Name: "Bob"})
	f.heartbeat(t, "bob")
	f.enqueue(t, "agent:bob", "one")
	f.enqueue(t, "agent:bob", "two")

	stopped := false
	stop := func() bool {
		// Stop after the first envelope.
		was := stopped
		stopped = true
		return was
	}
	if err := f.dispatcher.Sweep(stop, false); err != nil {
		t.Fatal(err)
	}

	queued, inflight := f.queue.Depth()
	if queued+inflight != 2 {
		t.Fatalf("depth = %d/%d, envelope lost", queued, inflight)
	}
}
