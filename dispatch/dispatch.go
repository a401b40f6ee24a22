// Package dispatch drives envelopes from the queue to recipient inboxes and
// gates their removal on receipts. One Dispatcher runs per daemon; inside a
// process dispatching is sequential, across processes the queue's rename
// claims keep concurrent dispatchers safe.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/zeus/agentbus"
	"github.com/hazyhaar/zeus/caps"
	"github.com/hazyhaar/zeus/fstore"
	"github.com/hazyhaar/zeus/inbox"
	"github.com/hazyhaar/zeus/notify"
	"github.com/hazyhaar/zeus/queue"
	"github.com/hazyhaar/zeus/registry"
)

// Pending reasons recorded per recipient on an incomplete pass.
const (
	ReasonAwaitingReceipt = "AwaitingReceipt"
	ReasonStaleCapability = "StaleCapability"
)

// Recorder receives dispatcher lifecycle events for the observability log.
// Recording must never fail dispatching; implementations swallow errors.
type Recorder interface {
	Record(kind, envelopeID, agentID, detail string)
}

// nopRecorder drops every event.
type nopRecorder struct{}

func (nopRecorder) Record(kind, envelopeID, agentID, detail string) {}

// Dispatcher executes single dispatch passes over claimed envelopes.
type Dispatcher struct {
	queue    *queue.Queue
	layout   agentbus.Layout
	caps     *caps.Registry
	registry registry.AgentRegistry
	notifier *notify.Throttle
	recorder Recorder
	log      *slog.Logger
	now      func() time.Time

	reresolveAfter time.Duration
	attemptsNotify int
}

// Option adjusts a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithReresolveAfter overrides how long a cached recipient list stays valid
// while the envelope is queued.
func WithReresolveAfter(age time.Duration) Option {
	return func(d *Dispatcher) { d.reresolveAfter = age }
}

// WithAttemptsNotify overrides the attempt count that triggers the
// delivery-stuck operator note.
func WithAttemptsNotify(n int) Option {
	return func(d *Dispatcher) { d.attemptsNotify = n }
}

// WithRecorder wires the observability event log.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// New builds a Dispatcher.
func New(q *queue.Queue, layout agentbus.Layout, capReg *caps.Registry,
	agents registry.AgentRegistry, notifier *notify.Throttle, log *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:          q,
		layout:         layout,
		caps:           capReg,
		registry:       agents,
		notifier:       notifier,
		recorder:       nopRecorder{},
		log:            log,
		now:            time.Now,
		reresolveAfter: 60 * time.Second,
		attemptsNotify: 3,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DispatchOnce runs one pass over a claimed envelope and either acks it
// (all recipients done) or requeues it with backoff. The caller holds the
// inflight claim.
func (d *Dispatcher) DispatchOnce(env queue.Envelope) {
	recipients, err := d.resolved(&env)
	if err != nil {
		d.blockOnResolve(env, err)
		return
	}

	var firstPending string
	for _, r := range recipients {
		reason, done := d.dispatchRecipient(&env, r)
		if !done && firstPending == "" {
			firstPending = fmt.Sprintf("%s (%s)", r.AgentID, reason)
		}
	}

	if firstPending == "" {
		d.queue.Ack(env.ID)
		d.recorder.Record("delivered", env.ID, "", "")
		d.log.Info("envelope delivered", "id", env.ID, "recipients", len(recipients))
		return
	}

	delay, err := d.queue.Requeue(env)
	if err != nil {
		d.log.Error("requeue failed", "id", env.ID, "error", err)
		return
	}
	d.recorder.Record("retry", env.ID, "", firstPending)
	d.log.Debug("envelope pending", "id", env.ID, "blocking", firstPending, "retry_in", delay)

	if env.Attempts+1 >= d.attemptsNotify {
		d.notifier.NotifyKey("stuck/"+env.ID, notify.LevelWarning,
			fmt.Sprintf("message %s to %s still undelivered: %s", env.ID, env.Target, firstPending))
	}
}

// dispatchRecipient runs the four-step per-recipient check. done means the
// recipient needs nothing further for this envelope.
func (d *Dispatcher) dispatchRecipient(env *queue.Envelope, r queue.Recipient) (reason string, done bool) {
	if d.queue.ReceiptSeen(r.AgentID, env.ID) {
		return "", true
	}

	if fstore.Exists(d.layout.ReceiptPath(r.AgentID, env.ID)) {
		if err := d.queue.MarkReceiptSeen(r.AgentID, env.ID); err != nil {
			d.log.Warn("dedup marker write failed", "id", env.ID, "agent_id", r.AgentID, "error", err)
		}
		d.recorder.Record("receipt", env.ID, r.AgentID, "")
		return "", true
	}

	if fresh, why := d.caps.Health(r.AgentID); !fresh {
		d.notifier.NotifyKey("stale/"+env.ID+"/"+r.AgentID, notify.LevelWarning,
			fmt.Sprintf("recipient %s unavailable for message %s: %s", r.AgentID, env.ID, why))
		d.recorder.Record("stale_capability", env.ID, r.AgentID, why)
		return ReasonStaleCapability, false
	}

	if err := d.ensureInboxItem(env, r); err != nil {
		d.log.Error("inbox write failed", "id", env.ID, "agent_id", r.AgentID, "error", err)
		return ReasonAwaitingReceipt, false
	}
	return ReasonAwaitingReceipt, false
}

// ensureInboxItem writes inbox/<r>/new/<id>.json unless the item already
// exists in new/ or processing/. (envelope id, recipient id) is the
// idempotency key; a rewrite would duplicate a message the extension may be
// mid-way through.
func (d *Dispatcher) ensureInboxItem(env *queue.Envelope, r queue.Recipient) error {
	if fstore.Exists(d.layout.InboxItemPath(r.AgentID, agentbus.NewDir, env.ID)) ||
		fstore.Exists(d.layout.InboxItemPath(r.AgentID, agentbus.ProcessingDir, env.ID)) {
		return nil
	}
	if err := fstore.EnsureDir(d.layout.InboxNewDir(r.AgentID)); err != nil {
		return err
	}
	item := inbox.Item{
		ID:            env.ID,
		Message:       env.Message,
		DeliverAs:     env.DeliverAs,
		SourceAgentID: env.SourceAgentID,
		SourceName:    env.SourceName,
		SourceRole:    env.SourceRole,
		CreatedAt:     caps.Timestamp{Time: d.now()},
	}
	if err := fstore.WriteJSONAtomic(d.layout.InboxItemPath(r.AgentID, agentbus.NewDir, env.ID), item); err != nil {
		return err
	}
	d.recorder.Record("inbox_write", env.ID, r.AgentID, "")
	d.log.Info("inbox item written", "id", env.ID, "agent_id", r.AgentID)
	return nil
}

// resolved returns the recipient set for env, reusing the durable cache
// while the envelope has been queued for less than the re-resolve window.
// Past the window every pass re-resolves, so long-stuck envelopes pick up
// agents that appeared after the first resolution.
func (d *Dispatcher) resolved(env *queue.Envelope) ([]queue.Recipient, error) {
	if len(env.RecipientsResolved) > 0 {
		queued := d.now().Sub(env.CreatedAt.Time)
		if env.CreatedAt.IsZero() || queued <= d.reresolveAfter {
			return env.RecipientsResolved, nil
		}
		d.log.Debug("re-resolving aged envelope", "id", env.ID, "queued", queued.Round(time.Second))
	}

	recipients, err := queue.Resolve(env, d.registry)
	if err != nil {
		// Keep a previously resolved set over a transient registry failure.
		if len(env.RecipientsResolved) > 0 && !queue.Structural(err) {
			return env.RecipientsResolved, nil
		}
		return nil, err
	}
	if err := d.queue.SaveResolved(env, recipients); err != nil {
		return nil, err
	}
	return recipients, nil
}

// blockOnResolve requeues an envelope whose target cannot currently be
// resolved. Structural failures are surfaced force-visibly the first time.
func (d *Dispatcher) blockOnResolve(env queue.Envelope, err error) {
	level := notify.LevelWarning
	if queue.Structural(err) {
		level = notify.LevelCritical
	}
	d.notifier.NotifyKey("resolve/"+env.ID, level,
		fmt.Sprintf("cannot deliver message %s: %v", env.ID, err))
	d.recorder.Record("resolve_failed", env.ID, "", err.Error())

	if _, qerr := d.queue.Requeue(env); qerr != nil {
		d.log.Error("requeue after resolve failure", "id", env.ID, "error", qerr)
	}
}

// Sweep is one full queue pass: reclaim stale inflight claims, then claim
// and dispatch every ready envelope in creation order. stop is polled
// between envelopes for cooperative shutdown. forceReclaim reclaims all
// inflight regardless of lease age (startup recovery).
func (d *Dispatcher) Sweep(stop func() bool, forceReclaim bool) error {
	reclaimed, err := d.queue.ReclaimStaleInflight(forceReclaim)
	if err != nil {
		return err
	}
	for _, id := range reclaimed {
		d.log.Warn("reclaimed stale inflight envelope", "id", id)
		d.recorder.Record("reclaimed", id, "", "")
	}

	ready, err := d.queue.ListReady()
	if err != nil {
		return err
	}
	for _, id := range ready {
		if stop != nil && stop() {
			return nil
		}
		env, ok, err := d.queue.Claim(id)
		if errors.Is(err, queue.ErrPoison) {
			d.notifier.NotifyKey("poison/"+id, notify.LevelCritical,
				fmt.Sprintf("discarded unreadable message %s", id))
			d.recorder.Record("poison", id, "", err.Error())
			d.log.Error("poison envelope discarded", "id", id, "error", err)
			continue
		}
		if err != nil {
			d.log.Error("claim failed", "id", id, "error", err)
			continue
		}
		if !ok {
			continue
		}
		d.DispatchOnce(env)
	}
	return nil
}
