// Package queue implements the dispatcher-owned envelope queue under
// STATE_DIR/zeus-message-queue: durable enqueue, exclusive claim into
// inflight, requeue with bounded-exponential backoff, and stale-inflight
// reclaim after a dispatcher crash.
package queue

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/zeus/caps"
	"github.com/hazyhaar/zeus/fstore"
	"github.com/hazyhaar/zeus/idgen"
)

// Delivery hints carried on an envelope, surfaced to the recipient runtime.
const (
	DeliverSteer    = "steer"
	DeliverFollowUp = "followUp"
)

// Subdirectories of the queue root.
const (
	NewDir          = "new"
	InflightDir     = "inflight"
	ReceiptsSeenDir = "receipts-seen"
)

// Recipient is one resolved destination, cached durably on the envelope so
// retries do not drift when the registry changes mid-flight.
type Recipient struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
}

// Envelope is one durable send request.
type Envelope struct {
	ID            string `json:"id"`
	SourceAgentID string `json:"source_agent_id"`
	SourceName    string `json:"source_name,omitempty"`
	SourceRole    string `json:"source_role,omitempty"`
	// SourceParentID and SourcePhalanxID snapshot the sender's topology at
	// enqueue time so polemarch/phalanx targets resolve for the sender even
	// when the dispatcher runs in another process.
	SourceParentID  string `json:"source_parent_id,omitempty"`
	SourcePhalanxID string `json:"source_phalanx_id,omitempty"`

	Target    string `json:"target"`
	Message   string `json:"message"`
	DeliverAs string `json:"deliver_as"`

	CreatedAt caps.Timestamp `json:"created_at"`
	UpdatedAt caps.Timestamp `json:"updated_at"`

	Attempts      int            `json:"attempts"`
	NextAttemptAt caps.Timestamp `json:"next_attempt_at"`

	RecipientsResolved []Recipient    `json:"recipients_resolved,omitempty"`
	ResolvedAt         caps.Timestamp `json:"resolved_at,omitempty"`
}

// Validate checks the fields every consumer depends on. An envelope that
// fails here is poison and must be discarded, not retried.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("queue: envelope without id")
	}
	if strings.TrimSpace(e.Message) == "" {
		return errors.New("queue: envelope without message")
	}
	if strings.TrimSpace(e.Target) == "" {
		return errors.New("queue: envelope without target")
	}
	return nil
}

// Request is the caller-facing shape of Enqueue.
type Request struct {
	SourceAgentID   string
	SourceName      string
	SourceRole      string
	SourceParentID  string
	SourcePhalanxID string
	Target          string
	Message         string
	DeliverAs       string
}

// Queue is the envelope store rooted at one zeus-message-queue directory.
type Queue struct {
	root   string
	newID  idgen.Generator
	now    func() time.Time
	jitter func() float64

	retryBase time.Duration
	retryCap  time.Duration
	jitterAmp float64
	lease     time.Duration
}

// Option adjusts a Queue.
type Option func(*Queue)

// WithIDGenerator replaces the envelope id strategy.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(q *Queue) { q.newID = gen }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithRetryPolicy overrides base delay, cap, and jitter amplitude.
func WithRetryPolicy(base, cap time.Duration, jitter float64) Option {
	return func(q *Queue) {
		q.retryBase = base
		q.retryCap = cap
		q.jitterAmp = jitter
	}
}

// WithInflightLease overrides the stale-claim reclaim threshold.
func WithInflightLease(d time.Duration) Option {
	return func(q *Queue) { q.lease = d }
}

// New returns a Queue rooted at dir (normally cfg.QueueDir).
func New(dir string, opts ...Option) *Queue {
	q := &Queue{
		root:      dir,
		newID:     idgen.Default,
		now:       time.Now,
		jitter:    rand.Float64,
		retryBase: 2 * time.Second,
		retryCap:  60 * time.Second,
		jitterAmp: 0.2,
		lease:     120 * time.Second,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Root returns the queue root directory.
func (q *Queue) Root() string { return q.root }

// NewPath returns new/<id>.json.
func (q *Queue) NewPath(id string) string {
	return filepath.Join(q.root, NewDir, id+".json")
}

// InflightPath returns inflight/<id>.json.
func (q *Queue) InflightPath(id string) string {
	return filepath.Join(q.root, InflightDir, id+".json")
}

// DedupMarkerPath returns receipts-seen/<agent>/<id>, the empty marker the
// dispatcher drops once it has observed a recipient's receipt.
func (q *Queue) DedupMarkerPath(agentID, id string) string {
	return filepath.Join(q.root, ReceiptsSeenDir, agentID, id)
}

// Enqueue persists a new envelope into new/ and returns its id. It never
// contacts recipients and succeeds even when no dispatcher is running.
func (q *Queue) Enqueue(req Request) (string, error) {
	now := caps.Timestamp{Time: q.now()}
	env := Envelope{
		ID:              q.newID(),
		SourceAgentID:   req.SourceAgentID,
		SourceName:      req.SourceName,
		SourceRole:      req.SourceRole,
		SourceParentID:  req.SourceParentID,
		SourcePhalanxID: req.SourcePhalanxID,
		Target:          req.Target,
		Message:         req.Message,
		DeliverAs:       req.DeliverAs,
		CreatedAt:       now,
		UpdatedAt:       now,
		NextAttemptAt:   now,
	}
	if env.DeliverAs == "" {
		env.DeliverAs = DeliverSteer
	}
	if err := env.Validate(); err != nil {
		return "", err
	}
	if err := fstore.EnsureDir(filepath.Join(q.root, NewDir)); err != nil {
		return "", err
	}
	if err := fstore.WriteJSONAtomic(q.NewPath(env.ID), env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// ListReady returns the ids in new/ whose next_attempt_at has passed, in
// creation order. Unreadable envelopes are returned too; the claim path
// decides whether they are poison.
func (q *Queue) ListReady() ([]string, error) {
	names, err := fstore.ListSorted(filepath.Join(q.root, NewDir), ".json")
	if err != nil {
		return nil, err
	}
	now := q.now()
	var ready []string
	for _, name := range names {
		id := strings.TrimSuffix(name, ".json")
		var env Envelope
		if err := fstore.ReadJSON(q.NewPath(id), &env); err != nil {
			ready = append(ready, id)
			continue
		}
		if !env.NextAttemptAt.After(now) {
			ready = append(ready, id)
		}
	}
	return ready, nil
}

// Claim moves new/<id> into inflight/ and returns the envelope. ok is false
// when another claimant won the race. A claimed file that fails to decode or
// validate is deleted as poison and reported via ErrPoison.
func (q *Queue) Claim(id string) (Envelope, bool, error) {
	if err := fstore.EnsureDir(filepath.Join(q.root, InflightDir)); err != nil {
		return Envelope{}, false, err
	}
	ok, err := fstore.ClaimMove(q.NewPath(id), q.InflightPath(id))
	if err != nil || !ok {
		return Envelope{}, false, err
	}
	var env Envelope
	if err := fstore.ReadJSON(q.InflightPath(id), &env); err != nil {
		fstore.Unlink(q.InflightPath(id))
		return Envelope{}, false, fmt.Errorf("%w: %s: %v", ErrPoison, id, err)
	}
	if err := env.Validate(); err != nil {
		fstore.Unlink(q.InflightPath(id))
		return Envelope{}, false, fmt.Errorf("%w: %s: %v", ErrPoison, id, err)
	}
	return env, true, nil
}

// Ack removes a delivered envelope from inflight/.
func (q *Queue) Ack(id string) {
	fstore.Unlink(q.InflightPath(id))
}

// Requeue schedules the next attempt: bump attempts, stamp next_attempt_at
// from the retry policy, rewrite the envelope in inflight/, then move it
// back to new/. The envelope passed in is the claimed copy; its resolved
// recipient cache is preserved.
func (q *Queue) Requeue(env Envelope) (time.Duration, error) {
	delay := q.RetryDelay(env.Attempts)
	env.Attempts++
	now := q.now()
	env.UpdatedAt = caps.Timestamp{Time: now}
	env.NextAttemptAt = caps.Timestamp{Time: now.Add(delay)}
	if err := fstore.WriteJSONAtomic(q.InflightPath(env.ID), env); err != nil {
		return 0, err
	}
	if _, err := fstore.ClaimMove(q.InflightPath(env.ID), q.NewPath(env.ID)); err != nil {
		return 0, err
	}
	return delay, nil
}

// SaveResolved rewrites the claimed envelope with its resolved recipient
// list so retries reuse a stable set.
func (q *Queue) SaveResolved(env *Envelope, recipients []Recipient) error {
	env.RecipientsResolved = recipients
	env.ResolvedAt = caps.Timestamp{Time: q.now()}
	return fstore.WriteJSONAtomic(q.InflightPath(env.ID), *env)
}

// RetryDelay computes min(base * 2^attempts, cap) with +/- jitterAmp jitter.
func (q *Queue) RetryDelay(attempts int) time.Duration {
	delay := q.retryBase
	for i := 0; i < attempts && delay < q.retryCap; i++ {
		delay *= 2
	}
	if delay > q.retryCap {
		delay = q.retryCap
	}
	// jitter() in [0,1) maps onto [1-amp, 1+amp)
	factor := 1 + q.jitterAmp*(2*q.jitter()-1)
	return time.Duration(float64(delay) * factor)
}

// ReclaimStaleInflight moves back to new/ every inflight envelope whose
// updated_at exceeds the lease, covering a dispatcher that died mid-claim.
// With force, lease age is ignored (startup recovery). Returns reclaimed ids.
func (q *Queue) ReclaimStaleInflight(force bool) ([]string, error) {
	names, err := fstore.ListSorted(filepath.Join(q.root, InflightDir), ".json")
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		if err := fstore.EnsureDir(filepath.Join(q.root, NewDir)); err != nil {
			return nil, err
		}
	}
	now := q.now()
	var reclaimed []string
	for _, name := range names {
		id := strings.TrimSuffix(name, ".json")
		var env Envelope
		if err := fstore.ReadJSON(q.InflightPath(id), &env); err != nil {
			// Unreadable inflight records cannot be retried; drop them.
			fstore.Unlink(q.InflightPath(id))
			continue
		}
		if !force && now.Sub(env.UpdatedAt.Time) <= q.lease {
			continue
		}
		if ok, err := fstore.ClaimMove(q.InflightPath(id), q.NewPath(id)); err != nil {
			return reclaimed, err
		} else if ok {
			reclaimed = append(reclaimed, id)
		}
	}
	return reclaimed, nil
}

// Depth reports how many envelopes sit in new/ and inflight/.
func (q *Queue) Depth() (queued, inflight int) {
	n, _ := fstore.ListSorted(filepath.Join(q.root, NewDir), ".json")
	i, _ := fstore.ListSorted(filepath.Join(q.root, InflightDir), ".json")
	return len(n), len(i)
}

// MarkReceiptSeen drops the dedup marker for (agentID, id). Idempotent.
func (q *Queue) MarkReceiptSeen(agentID, id string) error {
	dir := filepath.Join(q.root, ReceiptsSeenDir, agentID)
	if err := fstore.EnsureDir(dir); err != nil {
		return err
	}
	return fstore.WriteFileAtomic(filepath.Join(dir, id), nil)
}

// ReceiptSeen reports whether the dedup marker for (agentID, id) exists.
func (q *Queue) ReceiptSeen(agentID, id string) bool {
	return fstore.Exists(q.DedupMarkerPath(agentID, id))
}
