// Package inbox implements the extension-side half of the bus: claiming
// items from the agent's inbox, submitting them to the local runtime exactly
// once, and emitting accepted receipts. The at-most-once guarantee rests on
// the processed-id ledger and a strict ordering: ledger write, then receipt
// write, then processing-file delete.
package inbox

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hazyhaar/zeus/agentbus"
	"github.com/hazyhaar/zeus/caps"
	"github.com/hazyhaar/zeus/fstore"
)

// Item is one message awaiting a recipient, written by the dispatcher into
// inbox/<agent>/new/ and claimed by the agent's extension.
type Item struct {
	ID            string         `json:"id"`
	Message       string         `json:"message"`
	DeliverAs     string         `json:"deliver_as"`
	SourceAgentID string         `json:"source_agent_id"`
	SourceName    string         `json:"source_name,omitempty"`
	SourceRole    string         `json:"source_role,omitempty"`
	CreatedAt     caps.Timestamp `json:"created_at"`
}

// Validate rejects items the protocol cannot process. Invalid items are
// poison: deleted, never retried.
func (it *Item) Validate() error {
	if strings.TrimSpace(it.ID) == "" {
		return errors.New("inbox: item without id")
	}
	if strings.TrimSpace(it.Message) == "" {
		return errors.New("inbox: item without message")
	}
	return nil
}

// Receipt acknowledges acceptance of one item by one agent.
type Receipt struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	AcceptedAt  caps.Timestamp `json:"accepted_at"`
	AgentID     string         `json:"agent_id"`
	SessionID   string         `json:"session_id"`
	SessionPath string         `json:"session_path"`
}

// StatusAccepted is the only receipt status the protocol defines.
const StatusAccepted = "accepted"

// Runtime is the host the extension submits into. SendUserMessage may block
// and may fail; failure means the item goes back for retry.
type Runtime interface {
	SendUserMessage(text, deliverAs string) error
	SessionID() string
	SessionPath() string
}

// ledgerRecord is the on-disk shape of processed/<agent>.json.
type ledgerRecord struct {
	UpdatedAt caps.Timestamp `json:"updated_at"`
	IDs       []string       `json:"ids"`
}

// Ledger is the durable processed-id set for one agent. One writer: the
// agent's own extension. Loaded lazily once, then kept in memory.
type Ledger struct {
	path string
	keep int

	mu     sync.Mutex
	loaded bool
	ids    map[string]bool
}

// NewLedger returns a Ledger persisted at path, trimmed to the newest keep
// ids on every persist. Ids are time-sortable, so count-trimming the sorted
// list ages out the oldest entries.
func NewLedger(path string, keep int) *Ledger {
	if keep <= 0 {
		keep = 10_000
	}
	return &Ledger{path: path, keep: keep, ids: make(map[string]bool)}
}

func (l *Ledger) load() {
	if l.loaded {
		return
	}
	l.loaded = true
	var rec ledgerRecord
	if err := fstore.ReadJSON(l.path, &rec); err != nil {
		// Missing or corrupt ledger starts empty; duplicates are then
		// filtered by the receipt check upstream.
		return
	}
	for _, id := range rec.IDs {
		l.ids[id] = true
	}
}

// Contains reports whether id was already submitted.
func (l *Ledger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load()
	return l.ids[id]
}

// Add records id and persists the full ledger atomically.
func (l *Ledger) Add(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load()
	l.ids[id] = true

	sorted := make([]string, 0, len(l.ids))
	for id := range l.ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	if len(sorted) > l.keep {
		drop := sorted[:len(sorted)-l.keep]
		for _, id := range drop {
			delete(l.ids, id)
		}
		sorted = sorted[len(sorted)-l.keep:]
	}

	if err := fstore.EnsureDir(filepath.Dir(l.path)); err != nil {
		return err
	}
	rec := ledgerRecord{UpdatedAt: caps.Now(), IDs: sorted}
	if err := fstore.WriteJSONAtomic(l.path, rec); err != nil {
		return fmt.Errorf("inbox: persist ledger: %w", err)
	}
	return nil
}

// Len reports the in-memory set size.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load()
	return len(l.ids)
}

// Protocol processes one agent's inbox against one runtime.
type Protocol struct {
	agentID string
	layout  agentbus.Layout
	ledger  *Ledger
	runtime Runtime
	log     *slog.Logger

	// mu serializes pump passes. Two overlapping passes would both see an
	// item in processing/ before either records it in the ledger and submit
	// it twice.
	mu sync.Mutex
}

// NewProtocol wires the protocol for agentID over layout.
func NewProtocol(agentID string, layout agentbus.Layout, ledger *Ledger, rt Runtime, log *slog.Logger) *Protocol {
	return &Protocol{
		agentID: agentID,
		layout:  layout,
		ledger:  ledger,
		runtime: rt,
		log:     log.With("agent_id", agentID),
	}
}

// EnsureDirs creates the inbox directories so the watcher has something to
// attach to before the first delivery.
func (p *Protocol) EnsureDirs() error {
	for _, d := range []string{
		p.layout.InboxNewDir(p.agentID),
		p.layout.InboxProcessingDir(p.agentID),
		p.layout.ReceiptsDir(p.agentID),
	} {
		if err := fstore.EnsureDir(d); err != nil {
			return err
		}
	}
	return nil
}

// Pump runs one full inbox pass: recover stuck claims from processing/,
// then drain new/. Concurrent calls serialize; the later one waits, then
// runs its own full pass over whatever remains.
func (p *Protocol) Pump() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.EnsureDirs(); err != nil {
		return err
	}

	// Crash recovery: anything still in processing/ belongs to a pump that
	// died mid-file.
	stuck, err := fstore.ListSorted(p.layout.InboxProcessingDir(p.agentID), ".json")
	if err != nil {
		return err
	}
	for _, name := range stuck {
		p.processOne(name)
	}

	fresh, err := fstore.ListSorted(p.layout.InboxNewDir(p.agentID), ".json")
	if err != nil {
		return err
	}
	for _, name := range fresh {
		src := p.layout.InboxItemPath(p.agentID, agentbus.NewDir, trimJSON(name))
		dst := p.layout.InboxItemPath(p.agentID, agentbus.ProcessingDir, trimJSON(name))
		ok, err := fstore.ClaimMove(src, dst)
		if err != nil {
			p.log.Warn("inbox claim failed", "item", name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		p.processOne(name)
	}
	return nil
}

// processOne handles one file sitting in processing/. Errors are logged,
// not returned: a failed item must not stall the rest of the inbox.
func (p *Protocol) processOne(filename string) {
	id := trimJSON(filename)
	path := p.layout.InboxItemPath(p.agentID, agentbus.ProcessingDir, id)

	var item Item
	if err := fstore.ReadJSON(path, &item); err != nil {
		p.log.Warn("poison inbox item dropped", "item", filename, "error", err)
		fstore.Unlink(path)
		return
	}
	if err := item.Validate(); err != nil {
		p.log.Warn("poison inbox item dropped", "item", filename, "error", err)
		fstore.Unlink(path)
		return
	}

	if p.ledger.Contains(item.ID) {
		// Duplicate: converge without resubmitting. The receipt may be
		// missing when a prior pump crashed between ledger and receipt.
		if err := p.writeReceipt(item.ID); err != nil {
			p.log.Error("receipt re-emit failed", "id", item.ID, "error", err)
			return
		}
		fstore.Unlink(path)
		return
	}

	if err := p.runtime.SendUserMessage(item.Message, item.DeliverAs); err != nil {
		p.log.Warn("runtime submit failed, requeueing", "id", item.ID, "error", err)
		back := p.layout.InboxItemPath(p.agentID, agentbus.NewDir, id)
		if _, err := fstore.ClaimMove(path, back); err != nil {
			p.log.Error("requeue failed", "id", item.ID, "error", err)
		}
		return
	}

	// Ordering below is the at-most-once guarantee: once the id is in the
	// ledger, no future pump resubmits it, whatever else is missing.
	if err := p.ledger.Add(item.ID); err != nil {
		p.log.Error("ledger write failed after submit", "id", item.ID, "error", err)
		return
	}
	if err := p.writeReceipt(item.ID); err != nil {
		p.log.Error("receipt write failed", "id", item.ID, "error", err)
		return
	}
	fstore.Unlink(path)
	p.log.Info("message accepted", "id", item.ID, "from", item.SourceAgentID)
}

// writeReceipt emits the accepted receipt if not already present.
func (p *Protocol) writeReceipt(id string) error {
	path := p.layout.ReceiptPath(p.agentID, id)
	if fstore.Exists(path) {
		return nil
	}
	if err := fstore.EnsureDir(p.layout.ReceiptsDir(p.agentID)); err != nil {
		return err
	}
	return fstore.WriteJSONAtomic(path, Receipt{
		ID:          id,
		Status:      StatusAccepted,
		AcceptedAt:  caps.Now(),
		AgentID:     p.agentID,
		SessionID:   p.runtime.SessionID(),
		SessionPath: p.runtime.SessionPath(),
	})
}

func trimJSON(name string) string {
	return strings.TrimSuffix(name, ".json")
}
