// Package agentbus defines the on-disk layout of the shared agent bus: the
// per-agent inbox, receipt, capability, and processed-ledger paths under
// STATE_DIR/zeus-agent-bus. Both the dispatcher and the agent extensions
// address the bus exclusively through these helpers so the two sides can
// never disagree on a path.
package agentbus

import (
	"path/filepath"
	"strings"
)

// Subdirectory names under the bus root.
const (
	inboxDir    = "inbox"
	receiptsDir = "receipts"
	capsDir     = "caps"
	ledgerDir   = "processed"

	// NewDir and ProcessingDir are the two states of an inbox item. An item
	// lives in exactly one of them at any instant.
	NewDir        = "new"
	ProcessingDir = "processing"
)

// Layout resolves bus paths for a fixed root directory.
type Layout struct {
	root string
}

// NewLayout returns a Layout rooted at dir (normally cfg.AgentBusDir).
func NewLayout(dir string) Layout {
	return Layout{root: dir}
}

// Root returns the bus root directory.
func (l Layout) Root() string {
	return l.root
}

// InboxDir returns inbox/<agent>.
func (l Layout) InboxDir(agentID string) string {
	return filepath.Join(l.root, inboxDir, SanitizeAgentID(agentID))
}

// InboxNewDir returns inbox/<agent>/new.
func (l Layout) InboxNewDir(agentID string) string {
	return filepath.Join(l.InboxDir(agentID), NewDir)
}

// InboxProcessingDir returns inbox/<agent>/processing.
func (l Layout) InboxProcessingDir(agentID string) string {
	return filepath.Join(l.InboxDir(agentID), ProcessingDir)
}

// InboxItemPath returns inbox/<agent>/<state>/<id>.json.
func (l Layout) InboxItemPath(agentID, state, id string) string {
	return filepath.Join(l.InboxDir(agentID), state, id+".json")
}

// ReceiptsDir returns receipts/<agent>.
func (l Layout) ReceiptsDir(agentID string) string {
	return filepath.Join(l.root, receiptsDir, SanitizeAgentID(agentID))
}

// ReceiptPath returns receipts/<agent>/<id>.json.
func (l Layout) ReceiptPath(agentID, id string) string {
	return filepath.Join(l.ReceiptsDir(agentID), id+".json")
}

// CapsDir returns the capability heartbeat directory.
func (l Layout) CapsDir() string {
	return filepath.Join(l.root, capsDir)
}

// CapabilityPath returns caps/<agent>.json.
func (l Layout) CapabilityPath(agentID string) string {
	return filepath.Join(l.CapsDir(), SanitizeAgentID(agentID)+".json")
}

// LedgerPath returns processed/<agent>.json.
func (l Layout) LedgerPath(agentID string) string {
	return filepath.Join(l.root, ledgerDir, SanitizeAgentID(agentID)+".json")
}

// SanitizeAgentID maps an arbitrary agent id onto the filename-safe alphabet
// [A-Za-z0-9_-]. Every other byte becomes '_'. Both sides of the bus apply
// the same mapping, so a sanitized id still addresses one agent.
func SanitizeAgentID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
