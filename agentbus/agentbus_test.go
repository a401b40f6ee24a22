package agentbus_test

import (
	"path/filepath"
	"testing"

	"github.com/hazyhaar/zeus/agentbus"
)

func TestLayoutPaths(t *testing.T) {
	l := agentbus.NewLayout("/state/zeus-agent-bus")

	cases := []struct {
		got, want string
	}{
		{l.InboxNewDir("bob"), "/state/zeus-agent-bus/inbox/bob/new"},
		{l.InboxProcessingDir("bob"), "/state/zeus-agent-bus/inbox/bob/processing"},
		{l.InboxItemPath("bob", agentbus.NewDir, "E1"), "/state/zeus-agent-bus/inbox/bob/new/E1.json"},
		{l.ReceiptPath("bob", "E1"), "/state/zeus-agent-bus/receipts/bob/E1.json"},
		{l.CapabilityPath("bob"), "/state/zeus-agent-bus/caps/bob.json"},
		{l.LedgerPath("bob"), "/state/zeus-agent-bus/processed/bob.json"},
	}
	for _, c := range cases {
		if filepath.ToSlash(c.got) != c.want {
			t.Fatalf("got %q, want %q", c.got, c.want)
		}
	}
}

func TestSanitizeAgentID(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"bob", "bob"},
		{"hoplite-7", "hoplite-7"},
		{"a_b-C9", "a_b-C9"},
		{"../../etc/passwd", "______etc_passwd"},
		{"bob smith", "bob_smith"},
		{"héra", "h_ra"},
		{"", "_"},
	}
	for _, c := range cases {
		if got := agentbus.SanitizeAgentID(c.in); got != c.want {
			t.Fatalf("SanitizeAgentID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSanitizedIDsAddressSamePaths(t *testing.T) {
	// Dispatcher and extension must agree on paths even for odd ids.
	l := agentbus.NewLayout("/bus")
	if l.CapabilityPath("a b") != l.CapabilityPath("a_b") {
		t.Fatal("sanitized ids diverged")
	}
}
