package registry_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/zeus/agentbus"
	"github.com/hazyhaar/zeus/caps"
	"github.com/hazyhaar/zeus/fstore"
	"github.com/hazyhaar/zeus/registry"
)

func seed(t *testing.T, dir string, agents ...caps.Heartbeat) *registry.BusRegistry {
	t.Helper()
	layout := agentbus.NewLayout(dir)
	reg := caps.NewRegistry(layout, caps.WithClock(time.Now))
	for _, hb := range agents {
		hb.Supports.QueueBus = true
		if err := reg.Publish(hb); err != nil {
			t.Fatal(err)
		}
	}
	return registry.NewBusRegistry(reg, filepath.Join(dir, "zeus-names.json"))
}

func TestLookupByID(t *testing.T) {
	r := seed(t, t.TempDir(),
		caps.Heartbeat{AgentID: "h1", Role: "hoplite", PhalanxID: "X"},
	)
	a, ok := r.LookupByID("h1")
	if !ok || a.Role != "hoplite" || a.PhalanxID != "X" {
		t.Fatalf("ok=%v agent=%+v", ok, a)
	}
	if _, ok := r.LookupByID("ghost"); ok {
		t.Fatal("unknown id resolved")
	}
}

func TestLookupByNameCaseInsensitive(t *testing.T) {
	r := seed(t, t.TempDir(),
		caps.Heartbeat{AgentID: "h1", Name: "Bob"},
		caps.Heartbeat{AgentID: "h2", Name: "carol"},
	)
	if got := r.LookupByName("bob"); len(got) != 1 || got[0].ID != "h1" {
		t.Fatalf("got %+v", got)
	}
}

func TestLookupByNameAmbiguous(t *testing.T) {
	r := seed(t, t.TempDir(),
		caps.Heartbeat{AgentID: "h1", Name: "Bob"},
		caps.Heartbeat{AgentID: "h2", Name: "BOB"},
	)
	if got := r.LookupByName("bob"); len(got) != 2 {
		t.Fatalf("want both matches, got %+v", got)
	}
}

func TestNameDefaultsToID(t *testing.T) {
	r := seed(t, t.TempDir(), caps.Heartbeat{AgentID: "h1"})
	if got := r.LookupByName("h1"); len(got) != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestNamesFileOverride(t *testing.T) {
	dir := t.TempDir()
	r := seed(t, dir, caps.Heartbeat{AgentID: "h1", Name: "worker"})
	if err := fstore.WriteJSONAtomic(filepath.Join(dir, "zeus-names.json"),
		map[string]string{"h1": "Atlas"}); err != nil {
		t.Fatal(err)
	}

	if got := r.LookupByName("atlas"); len(got) != 1 || got[0].ID != "h1" {
		t.Fatalf("override not applied: %+v", got)
	}
	if got := r.LookupByName("worker"); len(got) != 0 {
		t.Fatalf("old name still resolves: %+v", got)
	}
}

func TestListPhalanxSortedAndScoped(t *testing.T) {
	r := seed(t, t.TempDir(),
		caps.Heartbeat{AgentID: "h2", PhalanxID: "X"},
		caps.Heartbeat{AgentID: "h1", PhalanxID: "X"},
		caps.Heartbeat{AgentID: "h3", PhalanxID: "Y"},
	)
	got := r.ListPhalanx("X")
	if len(got) != 2 || got[0].ID != "h1" || got[1].ID != "h2" {
		t.Fatalf("got %+v", got)
	}
	if r.ListPhalanx("") != nil {
		t.Fatal("empty phalanx id must resolve to nothing")
	}
}

func TestParentOf(t *testing.T) {
	r := seed(t, t.TempDir(),
		caps.Heartbeat{AgentID: "h1", ParentID: "p1"},
	)
	if got := r.ParentOf("h1"); got != "p1" {
		t.Fatalf("parent = %q", got)
	}
	if got := r.ParentOf("ghost"); got != "" {
		t.Fatalf("parent of unknown = %q", got)
	}
}
