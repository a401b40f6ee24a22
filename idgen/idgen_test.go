package idgen_test

import (
	"sort"
	"testing"
	"time"

	"github.com/hazyhaar/zeus/idgen"
)

func TestUUIDv7Unique(t *testing.T) {
	gen := idgen.UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestUUIDv7TimeOrdered(t *testing.T) {
	// Ids minted across distinct milliseconds must sort in mint order.
	gen := idgen.UUIDv7()
	a := gen()
	time.Sleep(2 * time.Millisecond)
	b := gen()
	if !(a < b) {
		t.Fatalf("ids out of order: %s !< %s", a, b)
	}
}

func TestPrefixed(t *testing.T) {
	gen := idgen.Prefixed("evt_", idgen.Sequenced("x"))
	if got := gen(); got != "evt_x-000001" {
		t.Fatalf("got %q", got)
	}
}

func TestSequencedSortsInMintOrder(t *testing.T) {
	gen := idgen.Sequenced("m")
	ids := []string{gen(), gen(), gen()}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("ids not sorted: %v", ids)
	}
}

func TestNewUsesDefault(t *testing.T) {
	if idgen.New() == "" {
		t.Fatal("empty id")
	}
}
