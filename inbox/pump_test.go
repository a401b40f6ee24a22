package inbox_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hazyhaar/zeus/fstore"
	"github.com/hazyhaar/zeus/inbox"
)

func TestPumperDeliversAfterTrigger(t *testing.T) {
	f := newFixture(t)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	pumper := inbox.NewPumper(f.protocol, time.Millisecond, log)

	f.deliver(t, "E1", "hello")
	pumper.Trigger()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fstore.Exists(f.layout.ReceiptPath("bob", "E1")) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("receipt never appeared")
}

func TestPumperCoalescesBurst(t *testing.T) {
	// A burst of triggers must still deliver everything exactly once.
	f := newFixture(t)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	pumper := inbox.NewPumper(f.protocol, time.Millisecond, log)

	f.deliver(t, "E1", "one")
	f.deliver(t, "E2", "two")
	for i := 0; i < 20; i++ {
		pumper.Trigger()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fstore.Exists(f.layout.ReceiptPath("bob", "E1")) &&
			fstore.Exists(f.layout.ReceiptPath("bob", "E2")) {
			if len(f.runtime.submitted()) != 2 {
				t.Fatalf("submits = %v", f.runtime.submitted())
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("receipts never appeared")
}

func TestPumperFlushIsSynchronous(t *testing.T) {
	f := newFixture(t)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	pumper := inbox.NewPumper(f.protocol, 50*time.Millisecond, log)

	f.deliver(t, "E1", "hello")
	if err := pumper.Flush(); err != nil {
		t.Fatal(err)
	}
	if !fstore.Exists(f.layout.ReceiptPath("bob", "E1")) {
		t.Fatal("flush did not pump")
	}
}
