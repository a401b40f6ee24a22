// Package idgen produces the message and envelope identifiers of the bus.
//
// Every durable record is named after its id, and queue listings rely on
// lexical filename order matching creation order, so the default generator
// is UUIDv7 (RFC 9562): time-ordered, globally unique, and stable across
// processes. The strategy is pluggable for tests.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings. Their
// lexical order is creation order, which the queue file naming depends on.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every id.
// Used for type-scoped identifiers (e.g. "evt_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequenced returns a deterministic Generator for tests: prefix-000001,
// prefix-000002, ... Lexical order still matches creation order.
func Sequenced(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%06d", prefix, n)
	}
}

// Default is the bus-wide default strategy.
var Default Generator = UUIDv7()

// New produces an id using the Default generator.
func New() string {
	return Default()
}
