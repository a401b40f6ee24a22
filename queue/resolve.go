package queue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/zeus/registry"
)

// Sentinel errors of claim and resolution. Resolution failures keep the
// envelope queued; ErrPoison means the record itself is unusable and has
// been discarded.
var (
	ErrPoison             = errors.New("queue: poison envelope")
	ErrUnknownRecipient   = errors.New("queue: unknown recipient")
	ErrAmbiguousRecipient = errors.New("queue: ambiguous recipient")
	ErrMissingParent      = errors.New("queue: sender has no parent")
	ErrMissingPhalanx     = errors.New("queue: sender has no phalanx")
)

// Resolve maps an envelope's target expression onto concrete recipients
// using the supplied registry. The grammar:
//
//	agent:<id> | hoplite:<id>   direct id lookup
//	name:<display> | <display>  case-insensitive exact display-name match
//	polemarch                   the sender's parent
//	phalanx                     the sender's phalanx members, sender excluded
//
// Resolution is deterministic for a fixed registry state; the caller caches
// the result on the envelope so retries stay stable.
func Resolve(env *Envelope, reg registry.AgentRegistry) ([]Recipient, error) {
	target := strings.TrimSpace(env.Target)
	switch {
	case target == "polemarch":
		return resolveParent(env, reg)
	case target == "phalanx":
		return resolvePhalanx(env, reg)
	case strings.HasPrefix(target, "agent:"):
		return resolveID(strings.TrimPrefix(target, "agent:"), reg)
	case strings.HasPrefix(target, "hoplite:"):
		return resolveID(strings.TrimPrefix(target, "hoplite:"), reg)
	case strings.HasPrefix(target, "name:"):
		return resolveName(strings.TrimPrefix(target, "name:"), reg)
	default:
		return resolveName(target, reg)
	}
}

func resolveID(id string, reg registry.AgentRegistry) ([]Recipient, error) {
	id = strings.TrimSpace(id)
	a, ok := reg.LookupByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %q", ErrUnknownRecipient, id)
	}
	return []Recipient{toRecipient(a)}, nil
}

func resolveName(name string, reg registry.AgentRegistry) ([]Recipient, error) {
	name = strings.TrimSpace(name)
	matches := reg.LookupByName(name)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: name %q", ErrUnknownRecipient, name)
	case 1:
		return []Recipient{toRecipient(matches[0])}, nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, fmt.Errorf("%w: name %q matches %s", ErrAmbiguousRecipient, name, strings.Join(ids, ", "))
	}
}

func resolveParent(env *Envelope, reg registry.AgentRegistry) ([]Recipient, error) {
	parent := env.SourceParentID
	if parent == "" {
		parent = reg.ParentOf(env.SourceAgentID)
	}
	if parent == "" {
		return nil, fmt.Errorf("%w: sender %q", ErrMissingParent, env.SourceAgentID)
	}
	a, ok := reg.LookupByID(parent)
	if !ok {
		return nil, fmt.Errorf("%w: parent id %q", ErrUnknownRecipient, parent)
	}
	return []Recipient{toRecipient(a)}, nil
}

func resolvePhalanx(env *Envelope, reg registry.AgentRegistry) ([]Recipient, error) {
	if env.SourcePhalanxID == "" {
		return nil, fmt.Errorf("%w: sender %q", ErrMissingPhalanx, env.SourceAgentID)
	}
	var out []Recipient
	for _, a := range reg.ListPhalanx(env.SourcePhalanxID) {
		if a.ID == env.SourceAgentID {
			continue
		}
		out = append(out, toRecipient(a))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: phalanx %q has no other members", ErrUnknownRecipient, env.SourcePhalanxID)
	}
	return out, nil
}

func toRecipient(a registry.Agent) Recipient {
	return Recipient{AgentID: a.ID, Name: a.Name, Role: a.Role}
}

// Structural reports whether err marks a condition retries cannot fix by
// waiting alone (unknown or ambiguous recipient, missing topology). Such
// failures are surfaced force-visibly on first occurrence.
func Structural(err error) bool {
	return errors.Is(err, ErrUnknownRecipient) ||
		errors.Is(err, ErrAmbiguousRecipient) ||
		errors.Is(err, ErrMissingParent) ||
		errors.Is(err, ErrMissingPhalanx)
}
