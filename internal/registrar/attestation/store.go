// Package attestation implements the append-only attestation log: the
// single source of truth for every allow/deny/observe decision the
// registrar has ever made. The store is insertion-ordered, immutable once
// appended, and maintains small secondary indices for the hot test queries
// (by actor, by target, by decision).
package attestation

import (
	"fmt"
	"sync"

	registrar "github.com/tiger/audio-registrar/api/registrar"
)

// Sink optionally mirrors appends to durable storage. It is never
// authoritative: a Sink error is logged by the caller but never blocks or
// fails the in-memory append, and Sink.Append is always invoked outside the
// registrar's writer critical section.
type Sink interface {
	Append(att registrar.Attestation) error
}

// Store is an in-memory, append-only, single-writer attestation log.
type Store struct {
	mu  sync.RWMutex
	all []registrar.Attestation

	byActor    map[string][]int
	byTarget   map[registrar.StreamId][]int
	byDecision map[registrar.Decision][]int
	byID       map[string]bool
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		byActor:    make(map[string][]int),
		byTarget:   make(map[registrar.StreamId][]int),
		byDecision: make(map[registrar.Decision][]int),
		byID:       make(map[string]bool),
	}
}

// Append records att. Callers must supply a request-unique id; Append
// returns an error rather than silently accepting a duplicate, since two
// attestations must never share an id for the lifetime of the process.
func (s *Store) Append(att registrar.Attestation) error {
	if err := att.Validate(); err != nil {
		return fmt.Errorf("attestation store: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID[att.ID] {
		return fmt.Errorf("attestation store: duplicate attestation id %q", att.ID)
	}
	idx := len(s.all)
	s.all = append(s.all, att)
	s.byID[att.ID] = true
	s.byActor[att.Actor] = append(s.byActor[att.Actor], idx)
	if att.Target != nil {
		s.byTarget[*att.Target] = append(s.byTarget[*att.Target], idx)
	}
	s.byDecision[att.Decision] = append(s.byDecision[att.Decision], idx)
	return nil
}

// All returns an ordered, independent copy of the full log.
func (s *Store) All() []registrar.Attestation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]registrar.Attestation, len(s.all))
	copy(out, s.all)
	return out
}

// Count returns the number of attestations appended so far.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.all)
}

// Query filters the log by the given criteria, any of which may be the zero
// value to mean "unconstrained". Results preserve insertion order.
type Query struct {
	Actor    string
	Action   registrar.TransitionAction
	Target   *registrar.StreamId
	Decision registrar.Decision
	Since    *registrar.Attestation // matches attestations inserted at or after this one's position, by id
}

// Query returns the attestations matching q, in insertion order.
func (s *Store) Query(q Query) []registrar.Attestation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.candidateIndices(q)
	sinceIdx := -1
	if q.Since != nil {
		for i, a := range s.all {
			if a.ID == q.Since.ID {
				sinceIdx = i
				break
			}
		}
	}

	out := make([]registrar.Attestation, 0, len(candidates))
	for _, idx := range candidates {
		if idx < sinceIdx {
			continue
		}
		a := s.all[idx]
		if q.Action != "" && a.Action != q.Action {
			continue
		}
		if q.Target != nil && (a.Target == nil || *a.Target != *q.Target) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// candidateIndices picks the narrowest available index to scan, falling
// back to the full log, then returns candidates sorted in insertion order.
func (s *Store) candidateIndices(q Query) []int {
	var idxs []int
	switch {
	case q.Decision != "":
		idxs = append(idxs, s.byDecision[q.Decision]...)
	case q.Actor != "":
		idxs = append(idxs, s.byActor[q.Actor]...)
	case q.Target != nil:
		idxs = append(idxs, s.byTarget[*q.Target]...)
	default:
		idxs = make([]int, len(s.all))
		for i := range s.all {
			idxs[i] = i
		}
		return idxs
	}
	if q.Actor != "" && q.Decision != "" {
		idxs = intersectSorted(idxs, s.byActor[q.Actor])
	}
	if q.Target != nil && (q.Decision != "" || q.Actor != "") {
		idxs = intersectSorted(idxs, s.byTarget[*q.Target])
	}
	return idxs
}

func intersectSorted(a, b []int) []int {
	set := make(map[int]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	out := make([]int, 0, len(a))
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

// ToJSON losslessly serializes an attestation to its portable form. Since
// Attestation already carries JSON tags for every §3 field, this is a thin,
// named wrapper kept distinct from encoding/json so call sites read like the
// spec's to_json(att) rather than a generic marshal.
func ToJSON(att registrar.Attestation) (map[string]any, error) {
	m := map[string]any{
		"id":                   att.ID,
		"timestamp":            att.Timestamp,
		"actor":                att.Actor,
		"action":               att.Action,
		"decision":             att.Decision,
		"reason":               att.Reason,
		"invariants_checked":   att.InvariantsChecked,
		"accessibility_driven": att.AccessibilityDriven,
	}
	if att.Target != nil {
		m["target"] = *att.Target
	}
	if att.Metadata != nil {
		m["metadata"] = att.Metadata
	}
	return m, nil
}
