// Package core implements the registrar core (C5): the single mediated
// entry point every meaningful audio-stream state change must flow through.
// It orchestrates fold -> domain check -> structural check -> commit ->
// attest for request(), and the attest-only path for observe(). All writer
// state is serialized through one mutex; readers take a shared lock and
// always receive defensively-copied values.
package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	registrar "github.com/tiger/audio-registrar/api/registrar"
	"github.com/tiger/audio-registrar/internal/registrar/attestation"
	"github.com/tiger/audio-registrar/internal/registrar/domain"
	"github.com/tiger/audio-registrar/internal/registrar/fold"
	"github.com/tiger/audio-registrar/internal/registrar/policy"
	"github.com/tiger/audio-registrar/internal/registrar/structural"
)

// Metrics is the subset of metrics.Collectors the core calls. Defined here
// rather than imported directly so tests can supply a bare struct literal
// without wiring a Prometheus registry.
type Metrics interface {
	ObserveDecision(decision registrar.Decision)
	ObserveHalt(invariantID string)
	ObservePolicyDenial(invariantID string)
	ObserveLatency(d time.Duration)
}

// Config wires a Registrar's collaborators. Every field is optional. Domain
// is passed to the domain engine as given; its zero value has no plugin
// prefix and no accessibility-authorized actors, which differs from
// domain.DefaultConfig().
type Config struct {
	Domain  domain.Config
	Policy  *policy.Engine
	Sink    attestation.Sink
	Metrics Metrics
	Logger  zerolog.Logger

	// Clock and IDGen are injected for deterministic tests and replay.
	// Both default to real time / random UUIDs when nil.
	Clock func() time.Time
	IDGen func() string
}

func (c Config) clock() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}

func (c Config) newID() string {
	if c.IDGen != nil {
		return c.IDGen()
	}
	return uuid.NewString()
}

// HaltError is raised alongside a Rejected result when a HALT-classified
// domain invariant fires. Collaborators must not silently catch it; it
// signals the surrounding system to stop processing the affected request
// and surface operator visibility.
type HaltError struct {
	Violation     registrar.InvariantViolation
	AttestationID string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("registrar: HALT %s: %s (attestation %s)", e.Violation.InvariantID, e.Violation.Message, e.AttestationID)
}

// Registrar is the constitutional state authority of §4.5. The zero value
// is not usable; construct with New.
type Registrar struct {
	cfg Config

	mu        sync.RWMutex
	states    map[registrar.StreamId]registrar.AudioState
	orderNext uint64

	attestations *attestation.Store
	structural   structural.Engine
	domain       domain.Engine
}

// New constructs an empty Registrar from cfg.
func New(cfg Config) *Registrar {
	return &Registrar{
		cfg:          cfg,
		states:       make(map[registrar.StreamId]registrar.AudioState),
		attestations: attestation.New(),
		structural:   structural.New(),
		domain:       domain.New(cfg.Domain),
	}
}

// Attestations exposes the underlying store for query entry points (§4.6).
func (r *Registrar) Attestations() *attestation.Store {
	return r.attestations
}

// Get implements structural.Registry: a raw (uncloned) lookup used only by
// the invariant engines under the writer lock they're already holding.
func (r *Registrar) Get(id registrar.StreamId) (registrar.AudioState, bool) {
	s, ok := r.states[id]
	return s, ok
}

// NextOrderIndex implements structural.Registry.
func (r *Registrar) NextOrderIndex() uint64 {
	return r.orderNext
}

// GetState returns an isolated copy of the current state for id, for
// external callers. Mutating the result never perturbs the registrar.
func (r *Registrar) GetState(id registrar.StreamId) (registrar.AudioState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[id]
	if !ok {
		return registrar.AudioState{}, false
	}
	return s.Clone(), true
}

// ListStates returns an isolated copy of every stream's current state.
func (r *Registrar) ListStates() map[registrar.StreamId]registrar.AudioState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[registrar.StreamId]registrar.AudioState, len(r.states))
	for id, s := range r.states {
		out[id] = s.Clone()
	}
	return out
}

// Snapshot produces the versioned structural digest of §4.5/§6.
func (r *Registrar) Snapshot() registrar.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[registrar.StreamId]registrar.SnapshotStateEntry, len(r.states))
	for id, s := range r.states {
		states[id] = registrar.SnapshotStateEntry{
			ID:        id,
			Structure: s.ToStructure(),
			Data:      s.OpaqueData,
		}
	}
	orderMax := uint64(0)
	if r.orderNext > 0 {
		orderMax = r.orderNext - 1
	}
	return registrar.Snapshot{
		Version:          "v1",
		Timestamp:        r.cfg.clock(),
		States:           states,
		AttestationCount: uint64(r.attestations.Count()),
		OrderMax:         orderMax,
	}
}

// ListInvariants enumerates every structural and domain invariant for
// operator tooling and documentation, per §6.
func ListInvariants() []registrar.InvariantDescriptor {
	return []registrar.InvariantDescriptor{
		{ID: "identity.explicit", Scope: "structural", FailureMode: "reject"},
		{ID: "identity.immutable", Scope: "structural", FailureMode: "reject"},
		{ID: "lineage.parent_exists", Scope: "structural", FailureMode: "reject"},
		{ID: "lineage.single_parent", Scope: "structural", FailureMode: "reject"},
		{ID: "lineage.continuous", Scope: "structural", FailureMode: "halt"},
		{ID: "ordering.monotonic", Scope: "structural", FailureMode: "reject"},
		{ID: "ordering.deterministic", Scope: "structural", FailureMode: "reject"},
		{ID: "audio.ownership.single_owner", Scope: "domain", FailureMode: "reject"},
		{ID: "audio.accessibility.supremacy", Scope: "domain", FailureMode: "halt_or_reject"},
		{ID: "audio.lifecycle.ordering", Scope: "domain", FailureMode: "reject"},
		{ID: "audio.plugin.immutability", Scope: "domain", FailureMode: "reject"},
		{ID: "audio.lifecycle.commit_boundary", Scope: "domain", FailureMode: "halt"},
	}
}

// Request is the single mediated entry point of §6: normalize -> fold ->
// domain check -> structural check -> commit -> attest -> return. Exactly
// one attestation is produced regardless of outcome.
func (r *Registrar) Request(req registrar.TransitionRequest) (registrar.TransitionResult, error) {
	started := r.cfg.clock()
	result, err := r.request(req, started, false)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveLatency(r.cfg.clock().Sub(started))
	}
	return result, err
}

// ReplayRequest re-submits a reconstructed request during replay (§4.7). It
// skips the policy pre-filter (a caller-facing rate/capability gate that is
// orthogonal to state reconstruction; the original decision already
// reflects it) and pins the clock to decidedAt so folded timestamps match
// the original attestation exactly.
func (r *Registrar) ReplayRequest(req registrar.TransitionRequest, decidedAt time.Time) (registrar.TransitionResult, error) {
	return r.request(req, decidedAt, true)
}

func (r *Registrar) request(req registrar.TransitionRequest, now time.Time, skipPolicy bool) (registrar.TransitionResult, error) {
	if req.RequestID == "" {
		req.RequestID = r.cfg.newID()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = now
	}

	if !skipPolicy && r.cfg.Policy != nil {
		if v := r.cfg.Policy.Evaluate(req); v != nil {
			return r.denyImmediately(req, now, *v)
		}
	}

	if err := req.Validate(); err != nil {
		v := registrar.InvariantViolation{
			InvariantID:    "system.malformed_request",
			Classification: registrar.ClassificationReject,
			Message:        fmt.Sprintf("system.malformed_request: %v", err),
		}
		return r.denyImmediately(req, now, v)
	}

	r.mu.Lock()

	var current *registrar.AudioState
	if req.Target != nil {
		if s, ok := r.states[*req.Target]; ok {
			cp := s
			current = &cp
		}
	}

	// Only Start creates a stream (§3 Lifecycle). Any other action aimed at
	// a stream_id with no current state is an invalid transition from the
	// implicit idle initial, not an implicit creation.
	if current == nil && req.Action != registrar.ActionStart {
		v := registrar.InvariantViolation{
			InvariantID:    "audio.lifecycle.ordering",
			Classification: registrar.ClassificationReject,
			Message:        fmt.Sprintf("audio.lifecycle.ordering: invalid_transition: stream does not exist; only start creates a stream (got %s)", req.Action),
		}
		result, rerr, att, commitFailCause := r.denyLocked(req, now, v, domain.Outcome{Checked: []string{"audio.lifecycle.ordering"}}, v)
		r.mu.Unlock()
		r.finishDeny(req, att, result, rerr, commitFailCause)
		return result, rerr
	}

	folded, err := fold.Fold(current, req, now, r.cfg.newID())
	if err != nil {
		v := registrar.InvariantViolation{
			InvariantID:    "system.fold_failed",
			Classification: registrar.ClassificationReject,
			Message:        fmt.Sprintf("system.fold_failed: %v", err),
		}
		result, rerr, att, commitFailCause := r.denyLocked(req, now, v, domain.Outcome{}, v)
		r.mu.Unlock()
		r.finishDeny(req, att, result, rerr, commitFailCause)
		return result, rerr
	}
	proposed := folded.Proposed

	domainOutcome := r.domain.Check(req, current, proposed, folded.LifecycleAdmissible)
	if len(domainOutcome.Violations) > 0 {
		result, rerr, att, commitFailCause := r.denyLocked(req, now, leadViolation(domainOutcome.Violations), domainOutcome, withAll(domainOutcome.Violations)...)
		r.mu.Unlock()
		r.finishDeny(req, att, result, rerr, commitFailCause)
		return result, rerr
	}

	if current != nil {
		proposed.Version = current.Version + 1
	} else {
		proposed.Version = 0
	}
	proposed.OrderIndex = r.orderNext

	var fromID *registrar.StreamId
	if current != nil {
		fromID = req.Target
	}
	structOutcome := r.structural.Check(r, fromID, proposed)
	if len(structOutcome.Violations) > 0 {
		checkedSoFar := domain.Outcome{Checked: append(append([]string{}, domainOutcome.Checked...), structOutcome.Checked...)}
		result, rerr, att, commitFailCause := r.denyLocked(req, now, leadViolation(structOutcome.Violations), checkedSoFar, append(withAll(domainOutcome.Violations), structOutcome.Violations...)...)
		r.mu.Unlock()
		r.finishDeny(req, att, result, rerr, commitFailCause)
		return result, rerr
	}

	att := registrar.Attestation{
		ID:                  r.cfg.newID(),
		Timestamp:           now,
		Actor:               req.Actor,
		Action:              req.Action,
		Target:              streamIDPtr(proposed.StreamID),
		Decision:            registrar.DecisionAllowed,
		Reason:              "",
		InvariantsChecked:   append(append([]string{}, domainOutcome.Checked...), structOutcome.Checked...),
		AccessibilityDriven: folded.AccessibilityDriven,
		Metadata:            req.Metadata,
	}
	if err := r.attestations.Append(att); err != nil {
		result, rerr := r.commitFailedLocked(req, now, err)
		r.mu.Unlock()
		r.cfg.Logger.Error().Err(err).Msg("system.commit_failed: attestation append failed, registry unchanged")
		return result, rerr
	}

	r.states[proposed.StreamID] = proposed
	r.orderNext++
	r.mu.Unlock()

	// Sink mirroring, metrics, and logging happen only after the writer
	// lock is released: §5 forbids I/O inside the critical section, and a
	// synchronous sqlite-backed sink would otherwise block every writer on
	// disk I/O.
	r.mirrorSink(att)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveDecision(registrar.DecisionAllowed)
	}
	if r.cfg.Policy != nil {
		r.cfg.Policy.RecordOutcome(req.Actor, req.Action, true, proposed.Lifecycle.Terminal())
	}
	r.cfg.Logger.Debug().
		Str("attestation_id", att.ID).
		Str("stream_id", string(proposed.StreamID)).
		Str("action", string(req.Action)).
		Uint64("order_index", proposed.OrderIndex).
		Msg("transition accepted")

	return registrar.TransitionResult{
		Kind:                registrar.ResultAccepted,
		StreamID:            proposed.StreamID,
		OrderIndex:           proposed.OrderIndex,
		AppliedInvariants:   att.InvariantsChecked,
		AttestationID:       att.ID,
		AccessibilityDriven: folded.AccessibilityDriven,
		Timestamp:           now,
	}, nil
}

// denyLocked appends a denied attestation while the writer lock is held
// (domain/structural failures discovered mid-pipeline). checked carries
// every invariant evaluated so far so the attestation reflects the full
// set. Must be called with r.mu held; it performs only the in-memory
// attestation append. Sink mirroring, metrics, and logging are the
// caller's job once r.mu is released via finishDeny.
func (r *Registrar) denyLocked(req registrar.TransitionRequest, now time.Time, lead registrar.InvariantViolation, domainOutcome domain.Outcome, all ...registrar.InvariantViolation) (result registrar.TransitionResult, err error, att registrar.Attestation, commitFailCause error) {
	checked := domainOutcome.Checked
	accessibilityDriven := false
	for _, v := range all {
		if v.InvariantID == "audio.accessibility.supremacy" {
			accessibilityDriven = true
		}
	}

	att = registrar.Attestation{
		ID:                  r.cfg.newID(),
		Timestamp:           now,
		Actor:               req.Actor,
		Action:              req.Action,
		Target:              req.Target,
		Decision:            registrar.DecisionDenied,
		Reason:              joinViolationMessages(all),
		InvariantsChecked:   checked,
		AccessibilityDriven: accessibilityDriven,
		Metadata:            req.Metadata,
	}
	if appendErr := r.attestations.Append(att); appendErr != nil {
		result, err = r.commitFailedLocked(req, now, appendErr)
		return result, err, registrar.Attestation{}, appendErr
	}

	result = registrar.TransitionResult{
		Kind:                registrar.ResultRejected,
		Violations:          all,
		AttestationID:       att.ID,
		AccessibilityDriven: accessibilityDriven,
		Timestamp:           now,
	}

	if lead.IsHalt() {
		return result, &HaltError{Violation: lead, AttestationID: att.ID}, att, nil
	}
	return result, nil, att, nil
}

// finishDeny runs the observability side effects for a denied outcome once
// r.mu has already been released. commitFailCause is non-nil only when the
// denial's own attestation append failed; that rare case was already
// attested by commitFailedLocked and just needs its cause logged here.
func (r *Registrar) finishDeny(req registrar.TransitionRequest, att registrar.Attestation, result registrar.TransitionResult, err error, commitFailCause error) {
	if commitFailCause != nil {
		r.cfg.Logger.Error().Err(commitFailCause).Msg("system.commit_failed: attestation append failed, registry unchanged")
		return
	}

	r.mirrorSink(att)

	var haltErr *HaltError
	if errors.As(err, &haltErr) {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.ObserveHalt(haltErr.Violation.InvariantID)
		}
		r.cfg.Logger.Error().
			Str("attestation_id", att.ID).
			Str("invariant_id", haltErr.Violation.InvariantID).
			Str("actor", req.Actor).
			Str("action", string(req.Action)).
			Msg("HALT: fatal invariant violation")
		return
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveDecision(registrar.DecisionDenied)
	}
	leadID := ""
	if len(result.Violations) > 0 {
		leadID = result.Violations[0].InvariantID
	}
	r.cfg.Logger.Debug().
		Str("attestation_id", att.ID).
		Str("invariant_id", leadID).
		Msg("transition denied")
}

// denyImmediately handles denials discovered before the writer lock is
// taken (malformed request, policy pre-filter) but still appends exactly
// one attestation, per §4.5.
func (r *Registrar) denyImmediately(req registrar.TransitionRequest, now time.Time, v registrar.InvariantViolation) (registrar.TransitionResult, error) {
	r.mu.Lock()
	result, err, att, commitFailCause := r.denyLocked(req, now, v, domain.Outcome{}, v)
	r.mu.Unlock()

	r.finishDeny(req, att, result, err, commitFailCause)
	if commitFailCause == nil && isPolicyViolation(v) && r.cfg.Metrics != nil {
		r.cfg.Metrics.ObservePolicyDenial(v.InvariantID)
	}
	return result, err
}

func isPolicyViolation(v registrar.InvariantViolation) bool {
	return len(v.InvariantID) >= 7 && v.InvariantID[:7] == "policy."
}

// commitFailedLocked handles the case where appending the would-be
// attestation itself failed (duplicate id collision, or an attestation that
// fails its own field validation). No registry mutation has happened yet, so
// nothing is rolled back; we simply attest the failure under a fresh id.
// Must be called with r.mu held; the caller logs the failure after
// releasing the lock.
func (r *Registrar) commitFailedLocked(req registrar.TransitionRequest, now time.Time, cause error) (registrar.TransitionResult, error) {
	v := registrar.InvariantViolation{
		InvariantID:    "system.commit_failed",
		Classification: registrar.ClassificationReject,
		Message:        fmt.Sprintf("system.commit_failed: %v", cause),
	}
	att := registrar.Attestation{
		ID:        r.cfg.newID(),
		Timestamp: now,
		Actor:     req.Actor,
		Action:    req.Action,
		Target:    req.Target,
		Decision:  registrar.DecisionDenied,
		Reason:    v.Message,
		Metadata:  req.Metadata,
	}
	_ = r.attestations.Append(att) // best-effort; a second failure is reported via cause only
	return registrar.TransitionResult{
		Kind:          registrar.ResultRejected,
		Violations:    []registrar.InvariantViolation{v},
		AttestationID: att.ID,
		Timestamp:     now,
	}, nil
}

// Observe records a shadow attestation with decision=observed, without any
// invariant check or state change, for shadow-mode migrations (§4.5, §6).
// Only the attestation's own fields (id, decision, actor) are validated.
func (r *Registrar) Observe(req registrar.TransitionRequest) error {
	now := r.cfg.clock()
	if req.RequestID == "" {
		req.RequestID = r.cfg.newID()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = now
	}
	att := registrar.Attestation{
		ID:        r.cfg.newID(),
		Timestamp: now,
		Actor:     req.Actor,
		Action:    req.Action,
		Target:    req.Target,
		Decision:  registrar.DecisionObserved,
		Metadata:  req.Metadata,
	}
	if err := att.Validate(); err != nil {
		return fmt.Errorf("registrar: observe: %w", err)
	}
	if err := r.attestations.Append(att); err != nil {
		return fmt.Errorf("registrar: observe: %w", err)
	}
	r.mirrorSink(att)
	return nil
}

func (r *Registrar) mirrorSink(att registrar.Attestation) {
	if r.cfg.Sink == nil {
		return
	}
	if err := r.cfg.Sink.Append(att); err != nil {
		r.cfg.Logger.Error().Err(err).Str("attestation_id", att.ID).Msg("durable attestation sink append failed")
	}
}

func streamIDPtr(id registrar.StreamId) *registrar.StreamId {
	return &id
}

func withAll(v []registrar.InvariantViolation) []registrar.InvariantViolation {
	return v
}

// leadViolation picks the violation that determines the outcome's
// classification: a HALT takes precedence over any ordinary reject, per
// §4.3's fail-closed, HALT-first ordering.
func leadViolation(vs []registrar.InvariantViolation) registrar.InvariantViolation {
	for _, v := range vs {
		if v.IsHalt() {
			return v
		}
	}
	return vs[0]
}

func joinViolationMessages(vs []registrar.InvariantViolation) string {
	out := ""
	for i, v := range vs {
		if i > 0 {
			out += "; "
		}
		out += v.Message
	}
	return out
}
