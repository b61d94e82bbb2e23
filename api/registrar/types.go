// Package registrar defines the wire-level data model for the audio stream
// state authority: streams, ownership, accessibility overrides, transition
// requests/results, and attestations. Types here are pure data: validation
// only, no behavior that touches a registry.
package registrar

import (
	"fmt"
	"time"
)

// StreamId identifies a managed audio stream. Immutable once chosen.
type StreamId string

// StreamState is the lifecycle tag of an AudioState.
type StreamState string

const (
	StateIdle          StreamState = "idle"
	StateCompiling     StreamState = "compiling"
	StateSynthesizing  StreamState = "synthesizing"
	StatePlaying       StreamState = "playing"
	StateInterrupting  StreamState = "interrupting"
	StateStopped       StreamState = "stopped"
	StateFailed        StreamState = "failed"
)

func isStreamState(s StreamState) bool {
	switch s {
	case StateIdle, StateCompiling, StateSynthesizing, StatePlaying, StateInterrupting, StateStopped, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether a state only admits Restart.
func (s StreamState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// TransitionAction enumerates every action the registrar accepts.
type TransitionAction string

const (
	ActionStart    TransitionAction = "start"
	ActionCompile  TransitionAction = "compile"
	ActionSynthesize TransitionAction = "synthesize"
	ActionPlay     TransitionAction = "play"
	ActionInterrupt TransitionAction = "interrupt"
	ActionStop     TransitionAction = "stop"
	ActionFail     TransitionAction = "fail"
	ActionRestart  TransitionAction = "restart"

	ActionClaim    TransitionAction = "claim"
	ActionRelease  TransitionAction = "release"
	ActionTransfer TransitionAction = "transfer"

	ActionEnableOverride  TransitionAction = "enable_override"
	ActionDisableOverride TransitionAction = "disable_override"
	ActionUpdateOverride  TransitionAction = "update_override"

	ActionMutateGraph TransitionAction = "mutate_graph"
	ActionCommit      TransitionAction = "commit"
	ActionRollback    TransitionAction = "rollback"
)

func isTransitionAction(a TransitionAction) bool {
	switch a {
	case ActionStart, ActionCompile, ActionSynthesize, ActionPlay, ActionInterrupt, ActionStop, ActionFail, ActionRestart,
		ActionClaim, ActionRelease, ActionTransfer,
		ActionEnableOverride, ActionDisableOverride, ActionUpdateOverride,
		ActionMutateGraph, ActionCommit, ActionRollback:
		return true
	}
	return false
}

// IsLifecycle reports whether a is one of the lifecycle actions of §4.4.
func (a TransitionAction) IsLifecycle() bool {
	switch a {
	case ActionStart, ActionCompile, ActionSynthesize, ActionPlay, ActionInterrupt, ActionStop, ActionFail, ActionRestart:
		return true
	}
	return false
}

// IsOwnership reports whether a mutates ownership.
func (a TransitionAction) IsOwnership() bool {
	switch a {
	case ActionClaim, ActionRelease, ActionTransfer:
		return true
	}
	return false
}

// IsAccessibility reports whether a mutates the accessibility override.
func (a TransitionAction) IsAccessibility() bool {
	switch a {
	case ActionEnableOverride, ActionDisableOverride, ActionUpdateOverride:
		return true
	}
	return false
}

// IsPluginGraph reports whether a is a plugin/graph mutation action.
func (a TransitionAction) IsPluginGraph() bool {
	switch a {
	case ActionMutateGraph, ActionCommit, ActionRollback:
		return true
	}
	return false
}

// AccessibilityScope is the propagation scope of an override.
type AccessibilityScope string

const (
	ScopeSession AccessibilityScope = "session"
	ScopeUser    AccessibilityScope = "user"
)

func isAccessibilityScope(s AccessibilityScope) bool {
	return s == ScopeSession || s == ScopeUser
}

// Ownership is an immutable claim over a stream.
type Ownership struct {
	SessionID     string    `json:"session_id"`
	AgentID       string    `json:"agent_id"`
	Priority      int       `json:"priority"`
	Interruptible bool      `json:"interruptible"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks field-level well-formedness. Priority is range-checked
// only; nothing in the domain engine reads it for allow/deny purposes.
func (o Ownership) Validate() error {
	if o.SessionID == "" {
		return fmt.Errorf("ownership: session_id is required")
	}
	if o.AgentID == "" {
		return fmt.Errorf("ownership: agent_id is required")
	}
	if o.Priority < 1 || o.Priority > 10 {
		return fmt.Errorf("ownership: priority %d out of range [1,10]", o.Priority)
	}
	return nil
}

// AccessibilityConfig is the accessibility override state of a stream.
type AccessibilityConfig struct {
	SpeechRateOverride  *float64           `json:"speech_rate_override,omitempty"`
	PauseAmplification  *float64           `json:"pause_amplification,omitempty"`
	ForcedCaptions      bool               `json:"forced_captions"`
	Scope               AccessibilityScope `json:"scope"`
	Active              bool               `json:"active"`
	OwnerAgentID        string             `json:"owner_agent_id,omitempty"`
}

// Validate checks field-level well-formedness.
func (a AccessibilityConfig) Validate() error {
	if a.Scope != "" && !isAccessibilityScope(a.Scope) {
		return fmt.Errorf("accessibility: invalid scope %q", a.Scope)
	}
	if a.Active && a.OwnerAgentID == "" {
		return fmt.Errorf("accessibility: active override requires owner_agent_id")
	}
	return nil
}

// AudioState is the managed entity. OpaqueData is never inspected by the
// registrar; every other field is structural.
type AudioState struct {
	StreamID       StreamId            `json:"stream_id"`
	Lifecycle      StreamState         `json:"lifecycle"`
	Ownership      *Ownership          `json:"ownership,omitempty"`
	Accessibility  AccessibilityConfig `json:"accessibility"`
	ParentStateID  *StreamId           `json:"parent_state_id,omitempty"`
	OrderIndex     uint64              `json:"order_index"`
	Version        uint32              `json:"version"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	OpaqueData     any                 `json:"opaque_data,omitempty"`

	// GraphMutationOpen tracks whether a MutateGraph is awaiting its
	// bracketing Commit/Rollback, for CommitBoundary enforcement. It is
	// structural bookkeeping, not caller-visible plugin-graph content.
	GraphMutationOpen bool `json:"graph_mutation_open,omitempty"`
}

// StructuralProjection is everything invariants may inspect; OpaqueData is
// deliberately excluded.
type StructuralProjection struct {
	Lifecycle     StreamState         `json:"lifecycle"`
	Ownership     *Ownership          `json:"ownership,omitempty"`
	Accessibility AccessibilityConfig `json:"accessibility"`
	ParentStateID *StreamId           `json:"parent_state_id,omitempty"`
	OrderIndex    uint64              `json:"order_index"`
	Version       uint32              `json:"version"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	GraphMutationOpen bool            `json:"graph_mutation_open,omitempty"`
}

// ToStructure projects an AudioState to the part invariants may inspect.
func (s AudioState) ToStructure() StructuralProjection {
	var owner *Ownership
	if s.Ownership != nil {
		cp := *s.Ownership
		owner = &cp
	}
	var parent *StreamId
	if s.ParentStateID != nil {
		cp := *s.ParentStateID
		parent = &cp
	}
	return StructuralProjection{
		Lifecycle:     s.Lifecycle,
		Ownership:     owner,
		Accessibility: s.Accessibility,
		ParentStateID: parent,
		OrderIndex:    s.OrderIndex,
		Version:       s.Version,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		GraphMutationOpen: s.GraphMutationOpen,
	}
}

// StructurallyEqual reports whether two states project to the same
// StructuralProjection.
func (s AudioState) StructurallyEqual(other AudioState) bool {
	a, b := s.ToStructure(), other.ToStructure()
	if a.Lifecycle != b.Lifecycle || a.OrderIndex != b.OrderIndex || a.Version != b.Version {
		return false
	}
	if a.GraphMutationOpen != b.GraphMutationOpen {
		return false
	}
	if (a.Ownership == nil) != (b.Ownership == nil) {
		return false
	}
	if a.Ownership != nil && *a.Ownership != *b.Ownership {
		return false
	}
	if (a.ParentStateID == nil) != (b.ParentStateID == nil) {
		return false
	}
	if a.ParentStateID != nil && *a.ParentStateID != *b.ParentStateID {
		return false
	}
	accA, accB := a.Accessibility, b.Accessibility
	for _, pair := range [][2]*float64{
		{accA.SpeechRateOverride, accB.SpeechRateOverride},
		{accA.PauseAmplification, accB.PauseAmplification},
	} {
		if (pair[0] == nil) != (pair[1] == nil) || (pair[0] != nil && *pair[0] != *pair[1]) {
			return false
		}
	}
	accA.SpeechRateOverride, accB.SpeechRateOverride = nil, nil
	accA.PauseAmplification, accB.PauseAmplification = nil, nil
	if accA != accB {
		return false
	}
	return a.CreatedAt.Equal(b.CreatedAt) && a.UpdatedAt.Equal(b.UpdatedAt)
}

// Clone returns a deep, independent copy suitable for defensive-copy-on-read
// returns: mutating the result must never perturb the original.
func (s AudioState) Clone() AudioState {
	cp := s
	if s.Ownership != nil {
		o := *s.Ownership
		cp.Ownership = &o
	}
	if s.ParentStateID != nil {
		p := *s.ParentStateID
		cp.ParentStateID = &p
	}
	if s.Accessibility.SpeechRateOverride != nil {
		v := *s.Accessibility.SpeechRateOverride
		cp.Accessibility.SpeechRateOverride = &v
	}
	if s.Accessibility.PauseAmplification != nil {
		v := *s.Accessibility.PauseAmplification
		cp.Accessibility.PauseAmplification = &v
	}
	return cp
}

// TransitionRequest is a caller's proposed change.
type TransitionRequest struct {
	Action    TransitionAction `json:"action"`
	Actor     string           `json:"actor"`
	Target    *StreamId        `json:"target,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
}

// Validate checks the request is well-formed independent of registry state.
func (r TransitionRequest) Validate() error {
	if !isTransitionAction(r.Action) {
		return fmt.Errorf("transition request: unknown action %q", r.Action)
	}
	if r.Actor == "" {
		return fmt.Errorf("transition request: actor is required")
	}
	if r.Action != ActionStart && r.Target == nil {
		return fmt.Errorf("transition request: target is required for action %q", r.Action)
	}
	return nil
}

// Classification is the severity of an InvariantViolation.
type Classification string

const (
	ClassificationReject Classification = "reject"
	ClassificationHalt   Classification = "halt"
)

// InvariantViolation names the rule that failed and why.
type InvariantViolation struct {
	InvariantID    string         `json:"invariant_id"`
	Classification Classification `json:"classification"`
	Message        string         `json:"message"`
}

// IsHalt reports whether v is fatal.
func (v InvariantViolation) IsHalt() bool {
	return v.Classification == ClassificationHalt
}

// ResultKind tags a TransitionResult as accepted or rejected.
type ResultKind string

const (
	ResultAccepted ResultKind = "accepted"
	ResultRejected ResultKind = "rejected"
)

// TransitionResult is the outcome of a request. Exactly one of the
// Accepted/Rejected-only fields is meaningful, discriminated by Kind.
type TransitionResult struct {
	Kind                ResultKind           `json:"kind"`
	StreamID            StreamId             `json:"stream_id,omitempty"`
	OrderIndex          uint64               `json:"order_index,omitempty"`
	AppliedInvariants   []string             `json:"applied_invariants,omitempty"`
	Violations          []InvariantViolation `json:"violations,omitempty"`
	AttestationID       string               `json:"attestation_id"`
	AccessibilityDriven bool                 `json:"accessibility_driven"`
	Timestamp           time.Time            `json:"timestamp"`
}

// Accepted reports whether the request succeeded.
func (r TransitionResult) Accepted() bool {
	return r.Kind == ResultAccepted
}

// Reason concatenates violation messages into a single machine-parseable
// string, matching the substrings collaborators switch on (not_owner,
// terminal_state, invalid_transition, accessibility_override, policy.*,
// system.commit_failed).
func (r TransitionResult) Reason() string {
	if r.Kind == ResultAccepted {
		return ""
	}
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.Message)
	}
	return joinReasons(msgs)
}

func joinReasons(msgs []string) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}

// Decision is the outcome recorded on an Attestation.
type Decision string

const (
	DecisionAllowed  Decision = "allowed"
	DecisionDenied   Decision = "denied"
	DecisionObserved Decision = "observed"
)

func isDecision(d Decision) bool {
	return d == DecisionAllowed || d == DecisionDenied || d == DecisionObserved
}

// Attestation is an immutable decision record. Once constructed it must
// never be mutated in place; callers that need a changed copy build a new
// value.
type Attestation struct {
	ID                  string         `json:"id"`
	Timestamp           time.Time      `json:"timestamp"`
	Actor               string         `json:"actor"`
	Action              TransitionAction `json:"action"`
	Target              *StreamId      `json:"target,omitempty"`
	Decision            Decision       `json:"decision"`
	Reason              string         `json:"reason"`
	InvariantsChecked   []string       `json:"invariants_checked"`
	AccessibilityDriven bool           `json:"accessibility_driven"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// Validate checks field-level well-formedness of an attestation, used both
// when appending and when decoding a log for replay.
func (a Attestation) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("attestation: id is required")
	}
	if !isDecision(a.Decision) {
		return fmt.Errorf("attestation: invalid decision %q", a.Decision)
	}
	if a.Actor == "" {
		return fmt.Errorf("attestation: actor is required")
	}
	return nil
}

// InvariantDescriptor is one row of the invariant catalog exposed by
// list_invariants().
type InvariantDescriptor struct {
	ID          string `json:"id"`
	Scope       string `json:"scope"`
	FailureMode string `json:"failure_mode"`
}

// Snapshot is the versioned structural digest of the whole registry.
type Snapshot struct {
	Version          string                          `json:"version"`
	Timestamp        time.Time                       `json:"timestamp"`
	States           map[StreamId]SnapshotStateEntry  `json:"states"`
	AttestationCount uint64                           `json:"attestation_count"`
	OrderMax         uint64                           `json:"order_max"`
}

// SnapshotStateEntry is one stream's entry within a Snapshot.
type SnapshotStateEntry struct {
	ID        StreamId             `json:"id"`
	Structure StructuralProjection `json:"structure"`
	Data      any                  `json:"data,omitempty"`
}
