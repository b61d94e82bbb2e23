// Package structural implements the identity/lineage/ordering invariant
// checks that the registrar core runs over a proposed (from, to) state pair
// against the current registry. These are well-formedness rules: they know
// nothing about ownership or accessibility semantics.
package structural

import (
	"fmt"

	registrar "github.com/tiger/audio-registrar/api/registrar"
)

// Registry is the read-only view the engine needs of the current registry.
// NextOrderIndex reports the order_index a new accepted transition must
// carry to satisfy ordering.monotonic (0 for an empty registry).
type Registry interface {
	Get(id registrar.StreamId) (registrar.AudioState, bool)
	NextOrderIndex() uint64
}

// Engine evaluates the structural invariants of §4.2. It is stateless and
// safe for concurrent use.
type Engine struct{}

// New constructs a structural Engine.
func New() Engine {
	return Engine{}
}

// Outcome is the result of one Check call: every invariant evaluated, plus
// any violations found. Evaluation is short-circuit-free so the attestation
// records the full set checked.
type Outcome struct {
	Checked    []string
	Violations []registrar.InvariantViolation
}

// Check evaluates the structural invariants for a transition from fromID (nil
// for stream creation) to the proposed state, against reg.
func (Engine) Check(reg Registry, fromID *registrar.StreamId, proposed registrar.AudioState) Outcome {
	out := Outcome{Checked: []string{
		"identity.explicit",
		"identity.immutable",
		"lineage.parent_exists",
		"lineage.single_parent",
		"lineage.continuous",
		"ordering.monotonic",
		"ordering.deterministic",
	}}

	if proposed.StreamID == "" {
		out.Violations = append(out.Violations, registrar.InvariantViolation{
			InvariantID:    "identity.explicit",
			Classification: registrar.ClassificationReject,
			Message:        "identity.explicit: stream_id must be non-empty",
		})
	}

	var current registrar.AudioState
	var currentExists bool
	if fromID != nil {
		current, currentExists = reg.Get(*fromID)
		if !currentExists {
			out.Violations = append(out.Violations, registrar.InvariantViolation{
				InvariantID:    "lineage.parent_exists",
				Classification: registrar.ClassificationReject,
				Message:        fmt.Sprintf("lineage.parent_exists: from_state_id %q not found in registry", *fromID),
			})
		} else if *fromID != proposed.StreamID {
			out.Violations = append(out.Violations, registrar.InvariantViolation{
				InvariantID:    "identity.immutable",
				Classification: registrar.ClassificationReject,
				Message:        fmt.Sprintf("identity.immutable: successor stream_id %q must equal predecessor %q", proposed.StreamID, *fromID),
			})
		}
	}

	// lineage.single_parent: a TransitionRequest carries a single Target, so
	// a proposed state's parent_state_id can only legitimately agree with
	// fromID; anything else indicates a caller smuggled a second lineage in.
	if proposed.ParentStateID != nil && fromID != nil && *proposed.ParentStateID != *fromID {
		out.Violations = append(out.Violations, registrar.InvariantViolation{
			InvariantID:    "lineage.single_parent",
			Classification: registrar.ClassificationReject,
			Message:        "lineage.single_parent: proposed parent_state_id disagrees with transition's from_state_id",
		})
	}

	if currentExists {
		if proposed.Version != current.Version+1 {
			out.Violations = append(out.Violations, registrar.InvariantViolation{
				InvariantID:    "lineage.continuous",
				Classification: registrar.ClassificationHalt,
				Message:        fmt.Sprintf("lineage.continuous: version %d does not follow %d contiguously", proposed.Version, current.Version),
			})
		}
	} else if proposed.Version != 0 {
		out.Violations = append(out.Violations, registrar.InvariantViolation{
			InvariantID:    "lineage.continuous",
			Classification: registrar.ClassificationHalt,
			Message:        fmt.Sprintf("lineage.continuous: new stream must start at version 0, got %d", proposed.Version),
		})
	}

	expected := reg.NextOrderIndex()
	if proposed.OrderIndex != expected {
		out.Violations = append(out.Violations, registrar.InvariantViolation{
			InvariantID:    "ordering.monotonic",
			Classification: registrar.ClassificationReject,
			Message:        fmt.Sprintf("ordering.monotonic: expected order_index %d, got %d", expected, proposed.OrderIndex),
		})
	}
	// ordering.deterministic: the assignment above is a pure function of
	// reg.NextOrderIndex(), itself a pure function of the accepted-attestation
	// count; there is no additional state to check here beyond monotonic
	// holding, so this invariant is satisfied by construction whenever
	// ordering.monotonic is.

	return out
}
