// Package domain implements the domain invariant engine: the ownership,
// accessibility, lifecycle-ordering, plugin-immutability, and
// commit-boundary rules that encode what a meaningful audio transition is
// allowed to do. It runs before the structural engine. Apart from the
// structural engine's lineage.continuous, it is where HALT-classified
// violations originate in the registrar.
package domain

import (
	"fmt"
	"strings"

	registrar "github.com/tiger/audio-registrar/api/registrar"
	"github.com/tiger/audio-registrar/internal/registrar/lifecycle"
)

// Config configures the actors the engine treats specially. Both sets are
// closed: anything not listed is an ordinary agent actor.
type Config struct {
	// AccessibilityAuthorized are actor identifiers explicitly authorized to
	// interrupt on behalf of an active accessibility override even when they
	// are not the override's owner.
	AccessibilityAuthorized map[string]bool
	// PluginActorPrefix marks an actor as belonging to the plugin class, e.g.
	// "plugin:reverb-fx".
	PluginActorPrefix string
}

// DefaultConfig returns the zero-value-safe configuration: no actors are
// accessibility-authorized beyond the override owner, and the plugin prefix
// is "plugin:".
func DefaultConfig() Config {
	return Config{
		AccessibilityAuthorized: map[string]bool{},
		PluginActorPrefix:       "plugin:",
	}
}

func (c Config) isPlugin(actor string) bool {
	return c.PluginActorPrefix != "" && strings.HasPrefix(actor, c.PluginActorPrefix)
}

func (c Config) isAccessibilityAuthorized(actor string) bool {
	return c.AccessibilityAuthorized != nil && c.AccessibilityAuthorized[actor]
}

// Engine evaluates the domain invariants of §4.3. It holds only immutable
// configuration and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// New constructs a domain Engine with cfg.
func New(cfg Config) Engine {
	return Engine{cfg: cfg}
}

// Outcome mirrors structural.Outcome: every invariant evaluated plus any
// violations found, evaluated without short-circuiting.
type Outcome struct {
	Checked    []string
	Violations []registrar.InvariantViolation
}

// Check evaluates every domain invariant for req against current (nil for a
// creating transition) and the already-folded proposed state.
func (e Engine) Check(req registrar.TransitionRequest, current *registrar.AudioState, proposed registrar.AudioState, lifecycleAdmissible bool) Outcome {
	out := Outcome{Checked: []string{
		"audio.ownership.single_owner",
		"audio.accessibility.supremacy",
		"audio.lifecycle.ordering",
		"audio.plugin.immutability",
		"audio.lifecycle.commit_boundary",
	}}

	out.Violations = append(out.Violations, e.checkSingleOwner(req, current)...)
	out.Violations = append(out.Violations, e.checkAccessibilitySupremacy(req, current, proposed)...)
	out.Violations = append(out.Violations, e.checkLifecycleOrdering(req, current, lifecycleAdmissible)...)
	out.Violations = append(out.Violations, e.checkPluginImmutability(req, current)...)
	out.Violations = append(out.Violations, e.checkCommitBoundary(req, current)...)

	return out
}

func (e Engine) checkSingleOwner(req registrar.TransitionRequest, current *registrar.AudioState) []registrar.InvariantViolation {
	if current == nil {
		return nil
	}
	owner := current.Ownership

	switch req.Action {
	case registrar.ActionClaim:
		if owner != nil {
			return []registrar.InvariantViolation{{
				InvariantID:    "audio.ownership.single_owner",
				Classification: registrar.ClassificationReject,
				Message:        fmt.Sprintf("audio.ownership.single_owner: stream already owned by %q; claim denied", owner.AgentID),
			}}
		}
		return nil
	case registrar.ActionTransfer:
		if owner == nil || owner.AgentID != req.Actor {
			return []registrar.InvariantViolation{{
				InvariantID:    "audio.ownership.single_owner",
				Classification: registrar.ClassificationReject,
				Message:        "audio.ownership.single_owner: not_owner: transfer requires current ownership",
			}}
		}
		if newOwner, _ := req.Metadata["new_owner"].(string); newOwner == "" {
			return []registrar.InvariantViolation{{
				InvariantID:    "audio.ownership.single_owner",
				Classification: registrar.ClassificationReject,
				Message:        "audio.ownership.single_owner: transfer requires metadata.new_owner",
			}}
		}
		return nil
	}

	// Accessibility actions are governed by AccessibilitySupremacy, not
	// stream ownership: an accessibility authority (e.g. a user-facing
	// service distinct from the agent currently playing audio) must be able
	// to enable or update an override on a stream it does not own.
	if req.Action.IsAccessibility() {
		return nil
	}

	// An Interrupt from the accessibility override's owner (or an
	// explicitly-accessibility-authorized actor) bypasses ordinary stream
	// ownership: AccessibilitySupremacy grants that actor interrupt rights
	// regardless of who holds the stream. Everyone else falls through to
	// the ordinary owner check below.
	if req.Action == registrar.ActionInterrupt && current.Accessibility.Active {
		if req.Actor == current.Accessibility.OwnerAgentID || e.cfg.isAccessibilityAuthorized(req.Actor) {
			return nil
		}
	}

	// Every other action that touches an owned stream — lifecycle, release,
	// plugin/graph — requires the actor to be the current owner. An unowned
	// stream admits any actor (nothing to protect yet).
	if owner != nil && owner.AgentID != req.Actor {
		return []registrar.InvariantViolation{{
			InvariantID:    "audio.ownership.single_owner",
			Classification: registrar.ClassificationReject,
			Message:        fmt.Sprintf("audio.ownership.single_owner: not_owner: actor %q is not owner %q of stream", req.Actor, owner.AgentID),
		}}
	}
	return nil
}

func (e Engine) checkAccessibilitySupremacy(req registrar.TransitionRequest, current *registrar.AudioState, proposed registrar.AudioState) []registrar.InvariantViolation {
	if current == nil || !current.Accessibility.Active {
		return nil
	}
	var violations []registrar.InvariantViolation

	attemptsDisable := current.Accessibility.Active && !proposed.Accessibility.Active
	if attemptsDisable && req.Action != registrar.ActionDisableOverride {
		violations = append(violations, registrar.InvariantViolation{
			InvariantID:    "audio.accessibility.supremacy",
			Classification: registrar.ClassificationHalt,
			Message:        "audio.accessibility.supremacy: action would silently disable an active accessibility override",
		})
	}

	if req.Action == registrar.ActionInterrupt {
		authorized := req.Actor == current.Accessibility.OwnerAgentID || e.cfg.isAccessibilityAuthorized(req.Actor)
		if !authorized {
			violations = append(violations, registrar.InvariantViolation{
				InvariantID:    "audio.accessibility.supremacy",
				Classification: registrar.ClassificationReject,
				Message:        "audio.accessibility.supremacy: accessibility_override: interrupt denied while override is active",
			})
		}
	}

	return violations
}

func (e Engine) checkLifecycleOrdering(req registrar.TransitionRequest, current *registrar.AudioState, lifecycleAdmissible bool) []registrar.InvariantViolation {
	if !req.Action.IsLifecycle() {
		// Ownership, accessibility and plugin/graph actions are orthogonal to
		// the table but still admissible only from a non-terminal state.
		if current != nil && !lifecycle.OrthogonalFromNonTerminal(current.Lifecycle) {
			return []registrar.InvariantViolation{{
				InvariantID:    "audio.lifecycle.ordering",
				Classification: registrar.ClassificationReject,
				Message:        fmt.Sprintf("audio.lifecycle.ordering: terminal_state: %s only admits restart", current.Lifecycle),
			}}
		}
		return nil
	}
	if lifecycleAdmissible {
		return nil
	}
	if current != nil && current.Lifecycle.Terminal() {
		return []registrar.InvariantViolation{{
			InvariantID:    "audio.lifecycle.ordering",
			Classification: registrar.ClassificationReject,
			Message:        fmt.Sprintf("audio.lifecycle.ordering: terminal_state: %s only admits restart", current.Lifecycle),
		}}
	}
	fromState := registrar.StateIdle
	if current != nil {
		fromState = current.Lifecycle
	}
	return []registrar.InvariantViolation{{
		InvariantID:    "audio.lifecycle.ordering",
		Classification: registrar.ClassificationReject,
		Message:        fmt.Sprintf("audio.lifecycle.ordering: invalid_transition: %s does not admit %s", fromState, req.Action),
	}}
}

func (e Engine) checkPluginImmutability(req registrar.TransitionRequest, current *registrar.AudioState) []registrar.InvariantViolation {
	if !e.cfg.isPlugin(req.Actor) {
		return nil
	}
	if req.Action == registrar.ActionDisableOverride {
		return []registrar.InvariantViolation{{
			InvariantID:    "audio.plugin.immutability",
			Classification: registrar.ClassificationReject,
			Message:        "audio.plugin.immutability: plugin actors may not issue disable_override",
		}}
	}
	if req.Action.IsOwnership() || req.Action.IsAccessibility() {
		owned := current != nil && current.Ownership != nil && current.Ownership.AgentID == req.Actor
		if !owned {
			return []registrar.InvariantViolation{{
				InvariantID:    "audio.plugin.immutability",
				Classification: registrar.ClassificationReject,
				Message:        fmt.Sprintf("audio.plugin.immutability: plugin actor %q may not mutate ownership/accessibility of a stream it does not own", req.Actor),
			}}
		}
	}
	return nil
}

func (e Engine) checkCommitBoundary(req registrar.TransitionRequest, current *registrar.AudioState) []registrar.InvariantViolation {
	if req.Action != registrar.ActionCommit && req.Action != registrar.ActionRollback {
		return nil
	}
	open := current != nil && current.GraphMutationOpen
	if !open {
		return []registrar.InvariantViolation{{
			InvariantID:    "audio.lifecycle.commit_boundary",
			Classification: registrar.ClassificationHalt,
			Message:        fmt.Sprintf("audio.lifecycle.commit_boundary: unmatched %s without a prior mutate_graph", req.Action),
		}}
	}
	return nil
}

// Lifecycle re-exports the table lookup for callers outside this package.
// The registrar core does not call it: it takes admissibility from the fold
// result and passes that to Check.
func Lifecycle(current registrar.StreamState, action registrar.TransitionAction) (registrar.StreamState, bool) {
	return lifecycle.Next(current, action)
}
