// Package fold computes the proposed successor AudioState for a transition
// request. Fold is pure: given an optional current state and a request, it
// returns a candidate state and never touches a registry or mutex. The
// registrar core is responsible for deciding whether to commit what fold
// produces.
package fold

import (
	"fmt"
	"time"

	registrar "github.com/tiger/audio-registrar/api/registrar"
	"github.com/tiger/audio-registrar/internal/registrar/lifecycle"
)

// Result is the candidate successor plus bookkeeping the caller needs to
// build an attestation and a TransitionResult.
type Result struct {
	Proposed            registrar.AudioState
	LifecycleAdmissible bool
	AccessibilityDriven bool
}

// Fold computes the successor state for req given the current state (nil if
// the stream does not exist yet). now and newID are injected for
// determinism in tests and replay.
func Fold(current *registrar.AudioState, req registrar.TransitionRequest, now time.Time, newID string) (Result, error) {
	if current == nil {
		return foldCreate(req, now, newID)
	}
	return foldExisting(*current, req, now)
}

// foldCreate computes the initial AudioState for a stream that does not yet
// exist. The registrar core only reaches this for req.Action == ActionStart
// (the sole creating action per §3); any other action aimed at an unknown
// stream_id is rejected before Fold is ever called.
func foldCreate(req registrar.TransitionRequest, now time.Time, newID string) (Result, error) {
	streamID := registrar.StreamId(newID)
	if req.Target != nil {
		streamID = *req.Target
	}
	lifecycleState, ok := lifecycle.Next(registrar.StateIdle, req.Action)
	if !ok {
		return Result{}, fmt.Errorf("fold: action %q not admissible from implicit idle initial state", req.Action)
	}
	owner := &registrar.Ownership{
		SessionID:     stringMeta(req.Metadata, "session_id", req.Actor),
		AgentID:       req.Actor,
		Priority:      intMeta(req.Metadata, "priority", 5),
		Interruptible: boolMeta(req.Metadata, "interruptible", true),
		CreatedAt:     now,
	}
	proposed := registrar.AudioState{
		StreamID:      streamID,
		Lifecycle:     lifecycleState,
		Ownership:     owner,
		Accessibility: registrar.AccessibilityConfig{Scope: registrar.ScopeSession},
		OrderIndex:    0,
		Version:       0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return Result{Proposed: proposed, LifecycleAdmissible: true}, nil
}

func foldExisting(current registrar.AudioState, req registrar.TransitionRequest, now time.Time) (Result, error) {
	proposed := current.Clone()
	proposed.UpdatedAt = now

	switch {
	case req.Action.IsLifecycle():
		next, ok := lifecycle.Next(current.Lifecycle, req.Action)
		if !ok {
			return Result{Proposed: proposed, LifecycleAdmissible: false}, nil
		}
		proposed.Lifecycle = next
	case req.Action.IsOwnership():
		if err := foldOwnership(&proposed, current, req); err != nil {
			return Result{}, err
		}
	case req.Action.IsAccessibility():
		foldAccessibility(&proposed, req)
	case req.Action.IsPluginGraph():
		foldPluginGraph(&proposed, req)
	}

	driven := req.Action.IsAccessibility() ||
		(req.Action == registrar.ActionInterrupt && current.Accessibility.Active && current.Accessibility.OwnerAgentID == req.Actor)

	return Result{Proposed: proposed, LifecycleAdmissible: true, AccessibilityDriven: driven}, nil
}

func foldOwnership(proposed *registrar.AudioState, current registrar.AudioState, req registrar.TransitionRequest) error {
	switch req.Action {
	case registrar.ActionClaim:
		proposed.Ownership = &registrar.Ownership{
			SessionID:     stringMeta(req.Metadata, "session_id", req.Actor),
			AgentID:       req.Actor,
			Priority:      intMeta(req.Metadata, "priority", 5),
			Interruptible: boolMeta(req.Metadata, "interruptible", true),
			CreatedAt:     proposed.UpdatedAt,
		}
	case registrar.ActionRelease:
		proposed.Ownership = nil
	case registrar.ActionTransfer:
		newOwner := stringMeta(req.Metadata, "new_owner", "")
		if newOwner == "" {
			// Missing new_owner leaves ownership unchanged; the domain engine's
			// SingleOwner check denies the request before this would commit.
			return nil
		}
		priority := intMeta(req.Metadata, "priority", 5)
		if current.Ownership != nil {
			priority = current.Ownership.Priority
		}
		proposed.Ownership = &registrar.Ownership{
			SessionID:     stringMeta(req.Metadata, "session_id", newOwner),
			AgentID:       newOwner,
			Priority:      priority,
			Interruptible: boolMeta(req.Metadata, "interruptible", true),
			CreatedAt:     proposed.UpdatedAt,
		}
	}
	return nil
}

func foldPluginGraph(proposed *registrar.AudioState, req registrar.TransitionRequest) {
	switch req.Action {
	case registrar.ActionMutateGraph:
		proposed.GraphMutationOpen = true
	case registrar.ActionCommit, registrar.ActionRollback:
		proposed.GraphMutationOpen = false
	}
}

func foldAccessibility(proposed *registrar.AudioState, req registrar.TransitionRequest) {
	switch req.Action {
	case registrar.ActionEnableOverride:
		proposed.Accessibility.Active = true
		proposed.Accessibility.OwnerAgentID = req.Actor
		applyOverrideParams(&proposed.Accessibility, req.Metadata)
		if scope := stringMeta(req.Metadata, "scope", ""); scope != "" {
			proposed.Accessibility.Scope = registrar.AccessibilityScope(scope)
		}
	case registrar.ActionDisableOverride:
		proposed.Accessibility.Active = false
	case registrar.ActionUpdateOverride:
		applyOverrideParams(&proposed.Accessibility, req.Metadata)
	}
}

func applyOverrideParams(cfg *registrar.AccessibilityConfig, meta map[string]any) {
	if v, ok := meta["speech_rate_override"].(float64); ok {
		cfg.SpeechRateOverride = &v
	}
	if v, ok := meta["pause_amplification"].(float64); ok {
		cfg.PauseAmplification = &v
	}
	if v, ok := meta["forced_captions"].(bool); ok {
		cfg.ForcedCaptions = v
	}
}

func stringMeta(meta map[string]any, key, fallback string) string {
	if meta == nil {
		return fallback
	}
	if v, ok := meta[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intMeta(meta map[string]any, key string, fallback int) int {
	if meta == nil {
		return fallback
	}
	switch v := meta[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func boolMeta(meta map[string]any, key string, fallback bool) bool {
	if meta == nil {
		return fallback
	}
	if v, ok := meta[key].(bool); ok {
		return v
	}
	return fallback
}
