// Package lifecycle implements the fixed lifecycle transition table of the
// audio stream state machine: a pure function from (current state, action)
// to a successor state, with no side effects and no knowledge of ownership
// or accessibility.
package lifecycle

import (
	registrar "github.com/tiger/audio-registrar/api/registrar"
)

// Next returns the successor lifecycle state for action taken from current,
// and whether the transition is admissible. A false second return means the
// action is not in the table for that row; callers treat this as an
// invalid_transition violation, not a panic.
func Next(current registrar.StreamState, action registrar.TransitionAction) (registrar.StreamState, bool) {
	if current.Terminal() {
		if action == registrar.ActionRestart {
			return registrar.StateIdle, true
		}
		return "", false
	}
	switch current {
	case registrar.StateIdle:
		switch action {
		case registrar.ActionStart:
			return registrar.StateCompiling, true
		case registrar.ActionFail:
			return registrar.StateFailed, true
		}
	case registrar.StateCompiling:
		switch action {
		case registrar.ActionCompile:
			return registrar.StateSynthesizing, true
		case registrar.ActionFail:
			return registrar.StateFailed, true
		}
	case registrar.StateSynthesizing:
		switch action {
		case registrar.ActionSynthesize:
			return registrar.StatePlaying, true
		case registrar.ActionFail:
			return registrar.StateFailed, true
		}
	case registrar.StatePlaying:
		switch action {
		case registrar.ActionInterrupt:
			return registrar.StateInterrupting, true
		case registrar.ActionStop:
			return registrar.StateStopped, true
		case registrar.ActionFail:
			return registrar.StateFailed, true
		}
	case registrar.StateInterrupting:
		switch action {
		case registrar.ActionStop:
			return registrar.StateStopped, true
		case registrar.ActionFail:
			return registrar.StateFailed, true
		}
	}
	return "", false
}

// IsLifecycleAdmissibleRow reports whether current has a row in the table at
// all, distinguishing "no such row" from "row exists, action absent".
func IsLifecycleAdmissibleRow(current registrar.StreamState) bool {
	switch current {
	case registrar.StateIdle, registrar.StateCompiling, registrar.StateSynthesizing,
		registrar.StatePlaying, registrar.StateInterrupting, registrar.StateStopped, registrar.StateFailed:
		return true
	}
	return false
}

// OrthogonalFromNonTerminal reports whether ownership/accessibility actions
// are admissible from current. Per §4.4 these are orthogonal to the
// lifecycle table and admissible from any non-terminal state.
func OrthogonalFromNonTerminal(current registrar.StreamState) bool {
	return !current.Terminal()
}
