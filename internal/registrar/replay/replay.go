// Package replay implements deterministic replay (C7): reconstructing a
// fresh registrar's state by resubmitting every allowed attestation from a
// prior log, in order, and carrying denied/observed attestations forward
// verbatim so the replayed log is identical to the source.
package replay

import (
	"fmt"

	registrar "github.com/tiger/audio-registrar/api/registrar"
	"github.com/tiger/audio-registrar/internal/registrar/core"
)

// Result summarizes one replay run.
type Result struct {
	Registrar *core.Registrar
	Replayed  int // allowed attestations resubmitted through the engines
	Carried   int // denied/observed attestations appended verbatim
}

// DivergenceError is returned by a Strict replay when re-running the
// domain/structural engines against a recorded-allowed attestation
// produces a different decision than the one originally recorded. It means
// the invariant configuration, or the engines themselves, changed
// meaning between when the log was recorded and when it was replayed.
type DivergenceError struct {
	AttestationID string
	Recorded      registrar.Decision
	Recomputed    registrar.Decision
	Detail        string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("replay: divergence on attestation %s: recorded %s, recomputed %s (%s)", e.AttestationID, e.Recorded, e.Recomputed, e.Detail)
}

// Run replays log against a freshly constructed registrar built from cfg.
// cfg.Clock is ignored: the clock is pinned per-attestation to its original
// Timestamp. cfg.IDGen is overridden with a feeder that hands out each
// allowed attestation's own id in turn, so the replayed attestation carries
// the exact same id as the source — two replays of the same log always
// produce bit-identical logs and snapshots. log must be in original
// insertion order; Run does not sort it.
//
// strict toggles Strict replay mode (§4.7): the domain/structural engines
// already run for every recorded-allowed entry regardless of strict, but
// only in strict mode is the recomputed decision compared against the
// recorded one, returning a *DivergenceError the moment they disagree.
// Non-strict mode trusts that a non-error resubmission reproduces the
// original decision, matching the log blindly the way the default
// (non-strict) mode is defined to.
func Run(cfg core.Config, log []registrar.Attestation, strict bool) (Result, error) {
	cfg.Clock = nil

	var pending string
	cfg.IDGen = func() string {
		return pending
	}
	reg := core.New(cfg)

	res := Result{Registrar: reg}
	for i, att := range log {
		switch att.Decision {
		case registrar.DecisionAllowed:
			req, err := reconstructRequest(att)
			if err != nil {
				return res, fmt.Errorf("replay: attestation %d (%s): %w", i, att.ID, err)
			}
			pending = att.ID
			result, err := reg.ReplayRequest(req, att.Timestamp)
			if err != nil {
				return res, fmt.Errorf("replay: attestation %d (%s): resubmit: %w", i, att.ID, err)
			}
			if strict && result.Kind != registrar.ResultAccepted {
				return res, &DivergenceError{
					AttestationID: att.ID,
					Recorded:      registrar.DecisionAllowed,
					Recomputed:    registrar.DecisionDenied,
					Detail:        "recomputed decision rejected a transition the log recorded as allowed",
				}
			}
			res.Replayed++
		case registrar.DecisionDenied, registrar.DecisionObserved:
			if err := reg.Attestations().Append(att); err != nil {
				return res, fmt.Errorf("replay: attestation %d (%s): carry forward: %w", i, att.ID, err)
			}
			res.Carried++
		default:
			return res, fmt.Errorf("replay: attestation %d (%s): unknown decision %q", i, att.ID, att.Decision)
		}
	}
	return res, nil
}

// reconstructRequest rebuilds the TransitionRequest an allowed attestation
// must have originated from. Only fields the attestation actually carries
// are available; this is sufficient because fold.Fold is itself a pure
// function of (current state, action, actor, target, metadata, now).
func reconstructRequest(att registrar.Attestation) (registrar.TransitionRequest, error) {
	req := registrar.TransitionRequest{
		Action:    att.Action,
		Actor:     att.Actor,
		Target:    att.Target,
		Metadata:  att.Metadata,
		RequestID: att.ID,
		Timestamp: att.Timestamp,
	}
	if err := req.Validate(); err != nil {
		return registrar.TransitionRequest{}, fmt.Errorf("reconstructed request invalid: %w", err)
	}
	return req, nil
}

// Truncate returns the prefix of log up to and including the attestation
// with id stopAfterID, for partial/truncated replay (§4.7). A zero-length
// result with ok=false means stopAfterID was not found.
func Truncate(log []registrar.Attestation, stopAfterID string) (out []registrar.Attestation, ok bool) {
	for i, att := range log {
		if att.ID == stopAfterID {
			return log[:i+1], true
		}
	}
	return nil, false
}
