package core

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	registrar "github.com/tiger/audio-registrar/api/registrar"
	"github.com/tiger/audio-registrar/internal/registrar/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestRegistrar() *Registrar {
	return New(Config{
		Domain: domain.DefaultConfig(),
		Clock:  testClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		IDGen:  sequentialIDGen(),
	})
}

func sequentialIDGen() func() string {
	var n int
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "id-" + strconv.Itoa(n)
	}
}

func target(id string) *registrar.StreamId {
	sid := registrar.StreamId(id)
	return &sid
}

func req(action registrar.TransitionAction, actor, tgt string) registrar.TransitionRequest {
	r := registrar.TransitionRequest{Action: action, Actor: actor}
	if tgt != "" {
		r.Target = target(tgt)
	}
	return r
}

// Scenario 1: happy lifecycle.
func TestHappyLifecycle(t *testing.T) {
	r := newTestRegistrar()

	res, err := r.Request(req(registrar.ActionStart, "A", "s1"))
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Equal(t, uint64(0), res.OrderIndex)

	res, err = r.Request(req(registrar.ActionCompile, "A", "s1"))
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Equal(t, uint64(1), res.OrderIndex)

	res, err = r.Request(req(registrar.ActionSynthesize, "A", "s1"))
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Equal(t, uint64(2), res.OrderIndex)

	state, ok := r.GetState("s1")
	require.True(t, ok)
	assert.Equal(t, registrar.StatePlaying, state.Lifecycle)

	res, err = r.Request(req(registrar.ActionStop, "A", "s1"))
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Equal(t, uint64(3), res.OrderIndex)

	state, ok = r.GetState("s1")
	require.True(t, ok)
	assert.Equal(t, registrar.StateStopped, state.Lifecycle)

	assert.Equal(t, 4, r.Attestations().Count())
	for _, att := range r.Attestations().All() {
		assert.Equal(t, registrar.DecisionAllowed, att.Decision)
	}
}

// Scenario 2: non-owner interrupt is denied and leaves state unchanged.
func TestNonOwnerInterruptDenied(t *testing.T) {
	r := newTestRegistrar()
	mustAccept(t, r, req(registrar.ActionStart, "A", "s1"))
	mustAccept(t, r, req(registrar.ActionCompile, "A", "s1"))
	mustAccept(t, r, req(registrar.ActionSynthesize, "A", "s1"))

	before, _ := r.GetState("s1")

	res, err := r.Request(req(registrar.ActionInterrupt, "B", "s1"))
	require.NoError(t, err)
	assert.False(t, res.Accepted())
	assert.Contains(t, res.Reason(), "not_owner")

	after, _ := r.GetState("s1")
	assert.True(t, before.StructurallyEqual(after))
}

// Scenario 3: accessibility supremacy.
func TestAccessibilitySupremacy(t *testing.T) {
	r := newTestRegistrar()
	mustAccept(t, r, req(registrar.ActionStart, "A", "s1"))
	mustAccept(t, r, req(registrar.ActionCompile, "A", "s1"))
	mustAccept(t, r, req(registrar.ActionSynthesize, "A", "s1"))

	enable := req(registrar.ActionEnableOverride, "U", "s1")
	res, err := r.Request(enable)
	require.NoError(t, err)
	require.True(t, res.Accepted())

	state, _ := r.GetState("s1")
	assert.True(t, state.Accessibility.Active)
	assert.Equal(t, "U", state.Accessibility.OwnerAgentID)

	res, err = r.Request(req(registrar.ActionInterrupt, "A", "s1"))
	require.NoError(t, err)
	assert.False(t, res.Accepted())
	assert.Contains(t, res.Reason(), "accessibility_override")
	assert.True(t, res.AccessibilityDriven)

	res, err = r.Request(req(registrar.ActionInterrupt, "U", "s1"))
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.True(t, res.AccessibilityDriven)
}

// Invariant I5: no attestation whose action != DisableOverride may flip
// accessibility.active from true to false.
func TestAccessibilityCannotBeSilentlyDisabled(t *testing.T) {
	r := newTestRegistrar()
	mustAccept(t, r, req(registrar.ActionStart, "A", "s1"))
	mustAccept(t, r, req(registrar.ActionEnableOverride, "U", "s1"))

	res, err := r.Request(req(registrar.ActionCompile, "A", "s1"))
	require.Error(t, err)
	var haltErr *HaltError
	require.ErrorAs(t, err, &haltErr)
	assert.False(t, res.Accepted())

	state, _ := r.GetState("s1")
	assert.True(t, state.Accessibility.Active, "override must still be active after an unrelated HALT attempt")

	disable := req(registrar.ActionDisableOverride, "U", "s1")
	res, err = r.Request(disable)
	require.NoError(t, err)
	require.True(t, res.Accepted())
	state, _ = r.GetState("s1")
	assert.False(t, state.Accessibility.Active)
}

// Scenario 5: invalid transition, skipping compile/synthesize.
func TestInvalidTransitionFromFresh(t *testing.T) {
	r := newTestRegistrar()
	res, err := r.Request(req(registrar.ActionPlay, "A", "s1"))
	require.NoError(t, err)
	assert.False(t, res.Accepted())
	assert.Contains(t, res.Reason(), "invalid_transition")

	_, ok := r.GetState("s1")
	assert.False(t, ok)
}

// Scenario 6: race on create — exactly one of two concurrent Start calls
// against the same fresh stream id is accepted.
func TestConcurrentStartRace(t *testing.T) {
	r := newTestRegistrar()
	var wg sync.WaitGroup
	results := make([]registrar.TransitionResult, 2)
	actors := []string{"A", "B"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Request(req(registrar.ActionStart, actors[i], "race-1"))
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, res := range results {
		if res.Accepted() {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)

	state, ok := r.GetState("race-1")
	require.True(t, ok)
	require.NotNil(t, state.Ownership)
	assert.Contains(t, actors, state.Ownership.AgentID)

	all := r.Attestations().All()
	require.Len(t, all, 2)
	allowed, denied := 0, 0
	for _, a := range all {
		switch a.Decision {
		case registrar.DecisionAllowed:
			allowed++
		case registrar.DecisionDenied:
			denied++
		}
	}
	assert.Equal(t, 1, allowed)
	assert.Equal(t, 1, denied)
}

// Terminal state admits only Restart.
func TestTerminalStateOnlyAdmitsRestart(t *testing.T) {
	r := newTestRegistrar()
	mustAccept(t, r, req(registrar.ActionStart, "A", "s1"))
	mustAccept(t, r, req(registrar.ActionFail, "A", "s1"))

	res, err := r.Request(req(registrar.ActionCompile, "A", "s1"))
	require.NoError(t, err)
	assert.False(t, res.Accepted())
	assert.Contains(t, res.Reason(), "terminal_state")

	res, err = r.Request(req(registrar.ActionRestart, "A", "s1"))
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	state, _ := r.GetState("s1")
	assert.Equal(t, registrar.StateIdle, state.Lifecycle)
}

func TestClaimOnOwnedStreamDenied(t *testing.T) {
	r := newTestRegistrar()
	mustAccept(t, r, req(registrar.ActionStart, "A", "s1"))

	res, err := r.Request(req(registrar.ActionClaim, "B", "s1"))
	require.NoError(t, err)
	assert.False(t, res.Accepted())
}

func TestTransferByNonOwnerDenied(t *testing.T) {
	r := newTestRegistrar()
	mustAccept(t, r, req(registrar.ActionStart, "A", "s1"))

	transfer := req(registrar.ActionTransfer, "B", "s1")
	transfer.Metadata = map[string]any{"new_owner": "C"}
	res, err := r.Request(transfer)
	require.NoError(t, err)
	assert.False(t, res.Accepted())
	assert.Contains(t, res.Reason(), "not_owner")
}

func TestTransferByOwnerAccepted(t *testing.T) {
	r := newTestRegistrar()
	mustAccept(t, r, req(registrar.ActionStart, "A", "s1"))

	transfer := req(registrar.ActionTransfer, "A", "s1")
	transfer.Metadata = map[string]any{"new_owner": "C"}
	res, err := r.Request(transfer)
	require.NoError(t, err)
	require.True(t, res.Accepted())
	state, _ := r.GetState("s1")
	require.NotNil(t, state.Ownership)
	assert.Equal(t, "C", state.Ownership.AgentID)
}

func TestGetStateReturnsDefensiveCopy(t *testing.T) {
	r := newTestRegistrar()
	mustAccept(t, r, req(registrar.ActionStart, "A", "s1"))

	state, ok := r.GetState("s1")
	require.True(t, ok)
	state.Lifecycle = registrar.StateFailed
	state.Ownership.AgentID = "tampered"

	fresh, _ := r.GetState("s1")
	assert.Equal(t, registrar.StateCompiling, fresh.Lifecycle)
	assert.Equal(t, "A", fresh.Ownership.AgentID)
}

func TestListStatesReturnsIsolatedMap(t *testing.T) {
	r := newTestRegistrar()
	mustAccept(t, r, req(registrar.ActionStart, "A", "s1"))

	states := r.ListStates()
	delete(states, "s1")
	states["s2"] = registrar.AudioState{StreamID: "s2"}

	fresh := r.ListStates()
	_, ok := fresh["s1"]
	assert.True(t, ok)
	_, ok = fresh["s2"]
	assert.False(t, ok)
}

func TestSnapshotExcludesOpaqueDataFromStructure(t *testing.T) {
	r := newTestRegistrar()
	mustAccept(t, r, req(registrar.ActionStart, "A", "s1"))

	snap := r.Snapshot()
	entry, ok := snap.States["s1"]
	require.True(t, ok)
	assert.Equal(t, registrar.StateCompiling, entry.Structure.Lifecycle)
	assert.Equal(t, uint64(1), snap.AttestationCount)
	assert.Equal(t, uint64(0), snap.OrderMax)
}

func TestListInvariantsEnumeratesBothScopes(t *testing.T) {
	invs := ListInvariants()
	var structuralCount, domainCount int
	for _, inv := range invs {
		switch inv.Scope {
		case "structural":
			structuralCount++
		case "domain":
			domainCount++
		}
	}
	assert.Equal(t, 7, structuralCount)
	assert.Equal(t, 5, domainCount)
}

func TestObserveDoesNotMutateStateOrValidate(t *testing.T) {
	r := newTestRegistrar()
	err := r.Observe(req(registrar.ActionPlay, "ghost", "nonexistent"))
	require.NoError(t, err)

	_, ok := r.GetState("nonexistent")
	assert.False(t, ok)

	all := r.Attestations().All()
	require.Len(t, all, 1)
	assert.Equal(t, registrar.DecisionObserved, all[0].Decision)
}

func mustAccept(t *testing.T, r *Registrar, request registrar.TransitionRequest) registrar.TransitionResult {
	t.Helper()
	res, err := r.Request(request)
	require.NoError(t, err)
	require.True(t, res.Accepted(), "expected %s on %v to be accepted, got violations: %+v", request.Action, request.Target, res.Violations)
	return res
}
