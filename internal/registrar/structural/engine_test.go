package structural

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	registrar "github.com/tiger/audio-registrar/api/registrar"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRegistry struct {
	states map[registrar.StreamId]registrar.AudioState
	next   uint64
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{states: map[registrar.StreamId]registrar.AudioState{}}
}

func (f *fakeRegistry) Get(id registrar.StreamId) (registrar.AudioState, bool) {
	s, ok := f.states[id]
	return s, ok
}

func (f *fakeRegistry) NextOrderIndex() uint64 { return f.next }

func (f *fakeRegistry) put(s registrar.AudioState) {
	f.states[s.StreamID] = s
	f.next++
}

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCheckAcceptsWellFormedCreation(t *testing.T) {
	reg := newFakeRegistry()
	proposed := registrar.AudioState{StreamID: "s1", Lifecycle: registrar.StateCompiling, OrderIndex: 0, Version: 0, CreatedAt: now, UpdatedAt: now}

	out := New().Check(reg, nil, proposed)
	assert.Empty(t, out.Violations)
	assert.Contains(t, out.Checked, "ordering.monotonic")
}

func TestCheckRejectsEmptyStreamID(t *testing.T) {
	reg := newFakeRegistry()
	proposed := registrar.AudioState{StreamID: "", OrderIndex: 0}

	out := New().Check(reg, nil, proposed)
	assertHasViolation(t, out.Violations, "identity.explicit", registrar.ClassificationReject)
}

func TestCheckRejectsOrderIndexNotMonotonic(t *testing.T) {
	reg := newFakeRegistry()
	proposed := registrar.AudioState{StreamID: "s1", OrderIndex: 5}

	out := New().Check(reg, nil, proposed)
	assertHasViolation(t, out.Violations, "ordering.monotonic", registrar.ClassificationReject)
}

func TestCheckRejectsMissingParent(t *testing.T) {
	reg := newFakeRegistry()
	missing := registrar.StreamId("ghost")
	proposed := registrar.AudioState{StreamID: "ghost", OrderIndex: 0}

	out := New().Check(reg, &missing, proposed)
	assertHasViolation(t, out.Violations, "lineage.parent_exists", registrar.ClassificationReject)
}

func TestCheckRejectsIdentityChangeAcrossTransition(t *testing.T) {
	reg := newFakeRegistry()
	reg.put(registrar.AudioState{StreamID: "s1", Version: 0, OrderIndex: 0, CreatedAt: now, UpdatedAt: now})
	from := registrar.StreamId("s1")
	proposed := registrar.AudioState{StreamID: "s2", Version: 1, OrderIndex: 1}

	out := New().Check(reg, &from, proposed)
	assertHasViolation(t, out.Violations, "identity.immutable", registrar.ClassificationReject)
}

func TestCheckHaltsOnNonContiguousVersion(t *testing.T) {
	reg := newFakeRegistry()
	reg.put(registrar.AudioState{StreamID: "s1", Version: 0, OrderIndex: 0, CreatedAt: now, UpdatedAt: now})
	from := registrar.StreamId("s1")
	proposed := registrar.AudioState{StreamID: "s1", Version: 5, OrderIndex: 1}

	out := New().Check(reg, &from, proposed)
	assertHasViolation(t, out.Violations, "lineage.continuous", registrar.ClassificationHalt)
}

func TestCheckHaltsOnNewStreamWithNonZeroVersion(t *testing.T) {
	reg := newFakeRegistry()
	proposed := registrar.AudioState{StreamID: "s1", Version: 1, OrderIndex: 0}

	out := New().Check(reg, nil, proposed)
	assertHasViolation(t, out.Violations, "lineage.continuous", registrar.ClassificationHalt)
}

func TestCheckRejectsParentStateIDDisagreeingWithFrom(t *testing.T) {
	reg := newFakeRegistry()
	reg.put(registrar.AudioState{StreamID: "s1", Version: 0, OrderIndex: 0, CreatedAt: now, UpdatedAt: now})
	from := registrar.StreamId("s1")
	other := registrar.StreamId("s2")
	proposed := registrar.AudioState{StreamID: "s1", Version: 1, OrderIndex: 1, ParentStateID: &other}

	out := New().Check(reg, &from, proposed)
	assertHasViolation(t, out.Violations, "lineage.single_parent", registrar.ClassificationReject)
}

func TestCheckIsShortCircuitFree(t *testing.T) {
	reg := newFakeRegistry()
	// Trigger identity.explicit AND ordering.monotonic simultaneously.
	proposed := registrar.AudioState{StreamID: "", OrderIndex: 9}

	out := New().Check(reg, nil, proposed)
	assertHasViolation(t, out.Violations, "identity.explicit", registrar.ClassificationReject)
	assertHasViolation(t, out.Violations, "ordering.monotonic", registrar.ClassificationReject)
	assert.Len(t, out.Checked, 7)
}

func assertHasViolation(t *testing.T, vs []registrar.InvariantViolation, id string, class registrar.Classification) {
	t.Helper()
	for _, v := range vs {
		if v.InvariantID == id {
			assert.Equal(t, class, v.Classification)
			return
		}
	}
	t.Fatalf("expected violation %q, got %+v", id, vs)
}
