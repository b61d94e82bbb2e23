package attestation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	registrar "github.com/tiger/audio-registrar/api/registrar"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func att(id, actor string, target registrar.StreamId, decision registrar.Decision) registrar.Attestation {
	return registrar.Attestation{
		ID:        id,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Actor:     actor,
		Action:    registrar.ActionStart,
		Target:    &target,
		Decision:  decision,
	}
}

func TestAppendAndAllPreserveOrder(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(att("a1", "A", "s1", registrar.DecisionAllowed)))
	require.NoError(t, s.Append(att("a2", "B", "s2", registrar.DecisionDenied)))
	require.NoError(t, s.Append(att("a3", "A", "s1", registrar.DecisionAllowed)))

	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a1", all[0].ID)
	assert.Equal(t, "a2", all[1].ID)
	assert.Equal(t, "a3", all[2].ID)
	assert.Equal(t, 3, s.Count())
}

func TestAppendRejectsDuplicateID(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(att("a1", "A", "s1", registrar.DecisionAllowed)))
	err := s.Append(att("a1", "A", "s1", registrar.DecisionAllowed))
	assert.Error(t, err)
	assert.Equal(t, 1, s.Count())
}

func TestAppendRejectsInvalidAttestation(t *testing.T) {
	s := New()
	err := s.Append(registrar.Attestation{})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Count())
}

func TestAllReturnsIndependentCopy(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(att("a1", "A", "s1", registrar.DecisionAllowed)))
	all := s.All()
	all[0].Actor = "mutated"

	again := s.All()
	assert.Equal(t, "A", again[0].Actor)
}

func TestQueryByActor(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(att("a1", "A", "s1", registrar.DecisionAllowed)))
	require.NoError(t, s.Append(att("a2", "B", "s2", registrar.DecisionDenied)))
	require.NoError(t, s.Append(att("a3", "A", "s3", registrar.DecisionDenied)))

	got := s.Query(Query{Actor: "A"})
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a3", got[1].ID)
}

func TestQueryByTarget(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(att("a1", "A", "s1", registrar.DecisionAllowed)))
	require.NoError(t, s.Append(att("a2", "B", "s2", registrar.DecisionDenied)))

	target := registrar.StreamId("s1")
	got := s.Query(Query{Target: &target})
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)
}

func TestQueryByDecision(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(att("a1", "A", "s1", registrar.DecisionAllowed)))
	require.NoError(t, s.Append(att("a2", "B", "s2", registrar.DecisionDenied)))
	require.NoError(t, s.Append(att("a3", "C", "s3", registrar.DecisionDenied)))

	got := s.Query(Query{Decision: registrar.DecisionDenied})
	require.Len(t, got, 2)
	assert.Equal(t, "a2", got[0].ID)
	assert.Equal(t, "a3", got[1].ID)
}

func TestQueryCombinesActorAndDecision(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(att("a1", "A", "s1", registrar.DecisionAllowed)))
	require.NoError(t, s.Append(att("a2", "A", "s2", registrar.DecisionDenied)))

	got := s.Query(Query{Actor: "A", Decision: registrar.DecisionDenied})
	require.Len(t, got, 1)
	assert.Equal(t, "a2", got[0].ID)
}

func TestQuerySinceExcludesEarlierEntries(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(att("a1", "A", "s1", registrar.DecisionAllowed)))
	second := att("a2", "A", "s1", registrar.DecisionAllowed)
	require.NoError(t, s.Append(second))
	require.NoError(t, s.Append(att("a3", "A", "s1", registrar.DecisionAllowed)))

	got := s.Query(Query{Actor: "A", Since: &second})
	require.Len(t, got, 2)
	assert.Equal(t, "a2", got[0].ID)
	assert.Equal(t, "a3", got[1].ID)
}

func TestQueryWithNoCriteriaReturnsEverything(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(att("a1", "A", "s1", registrar.DecisionAllowed)))
	require.NoError(t, s.Append(att("a2", "B", "s2", registrar.DecisionDenied)))

	got := s.Query(Query{})
	assert.Len(t, got, 2)
}

func TestToJSONIncludesOptionalFieldsOnlyWhenPresent(t *testing.T) {
	a := att("a1", "A", "s1", registrar.DecisionAllowed)
	m, err := ToJSON(a)
	require.NoError(t, err)
	assert.Equal(t, registrar.StreamId("s1"), m["target"])
	_, hasMetadata := m["metadata"]
	assert.False(t, hasMetadata)

	a.Metadata = map[string]any{"k": "v"}
	m, err = ToJSON(a)
	require.NoError(t, err)
	assert.Equal(t, a.Metadata, m["metadata"])
}
