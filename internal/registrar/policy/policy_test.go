package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	registrar "github.com/tiger/audio-registrar/api/registrar"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func target() *registrar.StreamId {
	id := registrar.StreamId("s1")
	return &id
}

func TestDefaultConfigIsPermissive(t *testing.T) {
	e := New(DefaultConfig())
	req := registrar.TransitionRequest{Action: registrar.ActionStart, Actor: "A"}
	assert.Nil(t, e.Evaluate(req))
}

func TestDeniedActionIsRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents["A"] = AgentConfig{DeniedActions: map[registrar.TransitionAction]bool{registrar.ActionInterrupt: true}}
	e := New(cfg)

	v := e.Evaluate(registrar.TransitionRequest{Action: registrar.ActionInterrupt, Actor: "A", Target: target()})
	require.NotNil(t, v)
	assert.Equal(t, "policy.action_denied", v.InvariantID)
}

func TestAllowListExcludesEverythingElse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents["A"] = AgentConfig{AllowedActions: map[registrar.TransitionAction]bool{registrar.ActionStart: true}}
	e := New(cfg)

	assert.Nil(t, e.Evaluate(registrar.TransitionRequest{Action: registrar.ActionStart, Actor: "A"}))

	v := e.Evaluate(registrar.TransitionRequest{Action: registrar.ActionStop, Actor: "A", Target: target()})
	require.NotNil(t, v)
	assert.Equal(t, "policy.action_denied", v.InvariantID)
}

func TestMaxTextLengthRejectsOverCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents["A"] = AgentConfig{MaxTextLength: 5}
	e := New(cfg)

	v := e.Evaluate(registrar.TransitionRequest{
		Action: registrar.ActionUpdateOverride, Actor: "A", Target: target(),
		Metadata: map[string]any{"text": "this is too long"},
	})
	require.NotNil(t, v)
	assert.Equal(t, "policy.text_too_long", v.InvariantID)
}

func TestMaxTextLengthAllowsUnderCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents["A"] = AgentConfig{MaxTextLength: 50}
	e := New(cfg)

	v := e.Evaluate(registrar.TransitionRequest{
		Action: registrar.ActionUpdateOverride, Actor: "A", Target: target(),
		Metadata: map[string]any{"text": "short"},
	})
	assert.Nil(t, v)
}

func TestRequestRateLimitDeniesSecondBurstRequest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents["A"] = AgentConfig{RequestsPerMinute: 1, RequestBurst: 1}
	e := New(cfg)

	req := registrar.TransitionRequest{Action: registrar.ActionStart, Actor: "A"}
	assert.Nil(t, e.Evaluate(req))
	v := e.Evaluate(req)
	require.NotNil(t, v)
	assert.Equal(t, "policy.rate_limited", v.InvariantID)
}

func TestZeroRequestsPerMinuteMeansUnlimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents["A"] = AgentConfig{RequestsPerMinute: 0}
	e := New(cfg)

	req := registrar.TransitionRequest{Action: registrar.ActionStart, Actor: "A"}
	for i := 0; i < 10; i++ {
		assert.Nil(t, e.Evaluate(req))
	}
}

func TestPayloadCharsRateLimitDeniesOverBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents["A"] = AgentConfig{PayloadCharsPerMinute: 1, PayloadCharsBurst: 5}
	e := New(cfg)

	req := registrar.TransitionRequest{
		Action: registrar.ActionUpdateOverride, Actor: "A", Target: target(),
		Metadata: map[string]any{"text": "0123456789"},
	}
	v := e.Evaluate(req)
	require.NotNil(t, v)
	assert.Equal(t, "policy.rate_limited", v.InvariantID)
}

func TestConcurrencyCapDeniesStartOverLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents["A"] = AgentConfig{MaxConcurrentStreams: 1}
	e := New(cfg)

	req := registrar.TransitionRequest{Action: registrar.ActionStart, Actor: "A"}
	assert.Nil(t, e.Evaluate(req))
	e.RecordOutcome("A", registrar.ActionStart, true, false)

	v := e.Evaluate(req)
	require.NotNil(t, v)
	assert.Equal(t, "policy.concurrency_cap", v.InvariantID)
}

func TestConcurrencyCapFreedByTerminalTransition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents["A"] = AgentConfig{MaxConcurrentStreams: 1}
	e := New(cfg)

	e.RecordOutcome("A", registrar.ActionStart, true, false)
	e.RecordOutcome("A", registrar.ActionStop, true, true)

	v := e.Evaluate(registrar.TransitionRequest{Action: registrar.ActionStart, Actor: "A"})
	assert.Nil(t, v)
}

func TestRecordOutcomeIgnoresRejectedTransitions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents["A"] = AgentConfig{MaxConcurrentStreams: 1}
	e := New(cfg)

	e.RecordOutcome("A", registrar.ActionStart, false, false)
	v := e.Evaluate(registrar.TransitionRequest{Action: registrar.ActionStart, Actor: "A"})
	assert.Nil(t, v)
}

func TestAgentsFallBackToDefaultWhenAbsentFromTable(t *testing.T) {
	cfg := Config{
		Default: AgentConfig{DeniedActions: map[registrar.TransitionAction]bool{registrar.ActionStart: true}},
		Agents:  map[string]AgentConfig{},
	}
	e := New(cfg)

	v := e.Evaluate(registrar.TransitionRequest{Action: registrar.ActionStart, Actor: "unlisted-agent"})
	require.NotNil(t, v)
	assert.Equal(t, "policy.action_denied", v.InvariantID)
}
