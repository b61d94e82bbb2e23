// Package policy implements the optional pre-filter the registrar core
// consults before running any invariant engine: per-agent action
// allow/deny sets, text-length caps, token-bucket rate limits, and
// concurrent-stream caps. Violations are synthetic invariant violations
// under the "policy." namespace.
package policy

import (
	"fmt"
	"sync"
	"time"

	registrar "github.com/tiger/audio-registrar/api/registrar"
	"golang.org/x/time/rate"
)

// AgentConfig is the policy applied to one agent identifier.
type AgentConfig struct {
	AllowedActions    map[registrar.TransitionAction]bool // nil/empty means "all actions allowed"
	DeniedActions     map[registrar.TransitionAction]bool
	MaxTextLength     int // 0 means unlimited
	RequestsPerMinute float64
	RequestBurst      int
	PayloadCharsPerMinute float64
	PayloadCharsBurst     int
	MaxConcurrentStreams  int // 0 means unlimited
	Capabilities          map[string]bool
}

// Config is the full per-agent policy table plus a default applied to
// agents absent from the table.
type Config struct {
	Default AgentConfig
	Agents  map[string]AgentConfig
}

// DefaultConfig returns a permissive policy: no action restrictions, no
// rate limiting, no concurrency cap. Embedding processes narrow this down.
func DefaultConfig() Config {
	return Config{
		Default: AgentConfig{},
		Agents:  map[string]AgentConfig{},
	}
}

func (c Config) resolve(agent string) AgentConfig {
	if cfg, ok := c.Agents[agent]; ok {
		return cfg
	}
	return c.Default
}

type buckets struct {
	requests *rate.Limiter
	payload  *rate.Limiter
}

// Engine enforces Config against incoming requests. It is safe for
// concurrent use; its own state is guarded by a mutex distinct from the
// registrar core's writer lock so policy evaluation never contends with the
// hot path's commit step.
type Engine struct {
	cfg Config

	mu            sync.Mutex
	perAgent      map[string]*buckets
	concurrentBy  map[string]int // agent -> count of active (non-terminal) streams it owns
}

// New constructs a policy Engine from cfg.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:          cfg,
		perAgent:     make(map[string]*buckets),
		concurrentBy: make(map[string]int),
	}
}

func (e *Engine) bucketsFor(agent string, cfg AgentConfig) *buckets {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.perAgent[agent]
	if ok {
		return b
	}
	b = &buckets{
		requests: newLimiter(cfg.RequestsPerMinute, cfg.RequestBurst),
		payload:  newLimiter(cfg.PayloadCharsPerMinute, cfg.PayloadCharsBurst),
	}
	e.perAgent[agent] = b
	return b
}

func newLimiter(perMinute float64, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perMinute/60.0), burst)
}

// Evaluate checks req against the policy for req.Actor. A non-nil violation
// means the request must be denied before any invariant engine runs.
func (e *Engine) Evaluate(req registrar.TransitionRequest) *registrar.InvariantViolation {
	cfg := e.cfg.resolve(req.Actor)

	if cfg.DeniedActions != nil && cfg.DeniedActions[req.Action] {
		return violation("policy.action_denied", fmt.Sprintf("policy.action_denied: actor %q may not issue %q", req.Actor, req.Action))
	}
	if cfg.AllowedActions != nil && len(cfg.AllowedActions) > 0 && !cfg.AllowedActions[req.Action] {
		return violation("policy.action_denied", fmt.Sprintf("policy.action_denied: actor %q is not permitted to issue %q", req.Actor, req.Action))
	}

	if cfg.MaxTextLength > 0 {
		if text, ok := req.Metadata["text"].(string); ok && len(text) > cfg.MaxTextLength {
			return violation("policy.text_too_long", fmt.Sprintf("policy.text_too_long: payload of %d characters exceeds cap %d", len(text), cfg.MaxTextLength))
		}
	}

	b := e.bucketsFor(req.Actor, cfg)
	if !b.requests.Allow() {
		return violation("policy.rate_limited", fmt.Sprintf("policy.rate_limited: actor %q exceeded request rate", req.Actor))
	}
	if text, ok := req.Metadata["text"].(string); ok && len(text) > 0 {
		if !b.payload.AllowN(time.Now(), len(text)) {
			return violation("policy.rate_limited", fmt.Sprintf("policy.rate_limited: actor %q exceeded payload character rate", req.Actor))
		}
	}

	if req.Action == registrar.ActionStart && cfg.MaxConcurrentStreams > 0 {
		e.mu.Lock()
		active := e.concurrentBy[req.Actor]
		e.mu.Unlock()
		if active >= cfg.MaxConcurrentStreams {
			return violation("policy.concurrency_cap", fmt.Sprintf("policy.concurrency_cap: actor %q at concurrent-stream cap %d", req.Actor, cfg.MaxConcurrentStreams))
		}
	}

	return nil
}

// RecordOutcome updates the concurrent-stream counter: incremented on an
// accepted Start-family action, decremented on an accepted terminal
// transition. The registrar core calls this after commit, never inside the
// policy pre-filter itself.
func (e *Engine) RecordOutcome(agent string, action registrar.TransitionAction, accepted bool, nowTerminal bool) {
	if !accepted {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case action == registrar.ActionStart:
		e.concurrentBy[agent]++
	case nowTerminal:
		if e.concurrentBy[agent] > 0 {
			e.concurrentBy[agent]--
		}
	}
}

func violation(id, msg string) *registrar.InvariantViolation {
	return &registrar.InvariantViolation{
		InvariantID:    id,
		Classification: registrar.ClassificationReject,
		Message:        msg,
	}
}
