// Package config assembles the registrar's typed, validated runtime
// configuration: which domain-engine behaviors are enabled, the policy
// table, attestation sink selection, and logging/metrics wiring. It is the
// single place a deployment describes how its registrar should behave,
// mirroring the layered defaults-then-override resolution the rest of the
// stack uses for its own config.
package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/tiger/audio-registrar/internal/registrar/domain"
	"github.com/tiger/audio-registrar/internal/registrar/policy"
)

// SinkKind selects the attestation durability backend.
type SinkKind string

const (
	SinkMemoryOnly SinkKind = "memory"
	SinkSQLite     SinkKind = "sqlite"
)

// Config is the fully-resolved configuration for one registrar process.
type Config struct {
	Domain domain.Config
	Policy policy.Config

	Sink       SinkKind
	SQLitePath string // required when Sink == SinkSQLite

	MetricsEnabled bool
	LogLevel       zerolog.Level
	LogPretty      bool
}

// Default returns the permissive, in-memory-only configuration suitable for
// local development and tests: no policy restrictions, no accessibility
// authorization beyond an override's own owner, info-level structured
// logging, metrics enabled.
func Default() Config {
	return Config{
		Domain:         domain.DefaultConfig(),
		Policy:         policy.DefaultConfig(),
		Sink:           SinkMemoryOnly,
		MetricsEnabled: true,
		LogLevel:       zerolog.InfoLevel,
	}
}

// Validate checks the configuration is internally consistent.
func (c Config) Validate() error {
	switch c.Sink {
	case SinkMemoryOnly:
	case SinkSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: sink=sqlite requires sqlite_path")
		}
	default:
		return fmt.Errorf("config: unknown sink %q", c.Sink)
	}
	for agent, ac := range c.Policy.Agents {
		if ac.MaxConcurrentStreams < 0 {
			return fmt.Errorf("config: policy.agents[%s].max_concurrent_streams must be >= 0", agent)
		}
	}
	return nil
}

// Logger builds the zerolog.Logger described by c, writing to stderr the
// way a foreground service process does.
func (c Config) Logger() zerolog.Logger {
	var w interface{ Write([]byte) (int, error) } = os.Stderr
	if c.LogPretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).Level(c.LogLevel).With().Timestamp().Logger()
}
