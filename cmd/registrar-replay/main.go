// Command registrar-replay drives the registrar's replay entry point (C7)
// against a serialized attestation log: reconstruct state, print a
// snapshot, or enumerate the invariant catalog.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	registrar "github.com/tiger/audio-registrar/api/registrar"
	"github.com/tiger/audio-registrar/internal/registrar/config"
	"github.com/tiger/audio-registrar/internal/registrar/core"
	"github.com/tiger/audio-registrar/internal/registrar/replay"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	switch os.Args[1] {
	case "replay":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "replay requires attestation_log_path")
			printUsage()
			os.Exit(2)
		}
		if err := runReplay(os.Args[2], hasFlag(os.Args[3:], "--strict")); err != nil {
			fmt.Fprintf(os.Stderr, "failed to replay: %v\n", err)
			os.Exit(1)
		}
	case "snapshot":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "snapshot requires attestation_log_path")
			printUsage()
			os.Exit(2)
		}
		if err := runSnapshot(os.Args[2], hasFlag(os.Args[3:], "--strict")); err != nil {
			fmt.Fprintf(os.Stderr, "failed to build snapshot: %v\n", err)
			os.Exit(1)
		}
	case "invariants":
		if err := runInvariants(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to list invariants: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Println("registrar-replay usage:")
	fmt.Println("  registrar-replay replay <attestation_log.json> [--strict]")
	fmt.Println("  registrar-replay snapshot <attestation_log.json> [--strict]")
	fmt.Println("  registrar-replay invariants")
	fmt.Println("  --strict re-verifies every recorded-allowed entry against the live engines")
	fmt.Println("  and fails on the first divergence instead of trusting the log")
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func loadLog(path string) ([]registrar.Attestation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var log []registrar.Attestation
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return log, nil
}

// newReplayConfig builds the Config a replay run needs. Policy is
// deliberately left unset: replay.Run always resubmits through
// ReplayRequest, which skips the policy pre-filter entirely (§4.7).
func newReplayConfig() core.Config {
	cfg := config.Default()
	return core.Config{
		Domain: cfg.Domain,
		Logger: cfg.Logger(),
	}
}

func runReplay(logPath string, strict bool) error {
	log, err := loadLog(logPath)
	if err != nil {
		return err
	}
	res, err := replay.Run(newReplayConfig(), log, strict)
	if err != nil {
		return err
	}
	fmt.Printf("replayed=%d carried_forward=%d total=%d\n", res.Replayed, res.Carried, len(log))
	snap := res.Registrar.Snapshot()
	return printJSON(snap)
}

func runSnapshot(logPath string, strict bool) error {
	log, err := loadLog(logPath)
	if err != nil {
		return err
	}
	res, err := replay.Run(newReplayConfig(), log, strict)
	if err != nil {
		return err
	}
	return printJSON(res.Registrar.Snapshot())
}

func runInvariants() error {
	return printJSON(core.ListInvariants())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
