// Package schema validates the JSON wire forms of §6 — attestations and
// snapshots — against embedded JSON Schema documents, independent of the Go
// struct tags that already encode the same shape. This catches a drifted
// wire contract (a renamed field, a widened enum) that a Go-only
// marshal/unmarshal round trip would silently tolerate.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	registrar "github.com/tiger/audio-registrar/api/registrar"
)

const attestationSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "https://audio-registrar.internal/schema/attestation.json",
  "title": "Attestation",
  "type": "object",
  "required": ["id", "timestamp", "actor", "action", "decision", "invariants_checked", "accessibility_driven"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string", "format": "date-time"},
    "actor": {"type": "string", "minLength": 1},
    "action": {"type": "string"},
    "target": {"type": "string"},
    "decision": {"enum": ["allowed", "denied", "observed"]},
    "reason": {"type": "string"},
    "invariants_checked": {"type": "array", "items": {"type": "string"}},
    "accessibility_driven": {"type": "boolean"},
    "metadata": {"type": "object"}
  }
}`

const snapshotSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "https://audio-registrar.internal/schema/snapshot.json",
  "title": "Snapshot",
  "type": "object",
  "required": ["version", "timestamp", "states", "attestation_count", "order_max"],
  "properties": {
    "version": {"type": "string"},
    "timestamp": {"type": "string", "format": "date-time"},
    "states": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["id", "structure"],
        "properties": {
          "id": {"type": "string"},
          "structure": {
            "type": "object",
            "required": ["lifecycle", "version", "accessibility", "order_index"],
            "properties": {
              "lifecycle": {"type": "string"},
              "version": {"type": "integer", "minimum": 0},
              "ownership": {"type": ["object", "null"]},
              "accessibility": {"type": "object"},
              "order_index": {"type": "integer", "minimum": 0}
            }
          },
          "data": {}
        }
      }
    },
    "attestation_count": {"type": "integer", "minimum": 0},
    "order_max": {"type": "integer", "minimum": 0}
  }
}`

var (
	once              sync.Once
	attestationSchema *jsonschema.Schema
	snapshotSchema    *jsonschema.Schema
	compileErr        error
)

func compileAll() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("attestation.json", strings.NewReader(attestationSchemaJSON)); err != nil {
		compileErr = fmt.Errorf("schema: add attestation resource: %w", err)
		return
	}
	if err := compiler.AddResource("snapshot.json", strings.NewReader(snapshotSchemaJSON)); err != nil {
		compileErr = fmt.Errorf("schema: add snapshot resource: %w", err)
		return
	}
	attestationSchema, compileErr = compiler.Compile("attestation.json")
	if compileErr != nil {
		compileErr = fmt.Errorf("schema: compile attestation: %w", compileErr)
		return
	}
	snapshotSchema, compileErr = compiler.Compile("snapshot.json")
	if compileErr != nil {
		compileErr = fmt.Errorf("schema: compile snapshot: %w", compileErr)
	}
}

func ensureCompiled() error {
	once.Do(compileAll)
	return compileErr
}

// ValidateAttestationJSON checks raw (the serialized form of an
// registrar.Attestation) against the attestation schema.
func ValidateAttestationJSON(raw []byte) error {
	if err := ensureCompiled(); err != nil {
		return err
	}
	return validateRaw(attestationSchema, raw)
}

// ValidateSnapshotJSON checks raw (the serialized form of a
// registrar.Snapshot) against the snapshot schema.
func ValidateSnapshotJSON(raw []byte) error {
	if err := ensureCompiled(); err != nil {
		return err
	}
	return validateRaw(snapshotSchema, raw)
}

func validateRaw(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return fmt.Errorf("schema: invalid JSON: %w", err)
	}
	return schema.Validate(payload)
}

// ValidateAttestation marshals att and validates the result, for callers
// that already hold a typed value rather than raw bytes.
func ValidateAttestation(att registrar.Attestation) error {
	raw, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("schema: marshal attestation: %w", err)
	}
	return ValidateAttestationJSON(raw)
}

// ValidateSnapshot marshals snap and validates the result.
func ValidateSnapshot(snap registrar.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("schema: marshal snapshot: %w", err)
	}
	return ValidateSnapshotJSON(raw)
}
