// Package sqlitesink implements an attestation.Sink backed by a local SQLite
// database: the durable mirror of the in-memory attestation log, consulted
// only for crash recovery and offline replay, never on the registrar's hot
// decision path.
package sqlitesink

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	registrar "github.com/tiger/audio-registrar/api/registrar"
)

// Sink is an append-only SQLite-backed mirror of the attestation log.
type Sink struct {
	db *sql.DB
}

// Open creates or attaches to the attestation table at path (a file path,
// or ":memory:" for an ephemeral database used in tests).
func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitesink: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitesink: migrate: %w", err)
	}
	return &Sink{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS attestations (
	seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
	id                   TEXT NOT NULL UNIQUE,
	timestamp            TEXT NOT NULL,
	actor                TEXT NOT NULL,
	action               TEXT NOT NULL,
	target               TEXT,
	decision             TEXT NOT NULL,
	reason               TEXT,
	invariants_checked   TEXT,
	accessibility_driven INTEGER NOT NULL,
	metadata             TEXT
);
CREATE INDEX IF NOT EXISTS idx_attestations_target ON attestations(target);
CREATE INDEX IF NOT EXISTS idx_attestations_actor ON attestations(actor);
`

// Append implements attestation.Sink: an insert against the unique id
// column, so a duplicate append (a retried mirror after a transient error)
// fails loudly rather than silently double-recording.
func (s *Sink) Append(att registrar.Attestation) error {
	var target any
	if att.Target != nil {
		target = string(*att.Target)
	}
	invariants, err := json.Marshal(att.InvariantsChecked)
	if err != nil {
		return fmt.Errorf("sqlitesink: marshal invariants_checked: %w", err)
	}
	var metadata any
	if att.Metadata != nil {
		b, err := json.Marshal(att.Metadata)
		if err != nil {
			return fmt.Errorf("sqlitesink: marshal metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err = s.db.Exec(
		`INSERT INTO attestations (id, timestamp, actor, action, target, decision, reason, invariants_checked, accessibility_driven, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.Timestamp.Format(timeLayout), att.Actor, string(att.Action), target,
		string(att.Decision), att.Reason, string(invariants), boolToInt(att.AccessibilityDriven), metadata,
	)
	if err != nil {
		return fmt.Errorf("sqlitesink: append %s: %w", att.ID, err)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// All loads the full mirrored log back out, in insertion order — the entry
// point an operator's recovery or replay tooling uses after a restart.
func (s *Sink) All() ([]registrar.Attestation, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, actor, action, target, decision, reason, invariants_checked, accessibility_driven, metadata
		 FROM attestations ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitesink: query all: %w", err)
	}
	defer rows.Close()

	var out []registrar.Attestation
	for rows.Next() {
		var (
			att               registrar.Attestation
			timestamp         string
			target            sql.NullString
			invariantsChecked string
			metadata          sql.NullString
			accessibilityInt  int
		)
		if err := rows.Scan(&att.ID, &timestamp, &att.Actor, &att.Action, &target, &att.Decision,
			&att.Reason, &invariantsChecked, &accessibilityInt, &metadata); err != nil {
			return nil, fmt.Errorf("sqlitesink: scan: %w", err)
		}
		ts, err := parseTime(timestamp)
		if err != nil {
			return nil, fmt.Errorf("sqlitesink: parse timestamp for %s: %w", att.ID, err)
		}
		att.Timestamp = ts
		if target.Valid {
			sid := registrar.StreamId(target.String)
			att.Target = &sid
		}
		if invariantsChecked != "" {
			if err := json.Unmarshal([]byte(invariantsChecked), &att.InvariantsChecked); err != nil {
				return nil, fmt.Errorf("sqlitesink: unmarshal invariants_checked for %s: %w", att.ID, err)
			}
		}
		att.AccessibilityDriven = accessibilityInt != 0
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &att.Metadata); err != nil {
				return nil, fmt.Errorf("sqlitesink: unmarshal metadata for %s: %w", att.ID, err)
			}
		}
		out = append(out, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitesink: rows: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Sink) Close() error {
	return s.db.Close()
}
