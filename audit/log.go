// Package audit keeps an append-only SQLite record of plan patches and
// coordinator lifecycle events.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	swarm "github.com/langswarm/langswarm-go"
	_ "modernc.org/sqlite"
)

const defaultAuditPath = "langswarm/audit.db"

// Log writes plan patches and run events to SQLite. It implements
// swarm.AuditSink and swarm.EventSink.
type Log struct {
	db    *sql.DB
	actor string
}

// Open opens (or creates) the audit database at path. The path defaults to
// $LANGSWARM_AUDIT_DB, then "langswarm/audit.db"; ":memory:" is accepted.
func Open(ctx context.Context, path string) (*Log, error) {
	resolved, err := resolveDBPath(path)
	if err != nil {
		return nil, err
	}
	dsn := resolved
	if resolved != ":memory:" {
		dsn = resolved + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db, actor: "coordinator"}, nil
}

// WithActor sets the actor recorded with every row.
func (l *Log) WithActor(actor string) *Log {
	l.actor = actor
	return l
}

func resolveDBPath(path string) (string, error) {
	if path == "" {
		path = os.Getenv("LANGSWARM_AUDIT_DB")
	}
	if path == "" {
		path = defaultAuditPath
	}
	if path == ":memory:" {
		return path, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve audit db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("ensure audit db dir: %w", err)
	}
	return absPath, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			actor TEXT NOT NULL,
			run_id TEXT,
			type TEXT NOT NULL,
			payload_json TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS plan_patches (
			patch_id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL,
			before_version INTEGER NOT NULL,
			after_version INTEGER NOT NULL,
			reason TEXT,
			author TEXT,
			patch_json TEXT NOT NULL,
			diff TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_plan_patches_plan ON plan_patches(plan_id, after_version);
	`)
	if err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// RecordPatch stores an applied plan patch.
func (l *Log) RecordPatch(ctx context.Context, entry swarm.AuditEntry) error {
	patch, err := json.Marshal(entry.Patch)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO plan_patches (patch_id, plan_id, before_version, after_version, reason, author, patch_json, diff, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.PatchID, entry.PlanID, entry.BeforeVersion, entry.AfterVersion,
		entry.Patch.Reason, entry.Patch.Author, string(patch), entry.Diff,
		entry.AppliedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert plan patch: %w", err)
	}
	return l.logEvent(ctx, "", "plan_patch", map[string]interface{}{
		"patch_id": entry.PatchID, "plan_id": entry.PlanID,
		"before": entry.BeforeVersion, "after": entry.AfterVersion,
	})
}

// RecordEvent stores a coordinator lifecycle event.
func (l *Log) RecordEvent(ctx context.Context, e swarm.Event) error {
	runID := ""
	if be, ok := e.(interface{ RunID() string }); ok {
		runID = be.RunID()
	}
	return l.logEvent(ctx, runID, string(e.Type()), e.Data())
}

func (l *Log) logEvent(ctx context.Context, runID, eventType string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO events (ts, actor, run_id, type, payload_json) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), l.actor, runID, eventType, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// PatchRecord is a stored plan patch.
type PatchRecord struct {
	PatchID       string
	PlanID        string
	BeforeVersion int
	AfterVersion  int
	Reason        string
	Author        string
	Diff          string
	AppliedAt     time.Time
}

// Patches returns the patches of planID in version order.
func (l *Log) Patches(ctx context.Context, planID string) ([]PatchRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT patch_id, plan_id, before_version, after_version, COALESCE(reason, ''), COALESCE(author, ''), diff, applied_at
		FROM plan_patches WHERE plan_id = ? ORDER BY after_version ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("query plan patches: %w", err)
	}
	defer rows.Close()

	var out []PatchRecord
	for rows.Next() {
		var (
			rec PatchRecord
			ts  string
		)
		if err := rows.Scan(&rec.PatchID, &rec.PlanID, &rec.BeforeVersion, &rec.AfterVersion, &rec.Reason, &rec.Author, &rec.Diff, &ts); err != nil {
			return nil, fmt.Errorf("scan plan patch: %w", err)
		}
		if rec.AppliedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse applied_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EventRecord is a stored lifecycle event.
type EventRecord struct {
	ID      int64
	Time    time.Time
	Actor   string
	RunID   string
	Type    string
	Payload map[string]interface{}
}

// Events returns the events of runID in insertion order. An empty runID returns every event.
func (l *Log) Events(ctx context.Context, runID string) ([]EventRecord, error) {
	query := `SELECT id, ts, actor, COALESCE(run_id, ''), type, payload_json FROM events`
	var args []interface{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id ASC`
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec         EventRecord
			ts, payload string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Actor, &rec.RunID, &rec.Type, &payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if rec.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}
