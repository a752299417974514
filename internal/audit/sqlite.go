// Package audit keeps an append-only log of orchestrator actions. It is a
// cross-cutting collaborator: a failed audit write is logged and dropped,
// never allowed to fail the request it describes.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one audited orchestrator action.
type Entry struct {
	Ts      time.Time `json:"ts"`
	AgentID string    `json:"agent_id"`
	Kind    string    `json:"kind"`
	Detail  string    `json:"detail,omitempty"`
}

// Log is a sqlite-backed append-only audit log.
type Log struct {
	db *sql.DB
}

// Open opens (and migrates) the audit database.
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts)`,
	}
	for _, m := range migrations {
		if _, err := l.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Append records one action.
func (l *Log) Append(ctx context.Context, agentID, kind, detail string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (agent_id, kind, detail) VALUES (?, ?, ?)`,
		agentID, kind, detail)
	return err
}

// Recent returns the newest n entries, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT ts, agent_id, kind, COALESCE(detail, '') FROM audit_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Ts, &e.AgentID, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// MaskSecret reduces a secret to a short non-reversible prefix suitable for
// the audit trail. Empty secrets mask to the empty string.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:8]
}
