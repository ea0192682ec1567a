// Package journal keeps a local SQLite record of completed exchanges.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"softterminal/internal/delivery"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS exchanges (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL DEFAULT '',
		context_id   TEXT NOT NULL,
		question     TEXT NOT NULL,
		answer       TEXT NOT NULL,
		chunks       INTEGER NOT NULL,
		completed_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges(session_id, id)`,
}

// Journal stores completed exchanges. It implements delivery.LogSink.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal: path must not be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: migrate: %w", err)
		}
	}
	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) LogExchange(ctx context.Context, ex delivery.CompletedExchange) error {
	at := ex.CompletedAt
	if at.IsZero() {
		at = j.now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO exchanges (session_id, context_id, question, answer, chunks, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ex.SessionID, ex.ContextID, ex.Question, ex.Answer, ex.Chunks, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: insert exchange: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest exchanges, oldest first. An empty
// sessionID matches every session.
func (j *Journal) Recent(ctx context.Context, sessionID string, limit int) ([]delivery.CompletedExchange, error) {
	if limit <= 0 {
		return nil, errors.New("journal: limit must be positive")
	}
	query := `SELECT session_id, context_id, question, answer, chunks, completed_at FROM exchanges`
	args := []any{}
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query exchanges: %w", err)
	}
	defer rows.Close()

	var out []delivery.CompletedExchange
	for rows.Next() {
		var (
			ex delivery.CompletedExchange
			at string
		)
		if err := rows.Scan(&ex.SessionID, &ex.ContextID, &ex.Question, &ex.Answer, &ex.Chunks, &at); err != nil {
			return nil, fmt.Errorf("journal: scan exchange: %w", err)
		}
		if ex.CompletedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("journal: parse completed_at %q: %w", at, err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: read exchanges: %w", err)
	}

	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}
