package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// journalTimeLayout is fixed-width so started_at sorts chronologically.
const journalTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Journal records every backup cycle in a small sqlite database so the CLI
// can show when the last snapshot happened and what it saved.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenJournal opens or creates the journal database at dbPath.
func OpenJournal(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	j := &Journal{db: db}
	if err := j.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := j.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (j *Journal) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backup_cycles (
			id TEXT PRIMARY KEY,
			cause TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			chats_saved INTEGER NOT NULL DEFAULT 0,
			memories_saved INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_started ON backup_cycles(started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// NewCycleID returns a fresh cycle identifier.
func NewCycleID() string {
	return uuid.NewString()
}

// Record stores a finished cycle.
func (j *Journal) Record(ctx context.Context, r Report) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO backup_cycles (id, cause, started_at, finished_at, chats_saved, memories_saved, failures, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Trigger, r.StartedAt.UTC().Format(journalTimeLayout), r.FinishedAt.UTC().Format(journalTimeLayout),
		r.ChatsSaved, r.MemoriesSaved, r.Failures, r.Err)
	if err != nil {
		return fmt.Errorf("record cycle: %w", err)
	}
	return nil
}

// Recent returns up to limit cycles, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, cause, started_at, finished_at, chats_saved, memories_saved, failures, error
		FROM backup_cycles
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var r Report
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Trigger, &started, &finished, &r.ChatsSaved, &r.MemoriesSaved, &r.Failures, &r.Err); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		var err error
		if r.StartedAt, err = time.Parse(journalTimeLayout, started); err != nil {
			return nil, fmt.Errorf("parse cycle %s start: %w", r.ID, err)
		}
		if r.FinishedAt, err = time.Parse(journalTimeLayout, finished); err != nil {
			return nil, fmt.Errorf("parse cycle %s finish: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycles: %w", err)
	}
	return out, nil
}
