// Package incident is the durable record of safety violations. Kept in
// sqlite rather than the regular progress artifacts so a violation can
// never be lost among routine completions or rotated away with backups.
package incident

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Kind categorizes an incident.
type Kind string

const (
	KindProtectedFileModified Kind = "protected_file_modified"
	KindRevertFailed          Kind = "revert_failed"
	KindEmergencyStop         Kind = "emergency_stop"
	KindWorkerRecovery        Kind = "worker_recovery"
)

// Incident is one recorded safety event. Append-only; incidents are
// never updated or deleted.
type Incident struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	TaskID     string    `json:"task_id"`
	Kind       Kind      `json:"kind"`
	Phase      string    `json:"phase"`
	Files      []string  `json:"files,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store persists incidents in a local sqlite database.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the incident database.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create incident db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open incident db: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			phase TEXT NOT NULL,
			files TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		);`)
	if err != nil {
		return fmt.Errorf("migrate incident schema: %w", err)
	}
	return nil
}

// Append records an incident. RecordedAt is stamped if unset.
func (s *Store) Append(ctx context.Context, inc Incident) error {
	if inc.RecordedAt.IsZero() {
		inc.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents(session_id, task_id, kind, phase, files, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inc.SessionID,
		inc.TaskID,
		string(inc.Kind),
		inc.Phase,
		strings.Join(inc.Files, "\n"),
		inc.Detail,
		inc.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// List returns incidents newest first, up to limit (0 means all).
func (s *Store) List(ctx context.Context, limit int) ([]Incident, error) {
	query := `SELECT id, session_id, task_id, kind, phase, files, detail, recorded_at
		FROM incidents ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	result := make([]Incident, 0)
	for rows.Next() {
		var (
			inc         Incident
			kind        string
			files       string
			recordedRaw string
		)
		if err := rows.Scan(&inc.ID, &inc.SessionID, &inc.TaskID, &kind, &inc.Phase, &files, &inc.Detail, &recordedRaw); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.Kind = Kind(kind)
		if files != "" {
			inc.Files = strings.Split(files, "\n")
		}
		recordedAt, err := time.Parse(time.RFC3339Nano, recordedRaw)
		if err != nil {
			return nil, fmt.Errorf("parse incident recorded_at: %w", err)
		}
		inc.RecordedAt = recordedAt
		result = append(result, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return result, nil
}

// Count returns the total number of recorded incidents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM incidents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count incidents: %w", err)
	}
	return n, nil
}
