// Package checkpointstore persists run checkpoints in a local SQLite database.
//
// Notes:
// - One row per (run_id, turn); Save upserts so a retried turn overwrites its row.
// - WAL is enabled so a status reader can poll while the loop is writing.
package checkpointstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/edwardlabs/edward-engine/internal/engine"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the checkpoint for (run_id, turn). The next-turn conversation
// is stored as JSON so the schema stays stable as the message shape evolves.
func (s *Store) Save(ctx context.Context, cp engine.Checkpoint) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cp.RunID = strings.TrimSpace(cp.RunID)
	cp.SandboxID = strings.TrimSpace(cp.SandboxID)
	if cp.RunID == "" {
		return errors.New("missing run_id")
	}
	if cp.Turn <= 0 {
		return errors.New("invalid turn")
	}
	if cp.UpdatedAtUnixMs <= 0 {
		cp.UpdatedAtUnixMs = time.Now().UnixMilli()
	}

	messagesJSON, err := json.Marshal(cp.NextTurnMessages)
	if err != nil {
		return fmt.Errorf("marshal next turn messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO run_checkpoints(
  run_id, turn, raw_response_so_far, next_turn_messages_json,
  sandbox_seen, sandbox_id, total_tool_calls_in_run, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, turn) DO UPDATE SET
  raw_response_so_far = excluded.raw_response_so_far,
  next_turn_messages_json = excluded.next_turn_messages_json,
  sandbox_seen = excluded.sandbox_seen,
  sandbox_id = excluded.sandbox_id,
  total_tool_calls_in_run = excluded.total_tool_calls_in_run,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`,
		cp.RunID,
		cp.Turn,
		cp.RawResponseSoFar,
		string(messagesJSON),
		boolToInt(cp.SandboxSeen),
		cp.SandboxID,
		cp.TotalToolCallsInRun,
		cp.UpdatedAtUnixMs,
	)
	return err
}

// LoadLatest returns the highest-turn checkpoint for the run, or nil when the
// run has none.
func (s *Store) LoadLatest(ctx context.Context, runID string) (*engine.Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("missing run_id")
	}

	var (
		cp           engine.Checkpoint
		messagesJSON string
		sandboxSeen  int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, turn, raw_response_so_far, next_turn_messages_json,
       sandbox_seen, sandbox_id, total_tool_calls_in_run, updated_at_unix_ms
FROM run_checkpoints
WHERE run_id = ?
ORDER BY turn DESC
LIMIT 1
`, runID).Scan(
		&cp.RunID,
		&cp.Turn,
		&cp.RawResponseSoFar,
		&messagesJSON,
		&sandboxSeen,
		&cp.SandboxID,
		&cp.TotalToolCallsInRun,
		&cp.UpdatedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cp.SandboxSeen = sandboxSeen != 0
	if err := json.Unmarshal([]byte(messagesJSON), &cp.NextTurnMessages); err != nil {
		return nil, fmt.Errorf("decode next turn messages: %w", err)
	}
	return &cp, nil
}

// DeleteRun removes every checkpoint of a finished run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("missing run_id")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE run_id = ?`, runID)
	return err
}

// ListRuns returns the known run ids, most recently updated first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT run_id
FROM run_checkpoints
GROUP BY run_id
ORDER BY MAX(updated_at_unix_ms) DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS run_checkpoints (
  run_id TEXT NOT NULL,
  turn INTEGER NOT NULL,
  raw_response_so_far TEXT NOT NULL DEFAULT '',
  next_turn_messages_json TEXT NOT NULL,
  sandbox_seen INTEGER NOT NULL DEFAULT 0,
  sandbox_id TEXT NOT NULL DEFAULT '',
  total_tool_calls_in_run INTEGER NOT NULL DEFAULT 0,
  updated_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY(run_id, turn)
);
CREATE INDEX IF NOT EXISTS idx_run_checkpoints_updated ON run_checkpoints(run_id, updated_at_unix_ms DESC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
