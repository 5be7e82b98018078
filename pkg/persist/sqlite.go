package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every saved snapshot so a conversation can be audited;
// reads return the newest row.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer connection avoids SQLITE_BUSY between goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			data BLOB NOT NULL,
			saved_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS snapshots_conversation_idx ON snapshots(conversation_id, seq DESC);`,
		`CREATE INDEX IF NOT EXISTS snapshots_thread_idx ON snapshots(thread_id, seq DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init snapshot schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, conversationID, threadID string, data []byte) error {
	if conversationID == "" || threadID == "" {
		return fmt.Errorf("save snapshot: conversation and thread ids are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (conversation_id, thread_id, data, saved_at_ms) VALUES (?, ?, ?, ?)`,
		conversationID, threadID, data, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", conversationID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, conversationID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, thread_id, data, saved_at_ms FROM snapshots
		 WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`, conversationID)
	return scanSnapshot(row, conversationID)
}

func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, thread_id, data, saved_at_ms FROM snapshots
		 WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`, threadID)
	return scanSnapshot(row, threadID)
}

// History returns every snapshot saved for a conversation, oldest first.
func (s *SQLiteStore) History(ctx context.Context, conversationID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, thread_id, data, saved_at_ms FROM snapshots
		 WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query snapshot history: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var savedMS int64
		if err := rows.Scan(&snap.ConversationID, &snap.ThreadID, &snap.Data, &savedMS); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.SavedAt = time.UnixMilli(savedMS)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row *sql.Row, key string) (Snapshot, error) {
	var snap Snapshot
	var savedMS int64
	err := row.Scan(&snap.ConversationID, &snap.ThreadID, &snap.Data, &savedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	snap.SavedAt = time.UnixMilli(savedMS)
	return snap, nil
}
