// Package sqlite contains a SQLite implementation of the checkpoint store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aretw0/sluice/pkg/domain"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	data       TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);`

// Checkpoints implements ports.CheckpointStore with SQLite.
type Checkpoints struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for a private in-memory database.
func Open(path string) (*Checkpoints, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	c, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an existing database handle and ensures the schema.
func New(db *sql.DB) (*Checkpoints, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Checkpoints{db: db, now: time.Now}, nil
}

// Save upserts the snapshot of a session.
func (c *Checkpoints) Save(ctx context.Context, sessionID string, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, version, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET version = excluded.version, data = excluded.data, updated_at = excluded.updated_at`,
		sessionID, int64(snap.Version()), string(data), c.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load retrieves the snapshot of a session.
func (c *Checkpoints) Load(ctx context.Context, sessionID string) (domain.Snapshot, error) {
	var data string
	err := c.db.QueryRowContext(ctx,
		"SELECT data FROM checkpoints WHERE session_id = ?",
		sessionID,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return snap, nil
}

// Delete removes the checkpoint of a session.
func (c *Checkpoints) Delete(ctx context.Context, sessionID string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// List returns session IDs, most recently saved first.
func (c *Checkpoints) List(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT session_id FROM checkpoints ORDER BY updated_at DESC, session_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}

// Close closes the database.
func (c *Checkpoints) Close() error {
	return c.db.Close()
}
