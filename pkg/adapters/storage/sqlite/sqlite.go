package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS constellations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	state      TEXT NOT NULL,
	document   TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_constellations_state ON constellations(state);
`

// StateStorage persists constellation documents in a SQLite database.
type StateStorage struct {
	db *sql.DB
}

// NewStateStorage opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewStateStorage(dbPath string) (*StateStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &StateStorage{db: db}, nil
}

// Close releases the underlying database connection.
func (s *StateStorage) Close() error { return s.db.Close() }

// Save inserts or replaces a constellation document.
func (s *StateStorage) Save(ctx context.Context, doc *constellation.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal constellation: %w", err)
	}
	updated := doc.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO constellations (id, name, state, document, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Name, string(doc.State), string(data), doc.CreatedAt.UTC(), updated.UTC())
	if err != nil {
		return fmt.Errorf("save constellation %s: %w", doc.ID, err)
	}
	return nil
}

// Load reads a constellation document.
func (s *StateStorage) Load(ctx context.Context, id string) (*constellation.Document, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM constellations WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ports.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load constellation %s: %w", id, err)
	}

	var doc constellation.Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("decode constellation %s: %w", id, err)
	}
	return &doc, nil
}

// Delete removes a constellation document. Deleting an unknown ID is not an
// error.
func (s *StateStorage) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM constellations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete constellation %s: %w", id, err)
	}
	return nil
}

// Exists reports whether a document is stored under id.
func (s *StateStorage) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM constellations WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check constellation %s: %w", id, err)
	}
	return n > 0, nil
}

// List returns stored IDs ordered by ID.
func (s *StateStorage) List(ctx context.Context) ([]string, error) {
	return s.query(ctx, `SELECT id FROM constellations ORDER BY id`)
}

// ListByState returns the IDs of constellations in the given state.
func (s *StateStorage) ListByState(ctx context.Context, state constellation.State) ([]string, error) {
	return s.query(ctx, `SELECT id FROM constellations WHERE state = ? ORDER BY id`, string(state))
}

func (s *StateStorage) query(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list constellations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan constellation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
