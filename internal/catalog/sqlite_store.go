// Package catalog persists registered slide descriptors using SQLite.
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/seaview-tiles/server/internal/config"
)

// Entry is one registered slide.
type Entry struct {
	ID        string             `json:"id"`
	Slide     config.SlideConfig `json:"slide"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Store provides persistent storage for slide descriptors using SQLite.
// View state is never stored.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based catalog.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS slides (
		slide_id TEXT PRIMARY KEY,
		title TEXT DEFAULT '',
		path TEXT NOT NULL,
		slide_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_slides_created ON slides(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Register inserts or replaces a slide descriptor.
func (s *Store) Register(id string, slide config.SlideConfig) (*Entry, error) {
	if id == "" {
		return nil, fmt.Errorf("slide id is required")
	}
	slide.ApplyDefaults()
	if err := slide.Validate(); err != nil {
		return nil, fmt.Errorf("slide %q: %w", id, err)
	}
	slideJSON, err := json.Marshal(slide)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal slide: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Second)
	_, err = s.db.Exec(`
		INSERT INTO slides (slide_id, title, path, slide_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(slide_id) DO UPDATE SET
			title = excluded.title,
			path = excluded.path,
			slide_json = excluded.slide_json,
			updated_at = excluded.updated_at
	`, id, slide.Title, slide.Path, string(slideJSON), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to register slide: %w", err)
	}
	return s.getLocked(id)
}

// Get returns one slide, or nil if it is not registered.
func (s *Store) Get(id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT slide_id, slide_json, created_at, updated_at
		FROM slides WHERE slide_id = ?
	`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// List returns every registered slide in registration order.
func (s *Store) List() ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT slide_id, slide_json, created_at, updated_at
		FROM slides ORDER BY created_at, slide_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Delete removes a slide. Deleting an unknown slide is not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM slides WHERE slide_id = ?", id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var entry Entry
	var slideJSON, createdAtStr, updatedAtStr string
	if err := row.Scan(&entry.ID, &slideJSON, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(slideJSON), &entry.Slide); err != nil {
		return nil, fmt.Errorf("failed to unmarshal slide %q: %w", entry.ID, err)
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	entry.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAtStr)
	return &entry, nil
}
