// Package prefs persists small user preferences in SQLite. Input and output
// text are never stored.
package prefs

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const PasteModeKey = "paste_mode"

var ErrNotFound = errors.New("prefs: not found")

// PasteMode governs how ambiguous paste and drop payloads are normalized.
type PasteMode string

const (
	PastePlain    PasteMode = "plain"
	PasteMarkdown PasteMode = "markdown"
)

// ParsePasteMode maps anything other than "markdown" to plain.
func ParsePasteMode(s string) PasteMode {
	if PasteMode(s) == PasteMarkdown {
		return PasteMarkdown
	}
	return PastePlain
}

func (m PasteMode) Toggle() PasteMode {
	if m == PasteMarkdown {
		return PastePlain
	}
	return PasteMarkdown
}

type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the preference database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("prefs: open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: ping: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: busy_timeout: %w", err)
	}

	ddl := `CREATE TABLE IF NOT EXISTS prefs (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: create table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// OpenMemory returns a store that lives only as long as the process.
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Set(key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO prefs (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("prefs: set %s: %w", key, err)
	}
	return nil
}

// Get returns ErrNotFound if the key was never set.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("prefs: get %s: %w", key, err)
	}
	return value, nil
}

// PasteMode returns the stored mode, plain when unset or unreadable.
func (s *Store) PasteMode() PasteMode {
	value, err := s.Get(PasteModeKey)
	if err != nil {
		return PastePlain
	}
	return ParsePasteMode(value)
}

func (s *Store) SetPasteMode(mode PasteMode) error {
	return s.Set(PasteModeKey, string(ParsePasteMode(string(mode))))
}

// TogglePasteMode flips and stores the mode, returning the new value.
func (s *Store) TogglePasteMode() (PasteMode, error) {
	next := s.PasteMode().Toggle()
	if err := s.SetPasteMode(next); err != nil {
		return s.PasteMode(), err
	}
	return next, nil
}
