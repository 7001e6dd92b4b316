// Package store owns conversation and message state. It is the only
// observable output of a running turn: the driver appends messages,
// streams tokens into the newest assistant message, attaches tool call
// snapshots and sets titles, and the UI reads snapshots back out.
//
// State lives in memory keyed by conversation ID, with write-through
// persistence to SQLite so conversations survive restarts.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/logging"
)

// Store holds all conversations. All exported methods are safe for
// concurrent use; during a turn the turn driver is the only writer.
type Store struct {
	mu       sync.RWMutex
	db       *sql.DB // nil for memory-only stores
	dbPath   string
	convs    map[string]*Conversation
	order    []string // newest first, matches sidebar ordering
	activeID string
}

// New opens (or creates) a store backed by SQLite at the given path and
// loads any persisted conversations.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{
		db:     db,
		dbPath: path,
		convs:  make(map[string]*Conversation),
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}

	logging.Store("Store ready: %d conversations loaded", len(s.order))
	return s, nil
}

// NewMemory creates a store without persistence.
func NewMemory() *Store {
	return &Store{convs: make(map[string]*Conversation)}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	logging.Store("Closing store database connection")
	return s.db.Close()
}
