package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "monkeykit.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  id                INTEGER PRIMARY KEY,
  old_id            INTEGER NOT NULL DEFAULT 0,
  sender_id         TEXT NOT NULL,
  recipient_id      TEXT NOT NULL,
  app_id            TEXT NOT NULL DEFAULT '',
  protocol_command  INTEGER NOT NULL,
  protocol_type     INTEGER NOT NULL,
  datetime_creation REAL NOT NULL,
  datetime_order    REAL NOT NULL,
  props             TEXT NOT NULL DEFAULT '{}',
  params            TEXT NOT NULL DEFAULT '{}',
  text              TEXT NOT NULL DEFAULT '',
  encrypted_text    TEXT NOT NULL DEFAULT '',
  read_by_user      INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_sender_read
ON messages (sender_id, read_by_user);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_recipient_order
ON messages (recipient_id, datetime_order);
`,
	`
CREATE TABLE IF NOT EXISTS kv (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS seen_message_ids (
  message_id  INTEGER PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_message_received_at
ON seen_message_ids (received_at);
`,
}

// Store is a thin wrapper around a SQLite connection holding cached
// messages and the key-value records of the session.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) the database under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

// Clear removes every cached message, key-value record and seen id. The
// schema stays in place so the store can be reused by the next login.
func (s *Store) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, table := range []string{"messages", "kv", "seen_message_ids"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear transaction: %w", err)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
