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
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "lanshare.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS devices (
  device_id    TEXT PRIMARY KEY,
  device_name  TEXT NOT NULL,
  app_version  TEXT NOT NULL DEFAULT '',
  trusted      INTEGER NOT NULL DEFAULT 0,
  restricted   INTEGER NOT NULL DEFAULT 1,
  last_usage   INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS device_connections (
  device_id   TEXT NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
  adapter     TEXT NOT NULL,
  address     TEXT NOT NULL,
  last_check  INTEGER NOT NULL,
  PRIMARY KEY (device_id, adapter)
);
`,
	`
CREATE TABLE IF NOT EXISTS transfer_groups (
  group_id      INTEGER PRIMARY KEY,
  name          TEXT NOT NULL DEFAULT '',
  date_created  INTEGER NOT NULL,
  save_path     TEXT NOT NULL DEFAULT ''
);
`,
	`
CREATE TABLE IF NOT EXISTS transfer_assignees (
  group_id   INTEGER NOT NULL REFERENCES transfer_groups(group_id) ON DELETE CASCADE,
  device_id  TEXT NOT NULL,
  direction  TEXT NOT NULL CHECK(direction IN ('INCOMING','OUTGOING')),
  adapter    TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (group_id, device_id, direction)
);
`,
	`
CREATE TABLE IF NOT EXISTS transfer_objects (
  group_id    INTEGER NOT NULL REFERENCES transfer_groups(group_id) ON DELETE CASCADE,
  request_id  INTEGER NOT NULL,
  direction   TEXT NOT NULL CHECK(direction IN ('INCOMING','OUTGOING')),
  name        TEXT NOT NULL,
  file        TEXT NOT NULL,
  mime_type   TEXT NOT NULL DEFAULT '',
  size        INTEGER NOT NULL,
  directory   TEXT NOT NULL DEFAULT '',
  flag        TEXT NOT NULL CHECK(flag IN ('PENDING','RUNNING','DONE','REMOVED','INTERRUPTED')) DEFAULT 'PENDING',
  PRIMARY KEY (group_id, request_id, direction)
);
`,
	`
CREATE TABLE IF NOT EXISTS transfer_object_flags (
  group_id    INTEGER NOT NULL,
  request_id  INTEGER NOT NULL,
  direction   TEXT NOT NULL,
  device_id   TEXT NOT NULL,
  flag        TEXT NOT NULL CHECK(flag IN ('PENDING','RUNNING','DONE','REMOVED','INTERRUPTED')),
  PRIMARY KEY (group_id, request_id, direction, device_id),
  FOREIGN KEY (group_id, request_id, direction)
    REFERENCES transfer_objects(group_id, request_id, direction) ON DELETE CASCADE
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfer_objects_group_flag
ON transfer_objects (group_id, direction, flag);
`,
	`
CREATE TABLE IF NOT EXISTS clipboard_texts (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  device_id      TEXT NOT NULL,
  text           TEXT NOT NULL,
  date_received  INTEGER NOT NULL
);
`,
}

// Store persists devices, transfer groups and their objects in SQLite.
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
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
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
		s.db = nil
	})
	return closeErr
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
