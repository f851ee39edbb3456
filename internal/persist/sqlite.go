// Package persist provides SQLite-based storage for named blobs.
// The database is opened lazily and created on first use.
// If opening the DB or executing queries fails, it falls back to in-memory storage.
package persist

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/geochat/internal/logger"
)

// SQLite stores one row per blob name. Saving a name twice overwrites it.
type SQLite struct {
	path string

	mu  sync.Mutex
	mem map[string][]byte // in-memory fallback

	dbOnce  sync.Once
	db      *sql.DB
	initErr error
}

// NewSQLite returns a store backed by the database file at path. An empty path
// means purely in-memory.
func NewSQLite(path string) *SQLite {
	return &SQLite{path: path, mem: map[string][]byte{}}
}

// initDB lazily opens the SQLite database and creates the blobs table if it doesn't exist.
func (s *SQLite) initDB() {
	if s.path == "" {
		s.initErr = errors.New("no database path configured")
		return
	}
	db, err := sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory storage", "error", err)
		return
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
        name TEXT PRIMARY KEY,
        value BLOB NOT NULL,
        updated_at DATETIME
    );`); err != nil {
		s.initErr = err
		db.Close()
		logger.L.Warn("sqlite table creation failed; using in-memory storage", "error", err)
		return
	}
	s.db = db
	logger.L.Info("sqlite store initialized", "path", s.path)
}

func (s *SQLite) ready() bool {
	s.dbOnce.Do(s.initDB)
	return s.initErr == nil && s.db != nil
}

// Save persists a blob to SQLite when available and always keeps an
// in-memory copy as fallback.
func (s *SQLite) Save(name string, data []byte) error {
	var dbErr error
	if s.ready() {
		_, dbErr = s.db.Exec(`INSERT INTO blobs (name, value, updated_at) VALUES (?,?,?)
            ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
			name, data, time.Now().UTC())
		if dbErr != nil {
			logger.L.Error("failed to store blob in sqlite; falling back to memory", "name", name, "error", dbErr)
		}
	}

	s.mu.Lock()
	s.mem[name] = append([]byte(nil), data...)
	s.mu.Unlock()
	return dbErr
}

// Load returns the blob saved under name.
func (s *SQLite) Load(name string) ([]byte, bool, error) {
	if s.ready() {
		var data []byte
		err := s.db.QueryRow(`SELECT value FROM blobs WHERE name = ?;`, name).Scan(&data)
		switch {
		case err == nil:
			return data, true, nil
		case errors.Is(err, sql.ErrNoRows):
			return nil, false, nil
		default:
			logger.L.Warn("sqlite load failed; reading memory", "name", name, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.mem[name]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

// Close releases the database handle, if one was opened.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
