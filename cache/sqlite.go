package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// memoryDBs numbers the in-memory databases of the process, so that every storage gets its own.
var memoryDBs atomic.Uint64

// NewSQLiteStorage opens (or creates) the cache database with the given filename.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	inMemory := filename == ""
	if inMemory {
		// shared cache, so all pooled connections see the same database
		filename = fmt.Sprintf("file:offline-cache-%d?mode=memory&cache=shared", memoryDBs.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, err
	}
	if inMemory {
		// the database lives as long as a connection to it is open
		db.SetMaxOpenConns(1)
		db.SetConnMaxIdleTime(0)
	}
	statements := []string{
		"PRAGMA foreign_keys=ON",
		`CREATE TABLE IF NOT EXISTS caches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache_id INTEGER NOT NULL REFERENCES caches(id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache_id, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)",
	}
	// in-memory databases do not support WAL
	if !inMemory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("init cache db: %w", err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStorage) Open(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.open(s.db, name)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s SQLiteStorage) open(db execer, name string) error {
	_, err := db.Exec("INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)", name, time.Now().Unix())
	return err
}

func (s SQLiteStorage) Match(key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := s.db.QueryRow(`SELECT e.stored_at, e.bytes
		FROM entries e JOIN caches c ON c.id = e.cache_id
		WHERE e.key = ? ORDER BY c.id ASC LIMIT 1`, key).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

func (s SQLiteStorage) Put(name string, entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.open(tx, name); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO entries (cache_id, key, stored_at, bytes)
		SELECT id, ?, ?, ? FROM caches WHERE name = ?`,
		entry.Key, entry.StoredAt.Unix(), entry.Bytes, name)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLiteStorage) Keys() ([]string, error) {
	return s.strings("SELECT name FROM caches ORDER BY id ASC")
}

func (s SQLiteStorage) Entries(name string) ([]string, error) {
	return s.strings(`SELECT e.key FROM entries e JOIN caches c ON c.id = e.cache_id
		WHERE c.name = ? ORDER BY e.key`, name)
}

func (s SQLiteStorage) strings(query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return values, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

func (s SQLiteStorage) Delete(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// entries first, so the delete does not depend on the foreign key pragma of this connection
	if _, err := tx.Exec("DELETE FROM entries WHERE cache_id IN (SELECT id FROM caches WHERE name = ?)", name); err != nil {
		return err
	}
	result, err := tx.Exec("DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}
