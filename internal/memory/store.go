package memory

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// Store owns the only handle to the SQLite database. Every statement
// funnels through its mutex, so at most one statement executes at a
// time no matter how many goroutines call in. The raw *sql.DB is never
// handed out.
type Store struct {
	db       *sql.DB
	path     string
	inMemory bool

	mu     sync.Mutex
	closed bool
}

type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_key TEXT NOT NULL,
				started_at TEXT NOT NULL,
				ended_at TEXT,
				rolling_summary TEXT,
				message_count INTEGER NOT NULL DEFAULT 0,
				is_active INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(conversation_key, is_active)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL REFERENCES sessions(id),
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				timestamp TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`,
			`CREATE TABLE IF NOT EXISTS facts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				content TEXT NOT NULL,
				category TEXT NOT NULL DEFAULT 'contextual',
				source TEXT NOT NULL DEFAULT 'extracted',
				confidence REAL NOT NULL DEFAULT 0.5,
				importance REAL NOT NULL DEFAULT 0.5,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				last_accessed TEXT,
				access_count INTEGER NOT NULL DEFAULT 0,
				is_deleted INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_facts_live ON facts(is_deleted, importance)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`ALTER TABLE messages ADD COLUMN token_count INTEGER`,
			`CREATE INDEX IF NOT EXISTS idx_facts_category ON facts(category, is_deleted)`,
		},
	},
}

func latestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Open creates or opens the store at path and brings the schema to the
// current version. Use ":memory:" for an ephemeral test store.
func Open(path string) (*Store, error) {
	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("%w: create db dir: %w", ErrStoreOpen, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", ErrStoreOpen, err)
	}
	// One connection keeps the serialization point honest and keeps
	// in-memory stores from fragmenting into per-conn databases.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, inMemory: inMemory}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	if !s.inMemory {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%w: sqlite pragma %q: %w", ErrStoreOpen, p, err)
		}
	}
	return nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("%w: create schema_migrations: %w", ErrMigration, err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("%w: read schema version: %w", ErrMigration, err)
	}
	if current > latestSchemaVersion() {
		return fmt.Errorf("%w: store version %d newer than supported %d", ErrMigration, current, latestSchemaVersion())
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("%w: begin migration %d: %w", ErrMigration, m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("%w: apply migration %d: %w", ErrMigration, m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, formatTime(time.Now().UTC())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: record migration %d: %w", ErrMigration, m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit migration %d: %w", ErrMigration, m.version, err)
		}
	}
	return nil
}

// Execute runs one statement and returns the number of affected rows.
func (s *Store) Execute(query string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%w: store closed", ErrQuery)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: exec: %w", ErrQuery, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrQuery, err)
	}
	return affected, nil
}

// InsertReturningID runs an INSERT and returns the new row ID.
func (s *Store) InsertReturningID(query string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%w: store closed", ErrQuery)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %w", ErrQuery, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %w", ErrQuery, err)
	}
	return id, nil
}

// Query runs a SELECT and hands the rows to scan. The rows are consumed
// inside the serialization point, so scan must not call back into the
// store; materialize first, then mutate.
func (s *Store) Query(query string, scan func(*sql.Rows) error, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", ErrQuery)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("%w: query: %w", ErrQuery, err)
	}
	defer rows.Close()
	if err := scan(rows); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate rows: %w", ErrQuery, err)
	}
	return nil
}

// Tx exposes the primitive operations against an open transaction. It
// has no Transaction method, so nesting is impossible.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Execute(query string, args ...any) (int64, error) {
	res, err := t.tx.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: exec: %w", ErrQuery, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrQuery, err)
	}
	return affected, nil
}

func (t *Tx) InsertReturningID(query string, args ...any) (int64, error) {
	res, err := t.tx.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %w", ErrQuery, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %w", ErrQuery, err)
	}
	return id, nil
}

func (t *Tx) Query(query string, scan func(*sql.Rows) error, args ...any) error {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return fmt.Errorf("%w: query: %w", ErrQuery, err)
	}
	defer rows.Close()
	if err := scan(rows); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate rows: %w", ErrQuery, err)
	}
	return nil
}

// Transaction runs fn inside a single transaction, holding the store
// lock for its duration. fn issues further calls through the passed Tx,
// never back through the Store, which keeps serialization reentrant-safe
// without a reentrant lock. Any error from fn rolls everything back.
func (s *Store) Transaction(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", ErrQuery)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrQuery, err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrQuery, err)
	}
	return nil
}

// Backup checkpoints the WAL and copies the store file to dest via a
// temp file and rename. No-op for in-memory stores.
func (s *Store) Backup(dest string) error {
	if s.inMemory {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", ErrQuery)
	}
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("%w: checkpoint wal: %w", ErrQuery, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	tmp := dest + ".tmp"
	if err := copyFile(s.path, tmp); err != nil {
		return fmt.Errorf("copy store file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize backup: %w", err)
	}
	return nil
}

// Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.db == nil {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats counts rows across the three tables.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(1) FROM facts WHERE is_deleted = 0`, &st.LiveFacts},
		{`SELECT COUNT(1) FROM facts WHERE is_deleted = 1`, &st.DeletedFacts},
		{`SELECT COUNT(1) FROM sessions`, &st.Sessions},
		{`SELECT COUNT(1) FROM sessions WHERE is_active = 1`, &st.ActiveSessions},
		{`SELECT COUNT(1) FROM messages`, &st.Messages},
	}
	for _, c := range counts {
		if err := s.Query(c.query, func(rows *sql.Rows) error {
			if !rows.Next() {
				return fmt.Errorf("%w: empty count", ErrQuery)
			}
			return rows.Scan(c.dst)
		}); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
