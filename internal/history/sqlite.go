package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every scope in one database file.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			scope TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (scope, seq)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_scope_id ON records(scope, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Load(scope string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT seq, payload FROM records
		WHERE scope = ?
		ORDER BY seq ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e       Entry
			payload string
		)
		if err := rows.Scan(&e.Seq, &payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Record); err != nil {
			return nil, fmt.Errorf("decode record at seq %d: %w", e.Seq, err)
		}
		if e.Record.Reactions == nil {
			e.Record.Reactions = []Reaction{}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Insert(scope string, e Entry) error {
	return s.InsertBatch(scope, []Entry{e})
}

func (s *SQLiteStore) InsertBatch(scope string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO records (scope, seq, id, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		payload, err := json.Marshal(e.Record)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", e.Record.ID, err)
		}
		if _, err := stmt.Exec(scope, e.Seq, e.Record.ID, string(payload)); err != nil {
			return fmt.Errorf("insert record %s: %w", e.Record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(scope string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(e.Record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", e.Record.ID, err)
	}
	res, err := s.db.Exec(`
		UPDATE records SET id = ?, payload = ?, updated_at = datetime('now')
		WHERE scope = ? AND seq = ?
	`, e.Record.ID, string(payload), scope, e.Seq)
	if err != nil {
		return fmt.Errorf("update record %s: %w", e.Record.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update record %s: seq %d not stored", e.Record.ID, e.Seq)
	}
	return nil
}

func (s *SQLiteStore) DeleteThrough(scope string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin trim: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM records WHERE scope = ? AND seq <= ?`, scope, seq); err != nil {
		return fmt.Errorf("delete prefix: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trim: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Count(scope string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM records WHERE scope = ?`, scope).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Scopes() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT scope FROM records ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("query scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scopes: %w", err)
	}
	return scopes, nil
}
