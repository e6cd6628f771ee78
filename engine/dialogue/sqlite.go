package dialogue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/locus-labs/locus/engine/domain"
)

// SQLiteStore persists requests in a single SQLite table. The full request
// is stored as JSON next to the columns used for lookup.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema. ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dialogue: create db directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("dialogue: open sqlite: %w", err)
	}
	// One connection: serializes writers and keeps :memory: a single database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dialogue_requests (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			doc TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dialogue_requests_session ON dialogue_requests(session_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("dialogue: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, req domain.DialogueRequest) error {
	if err := checkSavable(req); err != nil {
		return err
	}
	doc, err := encodeRequest(req)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dialogue_requests (id, session_id, status, created_at, updated_at, doc)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			doc = excluded.doc`,
		req.ID, req.SessionID, string(req.Status), req.CreatedAt.UnixNano(), req.UpdatedAt.UnixNano(), doc)
	if err != nil {
		return fmt.Errorf("dialogue: save %s: %w", req.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.DialogueRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM dialogue_requests WHERE id = ?`, id)
	return scanRequest(row, "id "+id)
}

func (s *SQLiteStore) Latest(ctx context.Context, sessionID string) (domain.DialogueRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM dialogue_requests WHERE session_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, sessionID)
	return scanRequest(row, "session "+sessionID)
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string) ([]domain.DialogueRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM dialogue_requests WHERE session_id = ?
		 ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("dialogue: history %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := []domain.DialogueRequest{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("dialogue: scan history: %w", err)
		}
		req, err := decodeRequest([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanRequest(row *sql.Row, what string) (domain.DialogueRequest, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DialogueRequest{}, fmt.Errorf("dialogue: %s: %w", what, domain.ErrRequestNotFound)
		}
		return domain.DialogueRequest{}, fmt.Errorf("dialogue: load %s: %w", what, err)
	}
	return decodeRequest([]byte(doc))
}
