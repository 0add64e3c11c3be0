package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
	"github.com/nugget/bbchat/internal/llm"
)

// SQLiteStore is a SQLite-backed history store. Message order is the
// autoincrement sequence, so reloads match insertion order even when
// timestamps collide.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path with
// the cgo driver.
func OpenSQLite(path string) (*SQLiteStore, error) {
	return openSQLite("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
}

// OpenSQLitePure is [OpenSQLite] on the pure Go driver, for builds
// without cgo.
func OpenSQLitePure(path string) (*SQLiteStore, error) {
	return openSQLite("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
}

func openSQLite(driver, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an open database and creates the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		tool_calls TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession implements [Store].
func (s *SQLiteStore) CreateSession(ctx context.Context) (string, error) {
	id := NewSessionID()
	if err := s.EnsureSession(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// EnsureSession implements [Store].
func (s *SQLiteStore) EnsureSession(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, id, now, now)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	return nil
}

// GetSessionHistory implements [Store].
func (s *SQLiteStore) GetSessionHistory(ctx context.Context, id string) ([]llm.Message, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id, name
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []llm.Message
	for rows.Next() {
		var m llm.Message
		var calls string
		if err := rows.Scan(&m.Role, &m.Content, &calls, &m.ToolCallID, &m.Name); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.ToolCalls, err = decodeToolCalls(calls); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// AddMessage implements [Store]. Unknown sessions are created.
func (s *SQLiteStore) AddMessage(ctx context.Context, id string, msg llm.Message) error {
	calls, err := encodeToolCalls(msg.ToolCalls)
	if err != nil {
		return err
	}
	if err := s.EnsureSession(ctx, id); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	msgID, _ := uuid.NewV7()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msgID.String(), id, msg.Role, msg.Content, calls, msg.ToolCallID, msg.Name, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// RemoveLast implements [Store].
func (s *SQLiteStore) RemoveLast(ctx context.Context, id string, n int) error {
	if n <= 0 {
		return nil
	}
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE seq IN (
			SELECT seq FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		)
	`, id, n)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// Touch implements [Store].
func (s *SQLiteStore) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// ListSessions implements [Store].
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, s.updated_at, COUNT(m.seq)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id, s.created_at, s.updated_at
		ORDER BY s.updated_at DESC, s.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var created, updated int64
		if err := rows.Scan(&info.ID, &created, &updated, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.CreatedAt = time.UnixMilli(created)
		info.UpdatedAt = time.UnixMilli(updated)
		out = append(out, info)
	}
	return out, rows.Err()
}
