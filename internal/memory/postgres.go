package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nugget/bbchat/internal/llm"
)

// PostgresStore is a PostgreSQL-backed history store for shared
// deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, verifies the connection, and creates
// the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bbchat_sessions (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS bbchat_messages (
			seq BIGSERIAL PRIMARY KEY,
			id UUID NOT NULL,
			session_id TEXT NOT NULL REFERENCES bbchat_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_bbchat_messages_session ON bbchat_messages(session_id, seq);
	`)
	return err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateSession implements [Store].
func (s *PostgresStore) CreateSession(ctx context.Context) (string, error) {
	id := NewSessionID()
	if err := s.EnsureSession(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// EnsureSession implements [Store].
func (s *PostgresStore) EnsureSession(ctx context.Context, id string) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bbchat_sessions (id, created_at, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, now, now)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) exists(ctx context.Context, id string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM bbchat_sessions WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	return nil
}

// GetSessionHistory implements [Store].
func (s *PostgresStore) GetSessionHistory(ctx context.Context, id string) ([]llm.Message, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT role, content, tool_calls, tool_call_id, name
		FROM bbchat_messages
		WHERE session_id = $1
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
func (s *PostgresStore) AddMessage(ctx context.Context, id string, msg llm.Message) error {
	calls, err := encodeToolCalls(msg.ToolCalls)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	now := time.Now()
	_, err = tx.Exec(ctx, `
		INSERT INTO bbchat_sessions (id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at
	`, id, now)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	msgID, _ := uuid.NewV7()
	_, err = tx.Exec(ctx, `
		INSERT INTO bbchat_messages (id, session_id, role, content, tool_calls, tool_call_id, name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msgID.String(), id, msg.Role, msg.Content, calls, msg.ToolCallID, msg.Name, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit(ctx)
}

// RemoveLast implements [Store].
func (s *PostgresStore) RemoveLast(ctx context.Context, id string, n int) error {
	if n <= 0 {
		return nil
	}
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM bbchat_messages WHERE seq IN (
			SELECT seq FROM bbchat_messages WHERE session_id = $1 ORDER BY seq DESC LIMIT $2
		)
	`, id, n)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// Touch implements [Store].
func (s *PostgresStore) Touch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bbchat_sessions SET updated_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// ListSessions implements [Store].
func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.created_at, s.updated_at, COUNT(m.seq)
		FROM bbchat_sessions s
		LEFT JOIN bbchat_messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.id DESC
		LIMIT $1
	`, lim)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var count int64
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.UpdatedAt, &count); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.MessageCount = int(count)
		out = append(out, info)
	}
	return out, rows.Err()
}
