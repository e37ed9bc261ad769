package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/hearth-ai/hearth/pkg/models"
)

// SQLiteStore is the durable Store implementation backed by SQLite.
// Per-key write serialization is provided by a KeyLocker; the database
// itself only sees one writer per session key at a time.
type SQLiteStore struct {
	db     *sql.DB
	locker *KeyLocker
	events *EventBus
}

// NewSQLiteStore opens (and if needed initializes) the database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, bus *EventBus) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The driver serializes access internally; a single connection avoids
	// SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, locker: NewKeyLocker(), events: bus}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT NOT NULL,
			key TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			label TEXT,
			model TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			seq INTEGER,
			direction TEXT,
			role TEXT NOT NULL,
			content TEXT,
			blocks TEXT,
			tool_calls TEXT,
			tool_results TEXT,
			usage TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(session_key, seq);
	`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.Key == "" {
		return ErrNotFound
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt

	meta, err := encodeJSON(session.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, key, agent_id, label, model, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Key, session.AgentID, session.Label, session.Model,
		meta, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	s.publish(EventCreated, session.Key)
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, agent_id, label, model, metadata, created_at, updated_at
		FROM sessions WHERE key = ?`, key)
	return scanSession(row)
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, key, agentID string) (*models.Session, error) {
	unlock := s.locker.Lock(key)
	defer unlock()

	session, err := s.Get(ctx, key)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	session = &models.Session{Key: key, AgentID: agentID}
	if err := s.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return ErrNotFound
	}
	meta, err := encodeJSON(session.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET label = ?, model = ?, metadata = ?, updated_at = ?
		WHERE key = ?`,
		session.Label, session.Model, meta, time.Now(), session.Key)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish(EventPatched, session.Key)
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	unlock := s.locker.Lock(key)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	s.publish(EventDeleted, key)
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	query := `
		SELECT id, key, agent_id, label, model, metadata, created_at, updated_at
		FROM sessions`
	args := []any{}
	if opts.AgentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, opts.AgentID)
	}
	query += ` ORDER BY updated_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// Append writes the message and the session's updated_at in one transaction
// so a crash never leaves a half-written turn.
func (s *SQLiteStore) Append(ctx context.Context, key string, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	unlock := s.locker.Lock(key)
	defer unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.SessionKey = key

	blocks, err := encodeJSON(msg.Blocks)
	if err != nil {
		return err
	}
	calls, err := encodeJSON(msg.ToolCalls)
	if err != nil {
		return err
	}
	results, err := encodeJSON(msg.ToolResults)
	if err != nil {
		return err
	}
	usage, err := encodeJSON(msg.Usage)
	if err != nil {
		return err
	}
	meta, err := encodeJSON(msg.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE key = ?`, key).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	var seq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE session_key = ?`, key).Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_key, seq, direction, role, content, blocks, tool_calls, tool_results, usage, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, key, seq.Int64+1, string(msg.Direction), string(msg.Role), msg.Content,
		blocks, calls, results, usage, meta, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE key = ?`, msg.CreatedAt, key); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, key string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, session_key, direction, role, content, blocks, tool_calls, tool_results, usage, metadata, created_at
		FROM messages WHERE session_key = ? ORDER BY seq`
	args := []any{key}
	if limit > 0 {
		// Newest N, returned oldest-first in append order.
		query = `SELECT id, session_key, direction, role, content, blocks, tool_calls, tool_results, usage, metadata, created_at FROM (
			SELECT id, session_key, seq, direction, role, content, blocks, tool_calls, tool_results, usage, metadata, created_at
			FROM messages WHERE session_key = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		var (
			msg       models.Message
			direction string
			role      string
			blocks    sql.NullString
			calls     sql.NullString
			results   sql.NullString
			usage     sql.NullString
			meta      sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SessionKey, &direction, &role, &msg.Content,
			&blocks, &calls, &results, &usage, &meta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Direction = models.Direction(direction)
		msg.Role = models.Role(role)
		if err := decodeJSON(blocks, &msg.Blocks); err != nil {
			return nil, err
		}
		if err := decodeJSON(calls, &msg.ToolCalls); err != nil {
			return nil, err
		}
		if err := decodeJSON(results, &msg.ToolResults); err != nil {
			return nil, err
		}
		if err := decodeJSON(usage, &msg.Usage); err != nil {
			return nil, err
		}
		if err := decodeJSON(meta, &msg.Metadata); err != nil {
			return nil, err
		}
		result = append(result, &msg)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) publish(kind EventKind, key string) {
	if s.events == nil {
		return
	}
	s.events.Publish(Event{Kind: kind, SessionKey: key})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session models.Session
		label   sql.NullString
		model   sql.NullString
		meta    sql.NullString
	)
	err := row.Scan(&session.ID, &session.Key, &session.AgentID, &label, &model,
		&meta, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.Label = label.String
	session.Model = model.String
	if err := decodeJSON(meta, &session.Metadata); err != nil {
		return nil, err
	}
	return &session, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}
