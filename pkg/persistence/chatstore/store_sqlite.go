package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatline/pkg/conversation"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN with WAL, busy timeout and foreign keys enabled.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			title TEXT,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			parent_id INTEGER,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
			FOREIGN KEY (parent_id) REFERENCES messages(id)
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_conversation ON messages(conversation_id, id);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_owner ON conversations(owner_id, updated_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, ownerID, model, provider string) (conversation.Conversation, error) {
	if s == nil || s.db == nil {
		return conversation.Conversation{}, errors.New("sqlite chat store: db is nil")
	}
	now := time.Now()
	c := conversation.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   strings.TrimSpace(ownerID),
		Provider:  strings.TrimSpace(provider),
		Model:     strings.TrimSpace(model),
		CreatedAt: time.UnixMilli(now.UnixMilli()),
		UpdatedAt: time.UnixMilli(now.UnixMilli()),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations(id, owner_id, title, provider, model, created_at_ms, updated_at_ms)
		VALUES(?, ?, NULL, ?, ?, ?, ?)
	`, c.ID, c.OwnerID, c.Provider, c.Model, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return conversation.Conversation{}, errors.Wrap(err, "sqlite chat store: insert conversation")
	}
	return c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (conversation.Conversation, bool, error) {
	if s == nil || s.db == nil {
		return conversation.Conversation{}, false, errors.New("sqlite chat store: db is nil")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, provider, model, created_at_ms, updated_at_ms
		FROM conversations WHERE id = ?
	`, strings.TrimSpace(conversationID))
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, false, nil
	}
	if err != nil {
		return conversation.Conversation{}, false, errors.Wrap(err, "sqlite chat store: get conversation")
	}
	return c, true, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, ownerID string, limit int) ([]conversation.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id, owner_id, title, provider, model, created_at_ms, updated_at_ms FROM conversations`
	args := []any{}
	if v := strings.TrimSpace(ownerID); v != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, v)
	}
	query += ` ORDER BY updated_at_ms DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	out := []conversation.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan conversation")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list conversations")
	}
	return out, nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, upTo int64) ([]conversation.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	convID := strings.TrimSpace(conversationID)
	if convID == "" {
		return nil, errors.New("sqlite chat store: conversationID is empty")
	}
	query := `SELECT id, conversation_id, parent_id, role, content, created_at_ms FROM messages WHERE conversation_id = ?`
	args := []any{convID}
	if upTo > 0 {
		query += ` AND id <= ?`
		args = append(args, upTo)
	}
	query += ` ORDER BY created_at_ms ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: get messages")
	}
	defer func() { _ = rows.Close() }()

	out := []conversation.Message{}
	for rows.Next() {
		var (
			m         conversation.Message
			parent    sql.NullInt64
			role      string
			createdMs int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &parent, &role, &m.Content, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan message")
		}
		m.Role = conversation.Role(role)
		m.CreatedAt = time.UnixMilli(createdMs)
		if parent.Valid {
			p := parent.Int64
			m.ParentID = &p
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: get messages")
	}
	return out, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, parentID *int64, role conversation.Role, content string) (conversation.Message, error) {
	if s == nil || s.db == nil {
		return conversation.Message{}, errors.New("sqlite chat store: db is nil")
	}
	convID := strings.TrimSpace(conversationID)
	if convID == "" {
		return conversation.Message{}, errors.New("sqlite chat store: conversationID is empty")
	}
	if !role.Valid() {
		return conversation.Message{}, errors.Errorf("sqlite chat store: invalid role %q", role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return conversation.Message{}, errors.Wrap(err, "sqlite chat store: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, convID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Message{}, errors.Errorf("sqlite chat store: unknown conversation %q", convID)
		}
		return conversation.Message{}, errors.Wrap(err, "sqlite chat store: lookup conversation")
	}

	var parent sql.NullInt64
	if parentID != nil {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, *parentID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != convID) {
			return conversation.Message{}, errors.Errorf("sqlite chat store: parent %d is not part of conversation %q", *parentID, convID)
		}
		if err != nil {
			return conversation.Message{}, errors.Wrap(err, "sqlite chat store: lookup parent")
		}
		parent = sql.NullInt64{Int64: *parentID, Valid: true}
	} else {
		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(id) FROM messages WHERE conversation_id = ?`, convID).Scan(&latest); err != nil {
			return conversation.Message{}, errors.Wrap(err, "sqlite chat store: lookup latest message")
		}
		parent = latest
	}

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages(conversation_id, parent_id, role, content, created_at_ms)
		VALUES(?, ?, ?, ?, ?)
	`, convID, parent, string(role), content, now)
	if err != nil {
		return conversation.Message{}, errors.Wrap(err, "sqlite chat store: insert message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return conversation.Message{}, errors.Wrap(err, "sqlite chat store: last insert id")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at_ms = MAX(updated_at_ms, ?) WHERE id = ?`, now, convID); err != nil {
		return conversation.Message{}, errors.Wrap(err, "sqlite chat store: touch conversation")
	}
	if err := tx.Commit(); err != nil {
		return conversation.Message{}, errors.Wrap(err, "sqlite chat store: commit tx")
	}
	committed = true

	m := conversation.Message{
		ID:             id,
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.UnixMilli(now),
	}
	if parent.Valid {
		p := parent.Int64
		m.ParentID = &p
	}
	return m, nil
}

func (s *SQLiteStore) GetTitle(ctx context.Context, conversationID string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("sqlite chat store: db is nil")
	}
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT title FROM conversations WHERE id = ?`, strings.TrimSpace(conversationID)).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, errors.Errorf("sqlite chat store: unknown conversation %q", conversationID)
	}
	if err != nil {
		return "", false, errors.Wrap(err, "sqlite chat store: get title")
	}
	if !title.Valid || strings.TrimSpace(title.String) == "" {
		return "", false, nil
	}
	return title.String, true, nil
}

func (s *SQLiteStore) SetTitle(ctx context.Context, conversationID string, title string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("sqlite chat store: db is nil")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return false, errors.New("sqlite chat store: title is empty")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at_ms = ?
		WHERE id = ? AND (title IS NULL OR title = '')
	`, title, time.Now().UnixMilli(), strings.TrimSpace(conversationID))
	if err != nil {
		return false, errors.Wrap(err, "sqlite chat store: set title")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sqlite chat store: set title")
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (conversation.Conversation, error) {
	var (
		c                    conversation.Conversation
		title                sql.NullString
		createdMs, updatedMs int64
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &title, &c.Provider, &c.Model, &createdMs, &updatedMs); err != nil {
		return conversation.Conversation{}, err
	}
	if title.Valid && title.String != "" {
		t := title.String
		c.Title = &t
	}
	c.CreatedAt = time.UnixMilli(createdMs)
	c.UpdatedAt = time.UnixMilli(updatedMs)
	return c, nil
}
