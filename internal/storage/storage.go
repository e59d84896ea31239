// Package storage persists conversations and messages in SQLite. Multi-row
// deletes run inside one transaction so partial deletion is never observable.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/CJackHwang/HeyMean-sub000/internal/model"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	pinned     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender          TEXT NOT NULL,
	text            TEXT NOT NULL,
	timestamp       INTEGER NOT NULL,
	thinking_text   TEXT NOT NULL DEFAULT '',
	thinking_ms     INTEGER NOT NULL DEFAULT 0,
	attachments     TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
`

// Store is the persistence collaborator for the chat core.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; avoid SQLITE_BUSY from pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With().Str("component", "storage").Logger(),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// CreateConversation persists a new conversation.
func (s *Store) CreateConversation(ctx context.Context, conv model.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at, pinned) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.CreatedAt.UnixNano(), conv.UpdatedAt.UnixNano(), boolToInt(conv.IsPinned))
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetConversation loads one conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at, pinned FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns all conversations, pinned first, most recently
// updated first within each group.
func (s *Store) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at, pinned FROM conversations
		 ORDER BY pinned DESC, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// UpdateConversationTitle renames a conversation and bumps updated_at.
func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	return requireRow(res)
}

// SetPinned toggles a conversation's pin.
func (s *Store) SetPinned(ctx context.Context, id string, pinned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET pinned = ? WHERE id = ?`, boolToInt(pinned), id)
	if err != nil {
		return fmt.Errorf("failed to set pin: %w", err)
	}
	return requireRow(res)
}

// DeleteConversation removes a conversation and all its messages in one
// transaction.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		return err
	})
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// AddMessage persists a message and bumps its conversation's updated_at in
// the same transaction.
func (s *Store) AddMessage(ctx context.Context, msg model.Message) error {
	atts, err := marshalAttachments(msg.Attachments)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, sender, text, timestamp, thinking_text, thinking_ms, attachments)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, string(msg.Sender), msg.Text, msg.Timestamp.UnixNano(),
			msg.ThinkingText, msg.ThinkingDuration.Milliseconds(), atts); err != nil {
			return err
		}
		return touch(ctx, tx, msg.ConversationID)
	})
}

// UpdateMessage overwrites a persisted message's mutable fields in place.
func (s *Store) UpdateMessage(ctx context.Context, msg model.Message) error {
	atts, err := marshalAttachments(msg.Attachments)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET text = ?, thinking_text = ?, thinking_ms = ?, attachments = ? WHERE id = ?`,
			msg.Text, msg.ThinkingText, msg.ThinkingDuration.Milliseconds(), atts, msg.ID)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		return touch(ctx, tx, msg.ConversationID)
	})
}

// GetMessage loads one message.
func (s *Store) GetMessage(ctx context.Context, id string) (model.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender, text, timestamp, thinking_text, thinking_ms, attachments
		 FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessages returns one page of a conversation's messages, newest first,
// plus whether older messages remain beyond the page.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, bool, error) {
	// Message ids are creation-order sortable, so ordering by id is
	// ordering by creation time with stable sub-millisecond ties.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender, text, timestamp, thinking_text, thinking_ms, attachments
		 FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		conversationID, limit+1, offset)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// DeleteMessages removes the given messages in one transaction.
func (s *Store) DeleteMessages(ctx context.Context, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM messages WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return err
			}
		}
		return touch(ctx, tx, conversationID)
	})
}

// DeleteMessagesAfter removes every message created after messageID in its
// conversation, as one transaction.
func (s *Store) DeleteMessagesAfter(ctx context.Context, conversationID, messageID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id = ? AND id > ?`,
			conversationID, messageID); err != nil {
			return err
		}
		return touch(ctx, tx, conversationID)
	})
}

// ClearMessages removes every message of a conversation in one transaction.
func (s *Store) ClearMessages(ctx context.Context, conversationID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
			return err
		}
		return touch(ctx, tx, conversationID)
	})
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("transaction failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func touch(ctx context.Context, tx *sql.Tx, conversationID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UnixNano(), conversationID)
	return err
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row scannable) (model.Conversation, error) {
	var conv model.Conversation
	var created, updated int64
	var pinned int
	err := row.Scan(&conv.ID, &conv.Title, &created, &updated, &pinned)
	if errors.Is(err, sql.ErrNoRows) {
		return conv, ErrNotFound
	}
	if err != nil {
		return conv, fmt.Errorf("failed to scan conversation: %w", err)
	}
	conv.CreatedAt = time.Unix(0, created)
	conv.UpdatedAt = time.Unix(0, updated)
	conv.IsPinned = pinned != 0
	return conv, nil
}

func scanMessage(row scannable) (model.Message, error) {
	var msg model.Message
	var sender string
	var ts, thinkingMs int64
	var atts string
	err := row.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Text, &ts, &msg.ThinkingText, &thinkingMs, &atts)
	if errors.Is(err, sql.ErrNoRows) {
		return msg, ErrNotFound
	}
	if err != nil {
		return msg, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.Sender = model.Sender(sender)
	msg.Timestamp = time.Unix(0, ts)
	msg.ThinkingDuration = time.Duration(thinkingMs) * time.Millisecond
	if msg.ThinkingText != "" {
		msg.IsThinkingDone = true
	}
	if err := json.Unmarshal([]byte(atts), &msg.Attachments); err != nil {
		return msg, fmt.Errorf("failed to decode attachments: %w", err)
	}
	return msg, nil
}

func marshalAttachments(atts []model.Attachment) (string, error) {
	if len(atts) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(atts)
	if err != nil {
		return "", fmt.Errorf("failed to encode attachments: %w", err)
	}
	return string(data), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
