package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"narrachat/internal/models"
)

// ConversationExists reports whether any message was ever stored for id.
func (s *Store) ConversationExists(ctx context.Context, conversationID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)`, conversationID,
	).Scan(&exists); err != nil {
		return false, unavailable("verify conversation", err)
	}
	return exists, nil
}

// AppendMessage stores a message at the end of the conversation log, creating
// the conversation on first reference.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role models.Role, content string) (*models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin tx", err)
	}
	defer rollback(tx)

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)`, conversationID,
	).Scan(&exists); err != nil {
		return nil, unavailable("verify conversation", err)
	}
	if !exists {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, created_at) VALUES (?, ?)`, conversationID, now,
		); err != nil && !isUniqueViolation(err) {
			return nil, unavailable("create conversation", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, role, content, now,
	)
	if err != nil {
		return nil, unavailable("insert message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, unavailable("message id", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit message", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, conversationID)
	}
	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// Messages returns the whole log of a conversation in insertion order. An
// unknown conversation yields an empty slice. A cached log is only served while
// its last id matches the newest stored message.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Load(ctx, conversationID); ok {
			latest, err := s.latestMessageID(ctx, conversationID)
			if err != nil {
				return nil, err
			}
			if lastMessageID(cached) == latest {
				return cached, nil
			}
			s.cache.Invalidate(ctx, conversationID)
		}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, unavailable("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list messages", err)
	}
	if s.cache != nil {
		s.cache.Store(ctx, conversationID, messages)
	}
	return messages, nil
}

func (s *Store) latestMessageID(ctx context.Context, conversationID string) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&id); err != nil {
		return 0, unavailable("latest message id", err)
	}
	return id, nil
}

func lastMessageID(messages []models.Message) int64 {
	if len(messages) == 0 {
		return 0
	}
	return messages[len(messages)-1].ID
}

// LatestMessage returns the most recently stored message of any role.
func (s *Store) LatestMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	var m models.Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT 1`,
		conversationID,
	).Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNoMessages)
		}
		return nil, unavailable("latest message", err)
	}
	return &m, nil
}

// ListConversations returns every conversation, oldest first.
func (s *Store) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at FROM conversations ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.CreatedAt); err != nil {
			return nil, unavailable("scan conversation", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list conversations", err)
	}
	return conversations, nil
}
