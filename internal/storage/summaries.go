package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"narrachat/internal/models"
)

// InsertSummary appends a new summary checkpoint. Older summaries are kept.
func (s *Store) InsertSummary(ctx context.Context, conversationID, text string) (*models.Summary, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (conversation_id, summary, created_at) VALUES (?, ?, ?)`,
		conversationID, text, now,
	)
	if err != nil {
		return nil, unavailable("insert summary", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, unavailable("summary id", err)
	}
	return &models.Summary{ID: id, ConversationID: conversationID, Summary: text, CreatedAt: now}, nil
}

// LatestSummary returns the most recently created summary, or nil when the
// conversation has none.
func (s *Store) LatestSummary(ctx context.Context, conversationID string) (*models.Summary, error) {
	var sum models.Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, summary, created_at FROM summaries WHERE conversation_id = ? ORDER BY id DESC LIMIT 1`,
		conversationID,
	).Scan(&sum.ID, &sum.ConversationID, &sum.Summary, &sum.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("latest summary", err)
	}
	return &sum, nil
}

// Summaries lists the summary history of a conversation, oldest first.
func (s *Store) Summaries(ctx context.Context, conversationID string) ([]models.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, summary, created_at FROM summaries WHERE conversation_id = ? ORDER BY id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, unavailable("list summaries", err)
	}
	defer rows.Close()

	summaries := make([]models.Summary, 0)
	for rows.Next() {
		var sum models.Summary
		if err := rows.Scan(&sum.ID, &sum.ConversationID, &sum.Summary, &sum.CreatedAt); err != nil {
			return nil, unavailable("scan summary", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list summaries", err)
	}
	return summaries, nil
}
