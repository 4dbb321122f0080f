package storage

import (
	"context"
	"database/sql"
	"errors"

	"narrachat/internal/models"
)

// ErrNoMessages is returned when an operation needs the latest message of a
// conversation that has none stored.
var ErrNoMessages = errors.New("no messages yet")

// MessageCache holds full message logs keyed by conversation id.
type MessageCache interface {
	Load(ctx context.Context, conversationID string) ([]models.Message, bool)
	Store(ctx context.Context, conversationID string, messages []models.Message)
	Invalidate(ctx context.Context, conversationID string)
}

// Store is the document store: per-conversation message logs, summaries,
// characters, environments and stat records.
type Store struct {
	db    *sql.DB
	cache MessageCache
}

type Option func(*Store)

// WithMessageCache enables read-through caching of message logs.
func WithMessageCache(cache MessageCache) Option {
	return func(s *Store) { s.cache = cache }
}

// NewStore wraps an opened and migrated database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping reports whether the database still answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
