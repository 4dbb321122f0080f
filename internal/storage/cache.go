package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"narrachat/internal/models"
	"narrachat/internal/redis"
)

const messageCachePrefix = "narrachat:messages:"

// RedisMessageCache keeps message logs in redis so several processes sharing
// one database also share the warm cache. Failures are logged and treated as
// misses.
type RedisMessageCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisMessageCache(client *redis.Client, ttl time.Duration) *RedisMessageCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisMessageCache{client: client, ttl: ttl}
}

func messageCacheKey(conversationID string) string {
	return messageCachePrefix + conversationID
}

func (c *RedisMessageCache) Load(ctx context.Context, conversationID string) ([]models.Message, bool) {
	if c == nil || c.client == nil || conversationID == "" {
		return nil, false
	}
	raw, err := c.client.Get(ctx, messageCacheKey(conversationID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("message cache load %s failed: %v", conversationID, err)
		}
		return nil, false
	}
	var messages []models.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		log.Printf("message cache decode %s failed: %v", conversationID, err)
		return nil, false
	}
	for _, m := range messages {
		if m.ConversationID != conversationID {
			return nil, false
		}
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, true
}

func (c *RedisMessageCache) Store(ctx context.Context, conversationID string, messages []models.Message) {
	if c == nil || c.client == nil || conversationID == "" {
		return
	}
	data, err := json.Marshal(messages)
	if err != nil {
		log.Printf("message cache marshal %s failed: %v", conversationID, err)
		return
	}
	if err := c.client.Set(ctx, messageCacheKey(conversationID), data, c.ttl); err != nil {
		log.Printf("message cache store %s failed: %v", conversationID, err)
	}
}

func (c *RedisMessageCache) Invalidate(ctx context.Context, conversationID string) {
	if c == nil || c.client == nil || conversationID == "" {
		return
	}
	if err := c.client.Del(ctx, messageCacheKey(conversationID)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		log.Printf("message cache invalidate %s failed: %v", conversationID, err)
	}
}
