// Package lock serializes work on a single entity key, either inside one
// process or across processes sharing a Redis instance.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"narrachat/internal/redis"
)

// Locker grants exclusive ownership of a key until the returned unlock func runs.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker. Entries are dropped once nobody holds or waits on them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *localEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

var errHeld = errors.New("lock held")

const (
	defaultRedisLockTTL  = time.Minute
	defaultRedisLockWait = 2 * time.Minute
)

// Redis is a Locker backed by SET NX with an owner token. The TTL bounds how
// long a crashed holder can keep a key.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

func NewRedis(client *redis.Client, ttl, wait time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	if wait <= 0 {
		wait = defaultRedisLockWait
	}
	return &Redis{client: client, prefix: "narrachat:lock:", ttl: ttl, wait: wait}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := r.prefix + key
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := r.client.TryLock(ctx, fullKey, token, r.ttl)
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if !ok {
			return false, errHeld
		}
		return true, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(r.wait))
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := r.client.Unlock(ctx, fullKey, token); err != nil {
				log.Printf("lock: release %s failed: %v", key, err)
			}
		})
	}, nil
}
