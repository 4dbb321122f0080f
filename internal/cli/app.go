package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"narrachat/internal/config"
	"narrachat/internal/lock"
	"narrachat/internal/redis"
	"narrachat/internal/service/ai"
	"narrachat/internal/service/character"
	"narrachat/internal/service/conversation"
	"narrachat/internal/service/environment"
	"narrachat/internal/service/stats"
	"narrachat/internal/storage"
	"narrachat/internal/worker"
)

const lockMargin = time.Minute

// app holds the wired services shared by every command.
type app struct {
	cfg     *config.Config
	store   *storage.Store
	conv    *conversation.Controller
	turns   *worker.Manager
	closers []func() error
}

// newApp loads configuration and builds the store, completion service,
// extractors and turn workers. A store that cannot be opened aborts startup.
func newApp(ctx context.Context, cfgPath string) (*app, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: cfg}
	dbType := cfg.BasicConfig.Database
	log.Printf("database: %s", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := storage.Migrate(db, dbType); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	completer, err := ai.NewService(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init completion service: %w", err)
	}

	var (
		storeOpts []storage.Option
		locker    lock.Locker = lock.NewLocal()
	)
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		ttl := time.Duration(cfg.Redis.CacheTTLMinutes) * time.Minute
		storeOpts = append(storeOpts, storage.WithMessageCache(storage.NewRedisMessageCache(rdb, ttl)))
		hold := lockHold(completer.MaxCallDuration())
		locker = lock.NewRedis(rdb, hold, hold)
	}
	a.store = storage.NewStore(db, storeOpts...)

	basic := cfg.BasicConfig
	a.conv = conversation.NewController(a.store, completer, conversation.Options{
		WindowSize:      basic.WindowSize,
		SummaryInterval: basic.SummaryInterval,
		SystemPrompt:    basic.SystemPrompt,
	})
	a.turns = worker.NewManager(a.conv,
		character.NewExtractor(a.store, completer, locker),
		environment.NewExtractor(a.store, completer, locker, basic.UpdateEnvironments),
		stats.NewSynthesizer(a.store, completer, locker),
		worker.Options{
			ParallelExtraction: basic.ParallelExtraction,
			IdleTimeout:        time.Duration(basic.WorkerIdleMinutes) * time.Minute,
		},
	)
	return a, nil
}

// lockHold is the Redis lock TTL for work that spans one completion call, so a
// key cannot expire while its holder still waits on the model.
func lockHold(maxCall time.Duration) time.Duration {
	return maxCall + lockMargin
}

// Close stops the workers and releases connections in reverse order.
func (a *app) Close() {
	if a.turns != nil {
		a.turns.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
	a.closers = nil
}
