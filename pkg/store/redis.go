package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NicolasHaas/wordquizzle/pkg/model"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., redis://localhost:6379/0)
	URL string

	// Pool settings
	PoolSize     int
	MinIdleConns int

	// KeyPrefix namespaces every key this store writes.
	KeyPrefix string
}

// DefaultRedisConfig returns sensible defaults for Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          "redis://localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "wordquizzle",
	}
}

// RedisStore keeps the account snapshot as one JSON document, so a Save
// replaces the previous state in a single write.
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: ping redis: %w", err)
	}
	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient wraps an existing client (for testing).
func NewRedisWithClient(client *redis.Client, cfg RedisConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}
	return &RedisStore{client: client, cfg: cfg}
}

var _ AccountStore = (*RedisStore)(nil)

func (s *RedisStore) accountsKey() string {
	return s.cfg.KeyPrefix + ":accounts"
}

func (s *RedisStore) revisionKey() string {
	return s.cfg.KeyPrefix + ":accounts:revision"
}

func (s *RedisStore) Save(ctx context.Context, accounts []model.Account) error {
	if accounts == nil {
		accounts = []model.Account{}
	}
	data, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("store: marshal accounts: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.accountsKey(), data, 0)
		pipe.Incr(ctx, s.revisionKey())
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: save accounts: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) ([]model.Account, error) {
	data, err := s.client.Get(ctx, s.accountsKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []model.Account{}, nil
		}
		return nil, fmt.Errorf("store: load accounts: %w", err)
	}

	var accounts []model.Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("store: decode accounts: %w", err)
	}
	return accounts, nil
}

// Revision returns how many snapshots have been saved under this prefix.
func (s *RedisStore) Revision(ctx context.Context) (int64, error) {
	n, err := s.client.Get(ctx, s.revisionKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
