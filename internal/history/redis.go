package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-redis/redis/v8"
	"github.com/prasenjit/go-mockengine/internal/config"
	"github.com/prasenjit/go-mockengine/internal/models"
)

// RedisSink appends interactions to a capped Redis list, newest at the head
type RedisSink struct {
	client   *redis.Client
	key      string
	maxLen   int64
	attempts uint
	delay    time.Duration
}

// NewRedisSink creates a sink from the history Redis config
func NewRedisSink(cfg config.RedisConfig) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisSink(client, cfg.Key, cfg.MaxLen)
}

func newRedisSink(client *redis.Client, key string, maxLen int64) *RedisSink {
	if key == "" {
		key = "mockengine:interactions"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisSink{
		client:   client,
		key:      key,
		maxLen:   maxLen,
		attempts: 3,
		delay:    50 * time.Millisecond,
	}
}

// Ping checks the connection
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Record implements Sink. The push and the trim run in one transaction so
// the list never exceeds its cap.
func (s *RedisSink) Record(ctx context.Context, interaction *models.MockInteraction) error {
	data, err := json.Marshal(interaction)
	if err != nil {
		return fmt.Errorf("failed to encode interaction: %w", err)
	}

	err = retry.Do(
		func() error {
			pipe := s.client.TxPipeline()
			pipe.LPush(ctx, s.key, data)
			pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
			_, err := pipe.Exec(ctx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("failed to push interaction to redis: %w", err)
	}
	return nil
}

// Recent returns up to n interactions, newest first
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]*models.MockInteraction, error) {
	if n <= 0 || n > s.maxLen {
		n = s.maxLen
	}
	raw, err := s.client.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read interactions from redis: %w", err)
	}
	return decodeInteractions(raw), nil
}

// Replay loads the newest n interactions into store so the in-memory history
// survives a restart. It returns how many were loaded.
func (s *RedisSink) Replay(ctx context.Context, store *Store, n int) (int, error) {
	recent, err := s.Recent(ctx, int64(n))
	if err != nil {
		return 0, err
	}
	replay(store, recent)
	return len(recent), nil
}

// replay adds newest-first interactions oldest first
func replay(store *Store, newestFirst []*models.MockInteraction) {
	for i := len(newestFirst) - 1; i >= 0; i-- {
		store.Add(newestFirst[i])
	}
}

// Close closes the client
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// decodeInteractions skips entries that are not valid interactions
func decodeInteractions(raw []string) []*models.MockInteraction {
	result := make([]*models.MockInteraction, 0, len(raw))
	for _, item := range raw {
		var interaction models.MockInteraction
		if err := json.Unmarshal([]byte(item), &interaction); err != nil {
			continue
		}
		result = append(result, &interaction)
	}
	return result
}
