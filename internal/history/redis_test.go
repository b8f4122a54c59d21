package history

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prasenjit/go-mockengine/internal/config"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachableAddr returns an address nothing listens on
func unreachableAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestNewRedisSink_Defaults(t *testing.T) {
	s := NewRedisSink(config.RedisConfig{Addr: "127.0.0.1:6379"})
	defer s.Close()

	assert.Equal(t, "mockengine:interactions", s.key)
	assert.Equal(t, int64(10000), s.maxLen)
	assert.Equal(t, uint(3), s.attempts)
}

func TestRedisSink_RecordFailsAfterRetries(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        unreachableAddr(t),
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	s := newRedisSink(client, "test:interactions", 10)
	s.delay = time.Millisecond
	defer s.Close()

	err := s.Record(context.Background(), &models.MockInteraction{ID: "i-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to push interaction to redis")
}

func TestRedisSink_RecordStopsOnCancelledContext(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: unreachableAddr(t), MaxRetries: -1})
	s := newRedisSink(client, "", 0)
	s.attempts = 50
	s.delay = 100 * time.Millisecond
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Record(ctx, &models.MockInteraction{ID: "i-1"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDecodeInteractions(t *testing.T) {
	good, err := json.Marshal(&models.MockInteraction{ID: "i-1", ProjectID: "p1", Outcome: models.OutcomeDone})
	require.NoError(t, err)

	got := decodeInteractions([]string{string(good), "not json"})
	require.Len(t, got, 1)
	assert.Equal(t, "i-1", got[0].ID)
	assert.Equal(t, "p1", got[0].ProjectID)
	assert.Equal(t, models.OutcomeDone, got[0].Outcome)
}

func TestReplay_RestoresChronologicalOrder(t *testing.T) {
	store := NewStore(10, 0)
	base := time.Now()
	newestFirst := []*models.MockInteraction{
		{ID: "i-3", Timestamp: base.Add(2 * time.Second)},
		{ID: "i-2", Timestamp: base.Add(time.Second)},
		{ID: "i-1", Timestamp: base},
	}

	replay(store, newestFirst)

	got := store.List(&models.InteractionFilter{})
	require.Len(t, got, 3)
	assert.Equal(t, "i-3", got[0].ID)
	assert.Equal(t, "i-1", got[2].ID)
	assert.NotNil(t, store.Get("i-2"))
}

func TestRedisSink_ReplayUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        unreachableAddr(t),
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	s := newRedisSink(client, "test:interactions", 10)
	defer s.Close()

	n, err := s.Replay(context.Background(), NewStore(10, 0), 5)
	require.Error(t, err)
	assert.Zero(t, n)
}
