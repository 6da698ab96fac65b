package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRedisTestStore(t *testing.T) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}

	store, err := NewRedisStore(&RedisStoreConfig{
		Client: client,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return store
}

func redisTestEntry(t *testing.T, maxUses int64) *Entry {
	now := time.Now()
	return &Entry{
		ID:        fmt.Sprintf("test:%s:%d", t.Name(), now.UnixNano()),
		Kind:      KindCode,
		Active:    true,
		MaxUses:   maxUses,
		CreatedBy: "tester",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func cleanupRedisEntry(t *testing.T, store *RedisStore, id string) {
	t.Cleanup(func() {
		ctx := context.Background()
		store.client.Del(ctx, ledgerKeyPrefix+id)
		store.client.SRem(ctx, ledgerSetKey, id)
	})
}

func TestRedisStoreConsumeIf(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	entry := redisTestEntry(t, 2)
	require.NoError(t, store.Upsert(ctx, entry))
	cleanupRedisEntry(t, store, entry.ID)

	consumed, err := store.ConsumeIf(ctx, entry.ID, time.Now(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), consumed.CurrentUses)
	assert.Equal(t, "alice", consumed.LastUsedBy)

	consumed, err = store.ConsumeIf(ctx, entry.ID, time.Now(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), consumed.CurrentUses)

	_, err = store.ConsumeIf(ctx, entry.ID, time.Now(), "carol")
	assert.Equal(t, ErrNoMatch, err)
}

func TestRedisStoreConsumeIfConditions(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.ConsumeIf(ctx, "test:absent", now, "alice")
	assert.Equal(t, ErrNoMatch, err)

	expired := redisTestEntry(t, 0)
	past := now.Add(-time.Minute)
	expired.ExpiresAt = &past
	require.NoError(t, store.Upsert(ctx, expired))
	cleanupRedisEntry(t, store, expired.ID)

	_, err = store.ConsumeIf(ctx, expired.ID, now, "alice")
	assert.Equal(t, ErrNoMatch, err)

	inactive := redisTestEntry(t, 0)
	inactive.Active = false
	require.NoError(t, store.Upsert(ctx, inactive))
	cleanupRedisEntry(t, store, inactive.ID)

	_, err = store.ConsumeIf(ctx, inactive.ID, now, "alice")
	assert.Equal(t, ErrNoMatch, err)
}

func TestRedisStoreConsumeIfConcurrent(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	const maxUses = 5
	const callers = 25

	entry := redisTestEntry(t, maxUses)
	require.NoError(t, store.Upsert(ctx, entry))
	cleanupRedisEntry(t, store, entry.ID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeIf(ctx, entry.ID, time.Now(), "caller"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, maxUses, succeeded)

	final, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(maxUses), final.CurrentUses)
}

func TestRedisStoreInsertIfAbsent(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	entry := redisTestEntry(t, 3)
	entry.CurrentUses = 2
	require.NoError(t, store.InsertIfAbsent(ctx, entry))
	cleanupRedisEntry(t, store, entry.ID)

	duplicate := *entry
	duplicate.CurrentUses = 0
	require.NoError(t, store.InsertIfAbsent(ctx, &duplicate))

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.CurrentUses, "duplicate insert must not reset the counter")
}

func TestRedisStoreDeactivateAndDeleteStale(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	entry := redisTestEntry(t, 0)
	require.NoError(t, store.Upsert(ctx, entry))
	cleanupRedisEntry(t, store, entry.ID)

	require.NoError(t, store.Deactivate(ctx, entry.ID))

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	removed, err := store.DeleteStale(ctx, time.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 1)

	_, err = store.Get(ctx, entry.ID)
	assert.Equal(t, ErrNotFound, err)
}
