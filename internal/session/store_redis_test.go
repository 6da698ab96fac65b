package session

import (
	"context"
	"encoding/json"
	"fmt"
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
		TTL:    time.Minute,
	})
	require.NoError(t, err)
	return store
}

func redisTestKey(t *testing.T, user string) Key {
	return Key{
		Channel: fmt.Sprintf("test:%s:%d", t.Name(), time.Now().UnixNano()),
		User:    user,
	}
}

func cleanupRedisRecord(t *testing.T, store *RedisStore, keys ...Key) {
	t.Cleanup(func() {
		store.Delete(context.Background(), keys)
	})
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	key := redisTestKey(t, "alice")
	record := &Record{
		Key:         key,
		Kind:        "redeem",
		Payload:     json.RawMessage(`{"code":"abc"}`),
		LastTouched: time.Now(),
	}
	require.NoError(t, store.Upsert(ctx, record))
	cleanupRedisRecord(t, store, key)

	records, err := store.LoadActive(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	var found *Record
	for _, r := range records {
		if r.Key == key {
			found = r
		}
	}
	require.NotNil(t, found, "upserted record should be loadable")
	assert.Equal(t, "redeem", found.Kind)
	assert.JSONEq(t, `{"code":"abc"}`, string(found.Payload))
}

func TestRedisStoreDelete(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	keep := redisTestKey(t, "keep")
	drop := redisTestKey(t, "drop")
	for _, key := range []Key{keep, drop} {
		require.NoError(t, store.Upsert(ctx, &Record{
			Key: key, Kind: "redeem", Payload: json.RawMessage(`{}`),
			LastTouched: time.Now(),
		}))
	}
	cleanupRedisRecord(t, store, keep, drop)

	removed, err := store.Delete(ctx, []Key{drop})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, err := store.LoadActive(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	for _, r := range records {
		assert.NotEqual(t, drop, r.Key, "deleted record must not load")
	}
}

func TestRedisStoreLoadActiveSkipsOld(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	stale := redisTestKey(t, "stale")
	require.NoError(t, store.Upsert(ctx, &Record{
		Key: stale, Kind: "redeem", Payload: json.RawMessage(`{}`),
		LastTouched: time.Now().Add(-2 * time.Hour),
	}))
	cleanupRedisRecord(t, store, stale)

	records, err := store.LoadActive(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	for _, r := range records {
		assert.NotEqual(t, stale, r.Key, "record past the cutoff must not load")
	}
}
