package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	sessionKeyPrefix = "session:"     // session:{channel}:{user} -> JSON record
	sessionIndexKey  = "session:keys" // set of "{channel}:{user}"
)

// RedisStore is the Redis implementation of the durable tier. Records
// are stored as JSON under a per-key TTL; a set index supports the
// cold-start bulk load.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// RedisStoreConfig configures the Redis session store.
type RedisStoreConfig struct {
	Client *redis.Client
	Logger *zap.Logger

	// TTL is applied to each record key so Redis drops what the
	// sweeper misses.
	TTL time.Duration
}

// NewRedisStore creates a Redis session store.
func NewRedisStore(config *RedisStoreConfig) (*RedisStore, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.TTL == 0 {
		config.TTL = time.Hour
	}

	return &RedisStore{
		client: config.Client,
		logger: config.Logger,
		ttl:    config.TTL,
	}, nil
}

func recordKey(key Key) string {
	return sessionKeyPrefix + key.Channel + ":" + key.User
}

func indexMember(key Key) string {
	return key.Channel + ":" + key.User
}

// Upsert inserts or replaces a record.
func (s *RedisStore) Upsert(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, recordKey(record.Key), data, s.ttl)
	pipe.SAdd(ctx, sessionIndexKey, indexMember(record.Key))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Delete removes the given keys.
func (s *RedisStore) Delete(ctx context.Context, keys []Key) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	recordKeys := make([]string, len(keys))
	members := make([]interface{}, len(keys))
	for i, key := range keys {
		recordKeys[i] = recordKey(key)
		members[i] = indexMember(key)
	}

	pipe := s.client.Pipeline()
	del := pipe.Del(ctx, recordKeys...)
	pipe.SRem(ctx, sessionIndexKey, members...)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return int(del.Val()), nil
}

// LoadActive returns records touched at or after since. Keys already
// expired by Redis are pruned from the index as they are found.
func (s *RedisStore) LoadActive(ctx context.Context, since time.Time) ([]*Record, error) {
	members, err := s.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session index: %w", err)
	}

	var records []*Record
	for _, member := range members {
		data, err := s.client.Get(ctx, sessionKeyPrefix+member).Bytes()
		if err == redis.Nil {
			s.client.SRem(ctx, sessionIndexKey, member)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", member, err)
		}

		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			s.logger.Warn("dropping undecodable session record",
				zap.String("key", member), zap.Error(err))
			continue
		}
		record.Key = splitIndexMember(member)

		if record.LastTouched.Before(since) {
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func splitIndexMember(member string) Key {
	for i := 0; i < len(member); i++ {
		if member[i] == ':' {
			return Key{Channel: member[:i], User: member[i+1:]}
		}
	}
	return Key{Channel: member}
}
