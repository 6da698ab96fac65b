package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ledgerKeyPrefix = "ledger:"      // ledger:{id} -> hash
	ledgerSetKey    = "ledger:index" // set of ids
)

// consumeScript performs the conditional increment server-side so the
// check and the update are one atomic step, cross-process.
//
// KEYS[1] = entry hash key
// ARGV[1] = now (unix seconds)
// ARGV[2] = usedBy
var consumeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return false
end
local active = redis.call("HGET", KEYS[1], "active")
if active ~= "1" then
	return false
end
local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
if expires > 0 and expires <= tonumber(ARGV[1]) then
	return false
end
local max = tonumber(redis.call("HGET", KEYS[1], "max_uses"))
local cur = tonumber(redis.call("HGET", KEYS[1], "current_uses"))
if max > 0 and cur >= max then
	return false
end
redis.call("HINCRBY", KEYS[1], "current_uses", 1)
redis.call("HSET", KEYS[1], "last_used_by", ARGV[2], "updated_at", ARGV[1])
return redis.call("HGETALL", KEYS[1])
`)

// insertScript writes the entry hash only when the key is absent.
//
// KEYS[1] = entry hash key, KEYS[2] = index set
// ARGV    = id, kind, active, max_uses, current_uses, expires_at,
//           created_by, created_at, updated_at, last_used_by
var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return false
end
redis.call("HSET", KEYS[1],
	"kind", ARGV[2], "active", ARGV[3], "max_uses", ARGV[4],
	"current_uses", ARGV[5], "expires_at", ARGV[6],
	"created_by", ARGV[7], "created_at", ARGV[8],
	"updated_at", ARGV[9], "last_used_by", ARGV[10])
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

// RedisStore is the Redis implementation of Store. Entries live in one
// hash per id; the consume condition runs in a Lua script.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// RedisStoreConfig configures the Redis ledger store.
type RedisStoreConfig struct {
	Client *redis.Client
	Logger *zap.Logger
}

// NewRedisStore creates a Redis ledger store.
func NewRedisStore(config *RedisStoreConfig) (*RedisStore, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &RedisStore{client: config.Client, logger: config.Logger}, nil
}

// ConsumeIf runs the conditional increment script.
func (s *RedisStore) ConsumeIf(ctx context.Context, id string, now time.Time, usedBy string) (*Entry, error) {
	key := ledgerKeyPrefix + id

	result, err := consumeScript.Run(ctx, s.client, []string{key},
		now.Unix(), usedBy).Result()
	if err == redis.Nil {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume entry: %w", err)
	}

	fields, ok := result.([]interface{})
	if !ok || len(fields) == 0 {
		return nil, ErrNoMatch
	}
	return entryFromScriptReply(id, fields)
}

// Upsert inserts or replaces an entry.
func (s *RedisStore) Upsert(ctx context.Context, entry *Entry) error {
	key := ledgerKeyPrefix + entry.ID

	var expires int64
	if entry.ExpiresAt != nil {
		expires = entry.ExpiresAt.Unix()
	}

	active := "0"
	if entry.Active {
		active = "1"
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"kind":         entry.Kind,
		"active":       active,
		"max_uses":     entry.MaxUses,
		"current_uses": entry.CurrentUses,
		"expires_at":   expires,
		"created_by":   entry.CreatedBy,
		"created_at":   entry.CreatedAt.Unix(),
		"updated_at":   entry.UpdatedAt.Unix(),
		"last_used_by": entry.LastUsedBy,
	})
	pipe.SAdd(ctx, ledgerSetKey, entry.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert entry: %w", err)
	}
	return nil
}

// InsertIfAbsent inserts an entry unless one already exists. The
// existence check and the write run in a Lua script so a concurrent
// insert cannot be overwritten.
func (s *RedisStore) InsertIfAbsent(ctx context.Context, entry *Entry) error {
	key := ledgerKeyPrefix + entry.ID

	var expires int64
	if entry.ExpiresAt != nil {
		expires = entry.ExpiresAt.Unix()
	}
	active := "0"
	if entry.Active {
		active = "1"
	}

	err := insertScript.Run(ctx, s.client, []string{key, ledgerSetKey},
		entry.ID, entry.Kind, active, entry.MaxUses, entry.CurrentUses,
		expires, entry.CreatedBy, entry.CreatedAt.Unix(),
		entry.UpdatedAt.Unix(), entry.LastUsedBy).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// Get returns an entry by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, ledgerKeyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return entryFromHash(id, fields)
}

// Deactivate clears the active flag.
func (s *RedisStore) Deactivate(ctx context.Context, id string) error {
	key := ledgerKeyPrefix + id

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check entry: %w", err)
	}
	if exists == 0 {
		return nil
	}

	err = s.client.HSet(ctx, key, "active", "0", "updated_at", time.Now().Unix()).Err()
	if err != nil {
		return fmt.Errorf("failed to deactivate entry: %w", err)
	}
	return nil
}

// DeleteStale removes inactive and expired entries.
func (s *RedisStore) DeleteStale(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, ledgerSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list entries: %w", err)
	}

	removed := 0
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if err == ErrNotFound {
			s.client.SRem(ctx, ledgerSetKey, id)
			continue
		}
		if err != nil {
			return removed, err
		}

		if !entry.Active || entry.Expired(now) {
			pipe := s.client.Pipeline()
			pipe.Del(ctx, ledgerKeyPrefix+id)
			pipe.SRem(ctx, ledgerSetKey, id)
			if _, err := pipe.Exec(ctx); err != nil {
				s.logger.Error("failed to delete stale entry",
					zap.String("id", id), zap.Error(err))
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func entryFromScriptReply(id string, reply []interface{}) (*Entry, error) {
	fields := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		fields[k] = v
	}
	return entryFromHash(id, fields)
}

func entryFromHash(id string, fields map[string]string) (*Entry, error) {
	entry := &Entry{
		ID:         id,
		Kind:       fields["kind"],
		Active:     fields["active"] == "1",
		CreatedBy:  fields["created_by"],
		LastUsedBy: fields["last_used_by"],
	}

	var err error
	if entry.MaxUses, err = strconv.ParseInt(fields["max_uses"], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid max_uses for %s: %w", id, err)
	}
	if entry.CurrentUses, err = strconv.ParseInt(fields["current_uses"], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid current_uses for %s: %w", id, err)
	}

	if expires, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil && expires > 0 {
		t := time.Unix(expires, 0)
		entry.ExpiresAt = &t
	}
	if created, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		entry.CreatedAt = time.Unix(created, 0)
	}
	if updated, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		entry.UpdatedAt = time.Unix(updated, 0)
	}

	return entry, nil
}
