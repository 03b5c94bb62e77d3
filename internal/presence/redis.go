package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "live:room:"

// RoomKey returns the hash key holding a room's members: live:room:{roomId}:users.
func RoomKey(roomID string) string {
	return keyPrefix + roomID + ":users"
}

// removeScript deletes a member field, optionally only when its handleId matches.
var removeScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
	return 0
end
if ARGV[2] ~= '' then
	local ok, e = pcall(cjson.decode, v)
	if ok and type(e) == 'table' and e['handleId'] ~= ARGV[2] then
		return 0
	end
end
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

// RedisStore implements Store on a Redis hash per room.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a presence store. ttl applies to each room key and is refreshed on every write.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

// Put writes the member field and refreshes the key TTL in one transaction.
func (s *RedisStore) Put(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	key := RoomKey(e.RoomID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, e.UserID, raw)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence put: %w", err)
	}
	return nil
}

// Remove deletes a member field. See Store.Remove.
func (s *RedisStore) Remove(ctx context.Context, roomID, userID, handleID string) (bool, error) {
	n, err := removeScript.Run(ctx, s.client, []string{RoomKey(roomID)}, userID, handleID).Int()
	if err != nil {
		return false, fmt.Errorf("presence remove: %w", err)
	}
	return n > 0, nil
}

// Members returns every decodable entry of a room, oldest join first.
func (s *RedisStore) Members(ctx context.Context, roomID string) ([]Entry, error) {
	fields, err := s.client.HGetAll(ctx, RoomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	entries := make([]Entry, 0, len(fields))
	for userID, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Warn("skip undecodable presence entry", zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

// Count returns HLEN of the room key.
func (s *RedisStore) Count(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.HLen(ctx, RoomKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence count: %w", err)
	}
	return int(n), nil
}

// Touch refreshes the room key TTL. Missing keys are left alone.
func (s *RedisStore) Touch(ctx context.Context, roomID string) error {
	if err := s.client.Expire(ctx, RoomKey(roomID), s.ttl).Err(); err != nil {
		return fmt.Errorf("presence touch: %w", err)
	}
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
}
