package persist

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix = "dotrag:snapshot:"
	threadKeyPrefix   = "dotrag:thread:"
	defaultTTL        = 72 * time.Hour
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisStore keeps the newest snapshot per conversation as a hash and a
// per-thread pointer to the current conversation. Both keys share the TTL,
// which is refreshed on every save.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisStore(client, opts.TTL), nil
}

func newRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Save(ctx context.Context, conversationID, threadID string, data []byte) error {
	if conversationID == "" || threadID == "" {
		return fmt.Errorf("save snapshot: conversation and thread ids are required")
	}
	key := snapshotKey(conversationID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"thread_id":   threadID,
			"data":        data,
			"saved_at_ms": time.Now().UnixMilli(),
		})
		pipe.Expire(ctx, key, s.ttl)
		pipe.Set(ctx, threadKey(threadID), conversationID, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", conversationID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, conversationID string) (Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, snapshotKey(conversationID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", conversationID, err)
	}
	if len(fields) == 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, conversationID)
	}
	savedMS, _ := strconv.ParseInt(fields["saved_at_ms"], 10, 64)
	return Snapshot{
		ConversationID: conversationID,
		ThreadID:       fields["thread_id"],
		Data:           []byte(fields["data"]),
		SavedAt:        time.UnixMilli(savedMS),
	}, nil
}

func (s *RedisStore) Latest(ctx context.Context, threadID string) (Snapshot, error) {
	conversationID, err := s.client.Get(ctx, threadKey(threadID)).Result()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("%w: thread %s", ErrSnapshotNotFound, threadID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load thread pointer %s: %w", threadID, err)
	}
	return s.Get(ctx, conversationID)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func snapshotKey(conversationID string) string { return snapshotKeyPrefix + conversationID }
func threadKey(threadID string) string         { return threadKeyPrefix + threadID }
