package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists checkpoints in Redis.
//
// Each thread uses three keys: a sorted set indexing sequences, a hash of
// checkpoint payloads and a hash of per-checkpoint metadata. A set tracks
// known thread ids.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool

	mu     sync.RWMutex
	closed bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key namespace. Default: "convoflow".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL expires a thread's keys after ttl without writes.
// Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// redisMeta is stored alongside each payload so List can avoid loading data.
type redisMeta struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// NewRedisStore creates a store from a redis:// URL. The store owns the
// client and closes it on Close.
func NewRedisStore(url string, opts ...RedisOption) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s := NewRedisStoreFromClient(redis.NewClient(redisOpts), opts...)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. Close does not close it.
func NewRedisStoreFromClient(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "convoflow",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) threadsKey() string { return s.prefix + ":threads" }

func (s *RedisStore) indexKey(threadID string) string { return s.prefix + ":idx:" + threadID }

func (s *RedisStore) dataKey(threadID string) string { return s.prefix + ":cp:" + threadID }

func (s *RedisStore) metaKey(threadID string) string { return s.prefix + ":meta:" + threadID }

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, threadID string, sequence int, nodeID string, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	meta, err := json.Marshal(redisMeta{
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Size:      int64(len(data)),
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint meta: %w", err)
	}

	field := strconv.Itoa(sequence)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.dataKey(threadID), field, data)
	pipe.HSet(ctx, s.metaKey(threadID), field, meta)
	pipe.ZAdd(ctx, s.indexKey(threadID), redis.Z{Score: float64(sequence), Member: field})
	pipe.SAdd(ctx, s.threadsKey(), threadID)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.dataKey(threadID), s.ttl)
		pipe.Expire(ctx, s.metaKey(threadID), s.ttl)
		pipe.Expire(ctx, s.indexKey(threadID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *RedisStore) Latest(ctx context.Context, threadID string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	fields, err := s.client.ZRevRange(ctx, s.indexKey(threadID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return s.load(ctx, threadID, fields[0])
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, threadID string, sequence int) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.load(ctx, threadID, strconv.Itoa(sequence))
}

func (s *RedisStore) load(ctx context.Context, threadID, field string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.dataKey(threadID), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, threadID string) ([]Info, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	fields, err := s.client.ZRange(ctx, s.indexKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	metas, err := s.client.HMGet(ctx, s.metaKey(threadID), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoint meta: %w", err)
	}

	infos := make([]Info, 0, len(fields))
	for i, field := range fields {
		seq, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("parse checkpoint sequence %q: %w", field, err)
		}
		info := Info{ThreadID: threadID, Sequence: seq}
		if raw, ok := metas[i].(string); ok {
			var meta redisMeta
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				return nil, fmt.Errorf("decode checkpoint meta: %w", err)
			}
			info.NodeID = meta.NodeID
			info.Timestamp = meta.Timestamp
			info.Size = meta.Size
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Threads implements Store.
func (s *RedisStore) Threads(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.threadsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		// Keys may have expired while the set entry remained.
		n, err := s.client.Exists(ctx, s.indexKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("check thread %s: %w", id, err)
		}
		if n > 0 {
			live = append(live, id)
		}
	}
	sort.Strings(live)
	return live, nil
}

// Prune implements Store.
func (s *RedisStore) Prune(ctx context.Context, threadID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	stale, err := s.client.ZRange(ctx, s.indexKey(threadID), 0, -int64(keep)-1).Result()
	if err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	members := make([]any, len(stale))
	for i, field := range stale {
		members[i] = field
	}
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.dataKey(threadID), stale...)
	pipe.HDel(ctx, s.metaKey(threadID), stale...)
	pipe.ZRem(ctx, s.indexKey(threadID), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}

// DeleteThread implements Store.
func (s *RedisStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(threadID), s.metaKey(threadID), s.indexKey(threadID))
	pipe.SRem(ctx, s.threadsKey(), threadID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.client.Close()
	}
	return nil
}
