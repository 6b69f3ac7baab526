package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// DefaultKeyPrefix namespaces state records in a shared Redis.
	DefaultKeyPrefix = "graylogic:property_state:"

	indexSuffix = "index"

	// maxApplyAttempts bounds WATCH retries under contention.
	maxApplyAttempts = 10
)

// RedisStore keeps property state in Redis, one JSON string per property.
// Updates use WATCH/MULTI so concurrent writers to one key never lose changes.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store over client. An empty prefix uses DefaultKeyPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + indexSuffix
}

// Get returns the record for id.
func (s *RedisStore) Get(ctx context.Context, id string) (*PropertyState, error) {
	return s.load(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, id string) (*PropertyState, error) {
	data, err := c.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading state %s: %w", id, err)
	}

	var st PropertyState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding state %s: %w", id, err)
	}
	return &st, nil
}

// Apply merges u into the record for id inside an optimistic transaction.
func (s *RedisStore) Apply(ctx context.Context, id string, u Update) (*PropertyState, Change, error) {
	key := s.key(id)

	var next *PropertyState
	var change Change
	txf := func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, id)
		if err != nil && !errors.Is(err, ErrStateNotFound) {
			return err
		}

		merged, c := u.Merge(id, current, s.now())
		change = c
		if change == Unchanged {
			next = current
			return nil
		}
		next = &merged
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encoding state %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.indexKey(), id)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return next.Clone(), change, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, Unchanged, fmt.Errorf("applying state %s: %w", id, err)
	}
	return nil, Unchanged, fmt.Errorf("applying state %s: %w", id, ErrConflict)
}

// Delete removes the record for id.
func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(id))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deleting state %s: %w", id, err)
	}
	return del.Val() > 0, nil
}

// Keys returns every stored ID in sorted order.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing state keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
