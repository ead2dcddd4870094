package challenge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
)

// Store keeps short-lived values that can be read back exactly once.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Take returns the value and removes it.
	Take(ctx context.Context, key string) ([]byte, bool, error)
}

var errNotAdmitted = errors.New("challenge store rejected entry")

// LocalStore is a single-instance store; entries expire with their TTL.
type LocalStore struct {
	mu sync.Mutex
	c  *ristretto.Cache[string, []byte]
}

func NewLocalStore(maxCostBytes int64) (*LocalStore, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 4 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &LocalStore{c: c}, nil
}

func (s *LocalStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.c.SetWithTTL(key, value, int64(len(value)), ttl) {
		return errNotAdmitted
	}
	s.c.Wait()
	return nil
}

func (s *LocalStore) Take(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	s.c.Del(key)
	return value, true, nil
}

func (s *LocalStore) Close() {
	s.c.Close()
}

// RedisStore shares challenges between service instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *RedisStore) Take(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.GetDel(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}
