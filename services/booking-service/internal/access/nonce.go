package access

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore keeps one-time challenges. Take must return the stored value
// exactly once; later calls report ok=false.
type NonceStore interface {
	Put(ctx context.Context, nonce, value string, ttl time.Duration) error
	Take(ctx context.Context, nonce string) (value string, ok bool, err error)
}

type RedisNonceStore struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisNonceStore(rdb redis.Cmdable, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "slotchain:nonce"
	}
	return &RedisNonceStore{rdb: rdb, prefix: prefix}
}

func (s *RedisNonceStore) Put(ctx context.Context, nonce, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.prefix+":"+nonce, value, ttl).Err()
}

func (s *RedisNonceStore) Take(ctx context.Context, nonce string) (string, bool, error) {
	v, err := s.rdb.GetDel(ctx, s.prefix+":"+nonce).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

type MemoryNonceStore struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]memNonce
}

type memNonce struct {
	value   string
	expires time.Time
}

func NewMemoryNonceStore(now func() time.Time) *MemoryNonceStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryNonceStore{now: now, items: map[string]memNonce{}}
}

func (s *MemoryNonceStore) Put(_ context.Context, nonce, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.items {
		if !now.Before(v.expires) {
			delete(s.items, k)
		}
	}
	s.items[nonce] = memNonce{value: value, expires: now.Add(ttl)}
	return nil
}

func (s *MemoryNonceStore) Take(_ context.Context, nonce string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[nonce]
	if !ok {
		return "", false, nil
	}
	delete(s.items, nonce)
	if !s.now().Before(item.expires) {
		return "", false, nil
	}
	return item.value, true, nil
}
