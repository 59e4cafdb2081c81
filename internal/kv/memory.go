package kv

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps counters in process. It is correct for a single
// gateway instance only.
type MemoryStore struct {
	mu    sync.Mutex
	items *cache.Cache
	now   func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		items: cache.New(cache.NoExpiration, time.Minute),
		now:   time.Now,
	}
}

func (s *MemoryStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, expires, found := s.items.GetWithExpiration(key)
	if !found {
		s.items.Set(key, int64(1), ttl)
		return 1, nil
	}
	n, err := asInt(key, value)
	if err != nil {
		return 0, err
	}
	n++
	s.items.Set(key, n, s.remaining(expires, ttl))
	return n, nil
}

func (s *MemoryStore) Decr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, expires, found := s.items.GetWithExpiration(key)
	if !found {
		return 0, nil
	}
	n, err := asInt(key, value)
	if err != nil {
		return 0, err
	}
	n--
	s.items.Set(key, n, s.remaining(expires, cache.NoExpiration))
	return n, nil
}

func (s *MemoryStore) GetInt(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, found := s.items.Get(key)
	if !found {
		return 0, nil
	}
	return asInt(key, value)
}

func (s *MemoryStore) SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	s.items.Set(key, value, ttl)
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	if err := s.items.Add(key, value, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, found := s.items.Get(key)
	return found, nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, expires, found := s.items.GetWithExpiration(key)
	if !found {
		return 0, ErrNotFound
	}
	if expires.IsZero() {
		return 0, nil
	}
	return expires.Sub(s.now()), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Delete(key)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// remaining keeps an existing expiry, or applies fallback when the key
// has none.
func (s *MemoryStore) remaining(expires time.Time, fallback time.Duration) time.Duration {
	if expires.IsZero() {
		return fallback
	}
	left := expires.Sub(s.now())
	if left <= 0 {
		return time.Nanosecond
	}
	return left
}

func asInt(key string, value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("kv: %s is not an integer: %w", key, err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("kv: %s holds %T", key, value)
	}
}
