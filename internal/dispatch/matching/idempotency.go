package matching

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/livetrack/internal/dispatch/domain"
)

// MemoryIdempotencyCache stores match responses keyed by idempotency key
// until the reservation they describe expires.
type MemoryIdempotencyCache struct {
	mu        sync.Mutex
	clock     domain.Clock
	responses map[string]cachedResponse
	// tokens maps a reservation token to the key whose response carries it.
	tokens map[string]string
}

type cachedResponse struct {
	// payload is nil while the key is claimed and the match is in flight.
	payload   []byte
	token     string
	expiresAt time.Time
}

// NewMemoryIdempotencyCache constructs the cache.
func NewMemoryIdempotencyCache(clock domain.Clock) *MemoryIdempotencyCache {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryIdempotencyCache{
		clock:     clock,
		responses: make(map[string]cachedResponse),
		tokens:    make(map[string]string),
	}
}

// Claim marks key as in flight for ttl. It reports false when the key already
// holds a claim or a response.
func (m *MemoryIdempotencyCache) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if value, ok := m.responses[key]; ok && now.Before(value.expiresAt) {
		return false, nil
	}
	m.removeLocked(key)
	m.responses[key] = cachedResponse{expiresAt: now.Add(ttl)}
	return true, nil
}

// GetResponse retrieves a cached response that has not expired. Claimed keys
// without a response are reported as missing.
func (m *MemoryIdempotencyCache) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.responses[key]
	if !ok {
		return nil, false, nil
	}
	if !m.clock.Now().Before(value.expiresAt) {
		m.removeLocked(key)
		return nil, false, nil
	}
	if value.payload == nil {
		return nil, false, nil
	}
	return append([]byte(nil), value.payload...), true, nil
}

// PutResponse stores payload until expiresAt, replacing any claim on key.
// token indexes the entry for ForgetToken. An already expired payload only
// drops the claim.
func (m *MemoryIdempotencyCache) PutResponse(_ context.Context, key, token string, payload []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
	if !m.clock.Now().Before(expiresAt) {
		return nil
	}
	m.responses[key] = cachedResponse{payload: append([]byte{}, payload...), token: token, expiresAt: expiresAt}
	if token != "" {
		m.tokens[token] = key
	}
	return nil
}

// Forget drops the claim or response stored under key.
func (m *MemoryIdempotencyCache) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
	return nil
}

// ForgetToken drops the response that handed out the reservation token.
func (m *MemoryIdempotencyCache) ForgetToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.tokens[token]; ok {
		m.removeLocked(key)
	}
	return nil
}

// Prune drops expired entries and returns how many were removed.
func (m *MemoryIdempotencyCache) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for k, v := range m.responses {
		if !now.Before(v.expiresAt) {
			m.removeLocked(k)
			n++
		}
	}
	return n
}

func (m *MemoryIdempotencyCache) removeLocked(key string) {
	value, ok := m.responses[key]
	if !ok {
		return
	}
	if value.token != "" && m.tokens[value.token] == key {
		delete(m.tokens, value.token)
	}
	delete(m.responses, key)
}

const (
	defaultIdempotencyPrefix = "idem:match:"
	tokenIndexSegment        = "@token:"
)

var pendingMarker = []byte("\x00pending")

// RedisIdempotencyCache shares idempotent responses across instances using
// keys that expire with the reservation.
type RedisIdempotencyCache struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisIdempotencyCache constructs the cache; an empty prefix uses the default.
func NewRedisIdempotencyCache(client redis.Cmdable, prefix string) *RedisIdempotencyCache {
	if prefix == "" {
		prefix = defaultIdempotencyPrefix
	}
	return &RedisIdempotencyCache{client: client, keyPrefix: prefix}
}

func (r *RedisIdempotencyCache) tokenKey(token string) string {
	return r.keyPrefix + tokenIndexSegment + token
}

// Claim sets a pending marker with SET NX so only one instance matches per key.
func (r *RedisIdempotencyCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.keyPrefix+key, pendingMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (r *RedisIdempotencyCache) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	if bytes.Equal(payload, pendingMarker) {
		return nil, false, nil
	}
	return payload, true, nil
}

func (r *RedisIdempotencyCache) PutResponse(ctx context.Context, key, token string, payload []byte, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.Forget(ctx, key)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyPrefix+key, payload, ttl)
		if token != "" {
			pipe.Set(ctx, r.tokenKey(token), key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisIdempotencyCache) Forget(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisIdempotencyCache) ForgetToken(ctx context.Context, token string) error {
	key, err := r.client.Get(ctx, r.tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	if err := r.client.Del(ctx, r.keyPrefix+key, r.tokenKey(token)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
