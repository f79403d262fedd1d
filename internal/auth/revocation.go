package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore tracks tokens invalidated before their natural expiry.
// Revoke is idempotent. Entries become prunable once expiresAt passes: a
// revoked-then-pruned token is indistinguishable from a never-revoked one,
// which is safe because verification rejects expired tokens first.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Prune(ctx context.Context) (int64, error)
}

const revokedKeyPrefix = "revoked:"

type redisRevocationStore struct {
	client *redis.Client
}

// NewRedisRevocationStore connects to redisURL and returns a registry whose
// entries expire via Redis TTLs, so Prune has nothing to do.
func NewRedisRevocationStore(redisURL string) (RevocationStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &redisRevocationStore{client: client}, nil
}

// NewRedisRevocationStoreWithClient wraps an existing client. Used by tests.
func NewRedisRevocationStoreWithClient(client *redis.Client) RevocationStore {
	return &redisRevocationStore{client: client}
}

func (r *redisRevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already past natural expiry, nothing to track.
		return nil
	}

	if err := r.client.Set(ctx, revokedKeyPrefix+tokenID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (r *redisRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}

func (r *redisRevocationStore) Prune(ctx context.Context) (int64, error) {
	// Redis TTLs expire entries on their own.
	return 0, nil
}

type memoryRevocationStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewMemoryRevocationStore returns a process-local registry. Suitable for
// tests and single-process runs only.
func NewMemoryRevocationStore() RevocationStore {
	return &memoryRevocationStore{entries: make(map[string]time.Time)}
}

func (m *memoryRevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[tokenID]; !exists {
		m.entries[tokenID] = expiresAt
	}
	return nil
}

func (m *memoryRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expiresAt, exists := m.entries[tokenID]
	if !exists {
		return false, nil
	}
	if time.Now().UTC().After(expiresAt) {
		return false, nil
	}
	return true, nil
}

func (m *memoryRevocationStore) Prune(ctx context.Context) (int64, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for tokenID, expiresAt := range m.entries {
		if now.After(expiresAt) {
			delete(m.entries, tokenID)
			removed++
		}
	}
	return removed, nil
}
