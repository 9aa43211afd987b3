package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fleetops/authgate/internal/registry"
)

const cacheKeyPrefix = "authgate:perms:"

// ResolvedPermissions is a principal's effective permission set, split by MFA
// gating so one cached value serves both verified and unverified requests.
type ResolvedPermissions struct {
	Standard []registry.Permission `json:"standard"`
	MFAOnly  []registry.Permission `json:"mfaOnly"`
}

// Empty reports whether the principal has no usable roles at all.
func (r ResolvedPermissions) Empty() bool {
	return len(r.Standard) == 0 && len(r.MFAOnly) == 0
}

// Cache stores resolved permission sets in Redis with a bounded TTL. The TTL
// is the upper bound on staleness; assignment mutations invalidate eagerly so
// the window is normally far smaller.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache constructs a Cache. TTL must be positive.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(principalID uuid.UUID) string {
	return cacheKeyPrefix + principalID.String()
}

// Get returns the cached set and whether it was present. Cache errors degrade
// to a miss; the caller re-resolves from the store.
func (c *Cache) Get(ctx context.Context, principalID uuid.UUID) (ResolvedPermissions, bool) {
	if c == nil {
		return ResolvedPermissions{}, false
	}
	raw, err := c.client.Get(ctx, cacheKey(principalID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("permission cache read failed", slog.Any("error", err))
		}
		return ResolvedPermissions{}, false
	}
	var resolved ResolvedPermissions
	if err := json.Unmarshal(raw, &resolved); err != nil {
		c.logger.Warn("permission cache decode failed", slog.Any("error", err))
		return ResolvedPermissions{}, false
	}
	return resolved, true
}

// Set stores the resolved set under the bounded TTL.
func (c *Cache) Set(ctx context.Context, principalID uuid.UUID, resolved ResolvedPermissions) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		c.logger.Warn("permission cache encode failed", slog.Any("error", err))
		return
	}
	if err := c.client.Set(ctx, cacheKey(principalID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("permission cache write failed", slog.Any("error", err))
	}
}

// Invalidate drops the principal's cached set. Called on every
// role-assignment change so no stale grant outlives the mutation beyond the
// TTL window.
func (c *Cache) Invalidate(ctx context.Context, principalID uuid.UUID) error {
	if c == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(principalID)).Err()
}
