package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLeaseScript deletes KEYS[1] only if its current value still
// matches ARGV[1], so only the holder can release.
const releaseLeaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// renewLeaseScript extends KEYS[1]'s TTL only if its value still matches
// ARGV[1].
const renewLeaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// RedisLeaseCoordinator backs LeaseCoordinator with a Redis key per scope:
// SET NX + EXPIRE for acquire, and the Lua scripts above for release/renew,
// so a holder can only affect a lease it is still holding.
type RedisLeaseCoordinator struct {
	client    redis.UniversalClient
	keyPrefix string
	release   *redis.Script
	renew     *redis.Script
}

// NewRedisLeaseCoordinator builds a lease coordinator over client, namespacing
// all keys under keyPrefix (e.g. "workflow:lease:").
func NewRedisLeaseCoordinator(client redis.UniversalClient, keyPrefix string) *RedisLeaseCoordinator {
	return &RedisLeaseCoordinator{
		client:    client,
		keyPrefix: keyPrefix,
		release:   redis.NewScript(releaseLeaseScript),
		renew:     redis.NewScript(renewLeaseScript),
	}
}

func (c *RedisLeaseCoordinator) keyFor(scopeKey string) string {
	return c.keyPrefix + scopeKey
}

func (c *RedisLeaseCoordinator) TryAcquireLease(ctx context.Context, scopeKey, holderID string, leaseSeconds int) (*Lease, error) {
	if scopeKey == "" || holderID == "" || leaseSeconds <= 0 {
		return nil, NewValidationError("scope_key, holder_id and lease_seconds are required")
	}
	token := holderID + ":" + uuid.NewString()
	ttl := time.Duration(leaseSeconds) * time.Second

	ok, err := c.client.SetNX(ctx, c.keyFor(scopeKey), token, ttl).Result()
	if err != nil {
		return nil, WrapInternal("redis lease acquire failed", err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{ScopeKey: scopeKey, Token: token, Deadline: time.Now().Add(ttl)}, nil
}

func (c *RedisLeaseCoordinator) ReleaseLease(ctx context.Context, lease Lease) error {
	_, err := c.release.Run(ctx, c.client, []string{c.keyFor(lease.ScopeKey)}, lease.Token).Result()
	if err != nil && err != redis.Nil {
		return WrapInternal("redis lease release failed", err)
	}
	return nil
}

func (c *RedisLeaseCoordinator) RenewLease(ctx context.Context, lease Lease, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, NewValidationError("lease_seconds must be greater than zero")
	}
	result, err := c.renew.Run(ctx, c.client, []string{c.keyFor(lease.ScopeKey)}, lease.Token, leaseSeconds).Int()
	if err != nil && err != redis.Nil {
		return false, WrapInternal("redis lease renew failed", err)
	}
	return result == 1, nil
}
