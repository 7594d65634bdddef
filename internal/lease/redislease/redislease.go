// Package redislease provides a Redis-backed lease lock for the credit
// processor so that only one instance at a time runs the periodic sweep.
package redislease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
)

const defaultLeaseTTL = 5 * time.Minute

// releaseScript deletes the lease key only when it still holds this
// instance's token, so an expired lease taken over by another instance
// is never released from here.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

// Lease implements ledger.LeaseLock on top of a single Redis key.
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Option adjusts lease construction.
type Option func(*Lease)

// WithTTL overrides the lease expiry. The TTL bounds how long a crashed
// holder blocks the sweep.
func WithTTL(ttl time.Duration) Option {
	return func(lease *Lease) {
		if ttl > 0 {
			lease.ttl = ttl
		}
	}
}

// New builds a lease on the given key. Each Lease carries its own token,
// so two Lease values on the same key contend even within one process.
func New(client *redis.Client, key string, options ...Option) *Lease {
	lease := &Lease{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    defaultLeaseTTL,
	}
	for _, option := range options {
		option(lease)
	}
	return lease
}

// Acquire attempts to take the lease. It reports false without error
// when another holder already owns the key.
func (lease *Lease) Acquire(ctx context.Context) (bool, error) {
	acquired, err := lease.client.SetNX(ctx, lease.key, lease.token, lease.ttl).Result()
	if err != nil {
		return false, ledger.WrapError("acquire", lease.key, "redis", err)
	}
	return acquired, nil
}

// Release gives the lease back. Releasing a lease that expired and was
// re-acquired elsewhere is a no-op.
func (lease *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, lease.client, []string{lease.key}, lease.token).Result(); err != nil {
		return ledger.WrapError("release", lease.key, "redis", err)
	}
	return nil
}

var _ ledger.LeaseLock = (*Lease)(nil)
