package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when a lease was lost or never acquired.
var ErrNotHeld = errors.New("lease not held")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out expiring leases with SET NX. A lease outlives a crashed
// holder by at most its TTL.
type Locker struct {
	client *redis.Client
	prefix string
}

func NewLocker(client *redis.Client, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// TryAcquire returns a lease on name, or ok=false when another holder has
// it.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	lease := &Lease{client: l.client, key: l.prefix + name, token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return lease, true, nil
}

func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
