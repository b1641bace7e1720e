package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// renewScript extends the TTL only when the stored token is still ours.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only when the stored token is still ours.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements [Manager] on a single Redis instance using SET NX PX plus
// token-checked Lua scripts for renew/release.
type Redis struct {
	client *redis.Client
	prefix string
}

// Compile-time interface assertion.
var _ Manager = (*Redis)(nil)

// NewRedis returns a Redis-backed lease manager. All keys are stored under
// "lease:{key}".
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "lease:"}
}

// Acquire implements Manager.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: acquire %q: %w", key, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return &Lease{
		Key:     key,
		Token:   token,
		TTL:     ttl,
		Expires: time.Now().Add(ttl),
	}, nil
}

// Renew implements Manager.
func (r *Redis) Renew(ctx context.Context, l *Lease) error {
	n, err := renewScript.Run(ctx, r.client, []string{r.prefix + l.Key}, l.Token, l.TTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease: renew %q: %w", l.Key, err)
	}
	if n == 0 {
		return ErrLost
	}
	l.Expires = time.Now().Add(l.TTL)
	return nil
}

// Release implements Manager.
func (r *Redis) Release(ctx context.Context, l *Lease) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.prefix + l.Key}, l.Token).Int()
	if err != nil {
		return fmt.Errorf("lease: release %q: %w", l.Key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}
