package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// releaseScript deletes the key only if it still carries our token, so a
// holder whose lease expired cannot delete its successor's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker backed by SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a RedisLocker. prefix namespaces keys, e.g. "evidence:".
func NewRedis(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "lease: acquire %s", key)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{locker: r, key: key, token: token}, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.locker.client, []string{l.locker.prefix + l.key}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return eris.Wrapf(err, "lease: release %s", l.key)
	}
	return nil
}
