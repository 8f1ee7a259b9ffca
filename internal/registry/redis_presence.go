package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Hash fields are compared inside scripts so a superseded session on another
// instance can never delete or extend the current owner's entry.
var (
	withdrawScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'session') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'session')
if owner == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if not owner then
	return -1
end
return 0`)
)

type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	InstanceID string
	// KeyTTL is how long an entry survives without Refresh.
	KeyTTL time.Duration
	// CacheTTL bounds how stale a cached Owner answer may be.
	CacheTTL time.Duration
}

// RedisPresence stores client:<identity> hashes {instance, session, since}
// with a TTL, and keeps a short positive cache of owner lookups.
type RedisPresence struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration
	owners     *cache.Cache
}

var _ Presence = (*RedisPresence)(nil)

func NewRedisPresence(ctx context.Context, opts RedisOptions) (*RedisPresence, error) {
	if opts.KeyTTL <= 0 {
		opts.KeyTTL = 2 * time.Minute
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisPresence{
		client:     rdb,
		instanceID: opts.InstanceID,
		keyTTL:     opts.KeyTTL,
		owners:     cache.New(opts.CacheTTL, 2*opts.CacheTTL),
	}, nil
}

func clientKey(identity string) string { return "backhaul:client:" + identity }

func (r *RedisPresence) Announce(ctx context.Context, identity, sessionID string) error {
	key := clientKey(identity)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "instance", r.instanceID, "session", sessionID, "since", time.Now().UTC().Format(time.RFC3339))
		pipe.Expire(ctx, key, r.keyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis announce %s: %w", identity, err)
	}
	r.owners.Set(identity, r.instanceID, cache.DefaultExpiration)
	return nil
}

func (r *RedisPresence) Withdraw(ctx context.Context, identity, sessionID string) error {
	r.owners.Delete(identity)
	if err := withdrawScript.Run(ctx, r.client, []string{clientKey(identity)}, sessionID).Err(); err != nil {
		return fmt.Errorf("redis withdraw %s: %w", identity, err)
	}
	return nil
}

func (r *RedisPresence) Refresh(ctx context.Context, sessions map[string]string) error {
	var errs []error
	ttl := r.keyTTL.Milliseconds()
	for identity, sessionID := range sessions {
		n, err := refreshScript.Run(ctx, r.client, []string{clientKey(identity)}, sessionID, ttl).Int()
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", identity, err))
			continue
		}
		if n == -1 {
			// Expired while this instance still holds the stream.
			if err := r.Announce(ctx, identity, sessionID); err != nil {
				errs = append(errs, err)
			}
			obs.Debug("presence.reannounced", obs.Fields{"client": identity})
		}
	}
	return errors.Join(errs...)
}

func (r *RedisPresence) Owner(ctx context.Context, identity string) (string, error) {
	if v, ok := r.owners.Get(identity); ok {
		return v.(string), nil
	}
	instance, err := r.client.HGet(ctx, clientKey(identity), "instance").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis owner %s: %w", identity, err)
	}
	r.owners.Set(identity, instance, cache.DefaultExpiration)
	return instance, nil
}

func (r *RedisPresence) Close() error {
	return r.client.Close()
}
