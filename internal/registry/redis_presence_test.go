package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisPresence(t *testing.T, instance string, mr *miniredis.Miniredis) *RedisPresence {
	t.Helper()
	p, err := NewRedisPresence(context.Background(), RedisOptions{
		Addr:       mr.Addr(),
		InstanceID: instance,
		KeyTTL:     time.Minute,
		CacheTTL:   time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestRedisPresenceAnnounceAndWithdraw(t *testing.T) {
	mr := miniredis.RunT(t)
	p := newRedisPresence(t, "gw-1", mr)
	ctx := context.Background()

	require.NoError(t, p.Announce(ctx, "device-1", "s1"))
	key := clientKey("device-1")
	assert.Equal(t, "gw-1", mr.HGet(key, "instance"))
	assert.Equal(t, "s1", mr.HGet(key, "session"))
	assert.Equal(t, time.Minute, mr.TTL(key))

	// A stale session cannot remove the entry.
	require.NoError(t, p.Withdraw(ctx, "device-1", "s0"))
	assert.True(t, mr.Exists(key))

	require.NoError(t, p.Withdraw(ctx, "device-1", "s1"))
	assert.False(t, mr.Exists(key))
}

func TestRedisPresenceOwnerAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	gw1 := newRedisPresence(t, "gw-1", mr)
	gw2 := newRedisPresence(t, "gw-2", mr)
	ctx := context.Background()

	owner, err := gw2.Owner(ctx, "device-1")
	require.NoError(t, err)
	assert.Empty(t, owner)

	require.NoError(t, gw1.Announce(ctx, "device-1", "s1"))
	owner, err = gw2.Owner(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, "gw-1", owner)
}

func TestRedisPresenceRefresh(t *testing.T) {
	mr := miniredis.RunT(t)
	p := newRedisPresence(t, "gw-1", mr)
	ctx := context.Background()
	key := clientKey("device-1")

	require.NoError(t, p.Announce(ctx, "device-1", "s1"))
	mr.FastForward(40 * time.Second)
	require.NoError(t, p.Refresh(ctx, map[string]string{"device-1": "s1"}))
	assert.Equal(t, time.Minute, mr.TTL(key))

	// Entry expired while the stream is still held here: it is announced again.
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(key))
	require.NoError(t, p.Refresh(ctx, map[string]string{"device-1": "s1"}))
	assert.Equal(t, "s1", mr.HGet(key, "session"))

	// Another session took over elsewhere: refresh leaves it alone.
	mr.HSet(key, "session", "s2")
	mr.HSet(key, "instance", "gw-2")
	require.NoError(t, p.Refresh(ctx, map[string]string{"device-1": "s1"}))
	assert.Equal(t, "gw-2", mr.HGet(key, "instance"))
}

func TestRedisPresenceUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisPresence(ctx, RedisOptions{Addr: addr})
	assert.Error(t, err)
}
