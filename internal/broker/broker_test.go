package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { obs.SetOutput(io.Discard) }

type fakeClient struct {
	id  string
	err error
	ids chan string
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id, ids: make(chan string, 64)}
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) RequestTunnel(_ context.Context, tunnelID string) error {
	if f.err != nil {
		return f.err
	}
	f.ids <- tunnelID
	return nil
}

type result struct {
	conn net.Conn
	err  error
}

func openAsync(b *Broker, client Announcer, timeout time.Duration) <-chan result {
	out := make(chan result, 1)
	go func() {
		c, err := b.OpenTunnel(context.Background(), client, timeout)
		out <- result{c, err}
	}()
	return out
}

func nextID(t *testing.T, f *fakeClient) string {
	t.Helper()
	select {
	case id := <-f.ids:
		return id
	case <-time.After(time.Second):
		t.Fatal("tunnel was not announced")
		return ""
	}
}

func TestOpenTunnelMatchesDataConnection(t *testing.T) {
	b := New()
	client := newFakeClient("device-1")
	res := openAsync(b, client, time.Second)

	id := nextID(t, client)
	assert.Equal(t, 1, b.Pending())

	data, peer := net.Pipe()
	defer peer.Close()
	require.NoError(t, b.Accept(id, data))

	r := <-res
	require.NoError(t, r.err)
	assert.Same(t, data, r.conn)
	assert.Zero(t, b.Pending())
	established, _ := b.Totals()
	assert.Equal(t, int64(1), established)

	// A matched id is gone for good.
	other, _ := net.Pipe()
	assert.ErrorIs(t, b.Accept(id, other), ErrUnknownTunnel)
}

func TestOpenTunnelTimesOut(t *testing.T) {
	b := New()
	client := newFakeClient("device-1")
	const timeout = 100 * time.Millisecond

	start := time.Now()
	res := openAsync(b, client, timeout)
	id := nextID(t, client)

	r := <-res
	elapsed := time.Since(start)
	assert.ErrorIs(t, r.err, ErrTunnelTimeout)
	assert.Nil(t, r.conn)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
	assert.Zero(t, b.Pending())
	_, timeouts := b.Totals()
	assert.Equal(t, int64(1), timeouts)

	late, _ := net.Pipe()
	assert.ErrorIs(t, b.Accept(id, late), ErrUnknownTunnel)
}

func TestOpenTunnelFailsFastWhenAnnouncementFails(t *testing.T) {
	b := New()
	client := newFakeClient("device-1")
	client.err = session.ErrConnectionClosed

	start := time.Now()
	_, err := b.OpenTunnel(context.Background(), client, 10*time.Second)
	assert.ErrorIs(t, err, session.ErrConnectionClosed)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, b.Pending())
}

func TestOpenTunnelParentCancel(t *testing.T) {
	b := New()
	client := newFakeClient("device-1")
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := b.OpenTunnel(ctx, client, 10*time.Second)
		errc <- err
	}()
	nextID(t, client)
	cancel()

	err := <-errc
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTunnelTimeout))
	assert.Zero(t, b.Pending())
}

func TestAcceptUnknownID(t *testing.T) {
	b := New()
	c, _ := net.Pipe()
	assert.ErrorIs(t, b.Accept("no-such-tunnel", c), ErrUnknownTunnel)
}

func TestDuplicatePresentationHasOneWinner(t *testing.T) {
	for round := 0; round < 50; round++ {
		b := New()
		client := newFakeClient("device-1")
		res := openAsync(b, client, time.Second)
		id := nextID(t, client)

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			errs  = make([]error, 2)
			conns = make([]net.Conn, 2)
		)
		for i := range errs {
			conns[i], _ = net.Pipe()
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				errs[i] = b.Accept(id, conns[i])
			}(i)
		}
		close(start)
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
			} else {
				assert.ErrorIs(t, err, ErrUnknownTunnel)
			}
		}
		require.Equal(t, 1, winners, "round %d", round)

		r := <-res
		require.NoError(t, r.err)
		assert.Contains(t, conns, r.conn)
	}
}

func TestConcurrentTunnelsAreIndependent(t *testing.T) {
	b := New()
	client := newFakeClient("device-1")
	const n = 32

	results := make([]<-chan result, n)
	for i := range results {
		results[i] = openAsync(b, client, 2*time.Second)
	}
	for i := 0; i < n; i++ {
		c, _ := net.Pipe()
		require.NoError(t, b.Accept(nextID(t, client), c))
	}
	for _, res := range results {
		r := <-res
		require.NoError(t, r.err)
		assert.NotNil(t, r.conn)
	}
	assert.Zero(t, b.Pending())
}

func TestTunnelIDsAreRandomUUIDs(t *testing.T) {
	b := New()
	client := newFakeClient("device-1")
	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		openAsync(b, client, 20*time.Millisecond)
		id := nextID(t, client)
		u, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(4), u.Version())
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestIDCollisionsAreRetried(t *testing.T) {
	ids := []string{"T1", "T1", "T2"}
	var mu sync.Mutex
	b := New(WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}))
	client := newFakeClient("device-1")

	openAsync(b, client, time.Second)
	assert.Equal(t, "T1", nextID(t, client))
	openAsync(b, client, time.Second)
	assert.Equal(t, "T2", nextID(t, client))
	assert.Equal(t, 2, b.Pending())
}
