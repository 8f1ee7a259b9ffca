package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { obs.SetOutput(io.Discard) }

func newPipeConn(t *testing.T, cfg Config, opts ...Option) (*Conn, net.Conn, *bufio.Reader) {
	t.Helper()
	local, remote := net.Pipe()
	c := New("device-1", local, cfg, opts...)
	t.Cleanup(func() {
		c.Dispose()
		_ = remote.Close()
	})
	return c, remote, proto.NewReader(remote)
}

func readPeerLine(t *testing.T, remote net.Conn, r *bufio.Reader, within time.Duration) string {
	t.Helper()
	require.NoError(t, remote.SetReadDeadline(time.Now().Add(within)))
	line, err := proto.ReadLine(r)
	require.NoError(t, err)
	return line
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	_, remote, r := newPipeConn(t, Config{})

	_, err := remote.Write(proto.PingLine)
	require.NoError(t, err)
	assert.Equal(t, proto.Pong, readPeerLine(t, remote, r, time.Second))
}

func TestPongIsRecorded(t *testing.T) {
	c, remote, _ := newPipeConn(t, Config{})
	assert.True(t, c.LastPong().IsZero())

	_, err := remote.Write(proto.PongLine)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !c.LastPong().IsZero() }, time.Second, 5*time.Millisecond)
}

func TestKeepAliveSendsPing(t *testing.T) {
	_, remote, r := newPipeConn(t, Config{KeepAlive: true, KeepAliveInterval: 30 * time.Millisecond})

	assert.Equal(t, proto.Ping, readPeerLine(t, remote, r, time.Second))
	assert.Equal(t, proto.Ping, readPeerLine(t, remote, r, time.Second))
}

func TestKeepAliveTimeoutDisposes(t *testing.T) {
	cfg := Config{KeepAlive: true, KeepAliveInterval: 40 * time.Millisecond}.WithGraceMargin(40 * time.Millisecond)
	c, _, _ := newPipeConn(t, cfg)
	assert.Equal(t, 80*time.Millisecond, cfg.Timeout())

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitUntilClosed(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, StateClosed, c.State())
}

func TestTrafficExtendsKeepAliveDeadline(t *testing.T) {
	cfg := Config{KeepAlive: true, KeepAliveInterval: 100 * time.Millisecond}.WithGraceMargin(100 * time.Millisecond)
	c, remote, _ := newPipeConn(t, cfg)

	// Pongs every 50ms keep the 200ms read timeout from firing.
	for i := 0; i < 8; i++ {
		_, err := remote.Write(proto.PongLine)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, StateActive, c.State())
}

func TestDefaultTimeoutIsIntervalPlusGrace(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 35*time.Second, cfg.Timeout())

	cfg.KeepAlive = false
	assert.Zero(t, cfg.Timeout())

	cfg = Config{KeepAlive: true}
	assert.Zero(t, cfg.Timeout())
}

func TestKeepAliveDisabledIsInert(t *testing.T) {
	c, remote, r := newPipeConn(t, Config{KeepAlive: false, KeepAliveInterval: 10 * time.Millisecond})

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, err := proto.ReadLine(r)
	assert.True(t, isTimeout(err), "expected no traffic, got %v", err)
	assert.Equal(t, StateActive, c.State())
}

func TestRequestTunnelWritesLine(t *testing.T) {
	c, remote, r := newPipeConn(t, Config{})

	errc := make(chan error, 1)
	go func() { errc <- c.RequestTunnel(context.Background(), "T1") }()
	assert.Equal(t, "T1", readPeerLine(t, remote, r, time.Second))
	require.NoError(t, <-errc)
}

func TestRequestTunnelRejectsInvalidID(t *testing.T) {
	c, _, _ := newPipeConn(t, Config{})
	assert.Error(t, c.RequestTunnel(context.Background(), ""))
	assert.Error(t, c.RequestTunnel(context.Background(), "a\r\nPING"))
}

func TestRequestTunnelAfterDispose(t *testing.T) {
	c, _, _ := newPipeConn(t, Config{})
	c.Dispose()
	assert.ErrorIs(t, c.RequestTunnel(context.Background(), "T1"), ErrConnectionClosed)
}

func TestRequestTunnelWriteTimeout(t *testing.T) {
	c, _, _ := newPipeConn(t, Config{WriteTimeout: 50 * time.Millisecond})

	// Nobody reads the peer end, so the synchronous pipe never drains.
	err := c.RequestTunnel(context.Background(), "T1")
	assert.ErrorIs(t, err, ErrWriteTimeout)
	// Nothing reached the wire, so the connection stays usable.
	assert.Equal(t, StateActive, c.State())
}

func TestPartialWriteDisposes(t *testing.T) {
	c, remote, _ := newPipeConn(t, Config{WriteTimeout: 50 * time.Millisecond})

	head := make(chan string, 1)
	go func() {
		buf := make([]byte, 3)
		n, _ := io.ReadFull(remote, buf)
		head <- string(buf[:n])
	}()

	err := c.RequestTunnel(context.Background(), "ABCDEFGH")
	require.ErrorIs(t, err, ErrWriteTimeout)
	assert.Equal(t, "ABC", <-head)

	// The peer holds a torn line; nothing more may follow it.
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.RequestTunnel(context.Background(), "T2"), ErrConnectionClosed)
}

func TestPeerCloseEndsWait(t *testing.T) {
	c, remote, _ := newPipeConn(t, Config{})
	require.NoError(t, remote.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.WaitUntilClosed(ctx))
	assert.Equal(t, StateClosed, c.State())
}

func TestWaitUntilClosedHonoursContext(t *testing.T) {
	c, _, _ := newPipeConn(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitUntilClosed(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateActive, c.State())
}

func TestDisposeIsIdempotent(t *testing.T) {
	var closes atomic.Int32
	c, _, _ := newPipeConn(t, Config{KeepAlive: true, KeepAliveInterval: 10 * time.Millisecond},
		WithOnClose(func(*Conn) { closes.Add(1) }))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Dispose()
		}()
	}
	wg.Wait()
	<-c.Done()
	assert.Equal(t, int32(1), closes.Load())
	assert.Equal(t, StateClosed, c.State())
}

func TestUnknownLinesReachHandler(t *testing.T) {
	lines := make(chan string, 1)
	c, remote, _ := newPipeConn(t, Config{}, WithLineHandler(func(_ *Conn, line string) { lines <- line }))

	_, err := remote.Write([]byte("hello\r\n\r\n"))
	require.NoError(t, err)
	select {
	case got := <-lines:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("line handler not called")
	}
	assert.Equal(t, StateActive, c.State())
}

func TestUnknownLinesIgnoredWithoutHandler(t *testing.T) {
	c, remote, r := newPipeConn(t, Config{})

	_, err := remote.Write([]byte("something-else\r\nPING\r\n"))
	require.NoError(t, err)
	assert.Equal(t, proto.Pong, readPeerLine(t, remote, r, time.Second))
	assert.Equal(t, StateActive, c.State())
}

func TestConcurrentWritesStayWholeLines(t *testing.T) {
	c, remote, r := newPipeConn(t, Config{KeepAlive: true, KeepAliveInterval: 2 * time.Millisecond})

	const n = 50
	want := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		want[fmt.Sprintf("tunnel-%02d", i)] = true
	}
	errc := make(chan error, n)
	for id := range want {
		go func(id string) { errc <- c.RequestTunnel(context.Background(), id) }(id)
	}

	seen := 0
	for seen < n {
		line := readPeerLine(t, remote, r, 2*time.Second)
		if line == proto.Ping {
			continue
		}
		require.True(t, want[line], "unexpected line %q", line)
		delete(want, line)
		seen++
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errc)
	}
}
