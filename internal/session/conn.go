package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
)

type State int32

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// LineHandler receives every non-heartbeat line read from the stream. It runs
// on the read loop, so it must not block.
type LineHandler func(c *Conn, line string)

type Option func(*Conn)

func WithLineHandler(h LineHandler) Option {
	return func(c *Conn) { c.onLine = h }
}

// WithOnClose registers fn to run once, after the connection is fully closed.
func WithOnClose(fn func(*Conn)) Option {
	return func(c *Conn) { c.onClose = append(c.onClose, fn) }
}

// WithRole tags log lines, e.g. "gateway" or "agent".
func WithRole(role string) Option {
	return func(c *Conn) { c.role = role }
}

// Conn is one live control connection. It exclusively owns stream: the read
// loop is the only reader and every write goes through write.
type Conn struct {
	id        string
	sessionID string
	role      string
	stream    net.Conn
	cfg       Config
	timeout   time.Duration
	created   time.Time

	wmu sync.Mutex

	state    atomic.Int32
	lastPong atomic.Int64
	stop     chan struct{}
	closed   chan struct{}

	onLine  LineHandler
	onClose []func(*Conn)
}

// New takes ownership of stream and starts the read loop and, when enabled,
// the ping ticker. The returned connection is Active.
func New(id string, stream net.Conn, cfg Config, opts ...Option) *Conn {
	c := &Conn{
		id:        id,
		sessionID: uuid.NewString(),
		role:      "gateway",
		stream:    stream,
		cfg:       cfg,
		timeout:   cfg.Timeout(),
		created:   time.Now(),
		stop:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.readLoop()
	if cfg.keepAliveEnabled() {
		go c.keepAlive(cfg.KeepAliveInterval)
	}
	obs.Debug("session.open", c.fields(obs.Fields{"keepalive_timeout": c.timeout.String()}))
	return c
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) SessionID() string     { return c.sessionID }
func (c *Conn) CreatedAt() time.Time  { return c.created }
func (c *Conn) State() State          { return State(c.state.Load()) }
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) RemoteAddr() string {
	if a := c.stream.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// LastPong is the time the last PONG arrived, zero if none has.
func (c *Conn) LastPong() time.Time {
	n := c.lastPong.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s/%s", c.id, c.sessionID)
}

// RequestTunnel announces tunnelID to the peer, which is expected to open a
// new data connection presenting it.
func (c *Conn) RequestTunnel(ctx context.Context, tunnelID string) error {
	if tunnelID == "" || strings.ContainsAny(tunnelID, "\r\n") {
		return fmt.Errorf("session: invalid tunnel id %q", tunnelID)
	}
	if err := c.write(ctx, proto.TunnelLine(tunnelID)); err != nil {
		return err
	}
	obs.Debug("session.tunnel.announced", c.fields(obs.Fields{"tunnel": tunnelID}))
	return nil
}

// WaitUntilClosed blocks until the connection is disposed. A clean close and a
// keep-alive timeout both return nil; only ctx ending first is an error.
func (c *Conn) WaitUntilClosed(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose stops the ticker, closes the stream and releases waiters. Only the
// first call has any effect; it is safe from any goroutine.
func (c *Conn) Dispose() {
	if !c.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) {
		return
	}
	close(c.stop)
	err := c.stream.Close()
	c.state.Store(int32(StateClosed))
	close(c.closed)
	for _, fn := range c.onClose {
		fn(c)
	}
	obs.Debug("session.closed", c.fields(obs.Fields{"age": time.Since(c.created).String(), "close_err": obs.Err(err)}))
}

func (c *Conn) readLoop() {
	defer c.Dispose()
	r := proto.NewReader(c.stream)
	for {
		line, err := c.readLine(r)
		if err != nil {
			c.logReadEnd(err)
			return
		}
		switch line {
		case "":
		case proto.Ping:
			obs.HeartbeatsTotal.WithLabelValues("in", "ping").Inc()
			if err := c.write(context.Background(), proto.PongLine); err != nil {
				obs.Debug("session.pong.failed", c.fields(obs.Fields{"err": err.Error()}))
				return
			}
			obs.HeartbeatsTotal.WithLabelValues("out", "pong").Inc()
			obs.Debug("session.pong", c.fields(nil))
		case proto.Pong:
			c.lastPong.Store(time.Now().UnixNano())
			obs.HeartbeatsTotal.WithLabelValues("in", "pong").Inc()
		default:
			if c.onLine == nil {
				obs.Debug("session.line.ignored", c.fields(obs.Fields{"line": line}))
				continue
			}
			c.onLine(c, line)
		}
	}
}

// readLine is one read bounded by the keep-alive timeout, or unbounded when
// keep-alive is off.
func (c *Conn) readLine(r *bufio.Reader) (string, error) {
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.stream.SetReadDeadline(deadline); err != nil && c.State() != StateActive {
		return "", ErrConnectionClosed
	}
	return proto.ReadLine(r)
}

func (c *Conn) logReadEnd(err error) {
	switch {
	case c.State() != StateActive:
		obs.Debug("session.read.disposed", c.fields(nil))
	case errors.Is(err, io.EOF):
		obs.Info("session.eof", c.fields(nil))
	case isTimeout(err):
		obs.KeepAliveTimeoutsTotal.Inc()
		obs.Info("session.keepalive.timeout", c.fields(obs.Fields{"timeout": c.timeout.String()}))
	case errors.Is(err, proto.ErrLineTooLong):
		obs.ErrorsTotal.WithLabelValues("line_too_long").Inc()
		obs.Error("session.line.too_long", c.fields(nil))
	default:
		obs.Info("session.read.error", c.fields(obs.Fields{"err": err.Error()}))
	}
}

func (c *Conn) keepAlive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if err := c.write(context.Background(), proto.PingLine); err != nil {
				if !errors.Is(err, ErrConnectionClosed) {
					obs.Info("session.ping.failed", c.fields(obs.Fields{"err": err.Error()}))
				}
				c.Dispose()
				return
			}
			obs.HeartbeatsTotal.WithLabelValues("out", "ping").Inc()
			obs.Debug("session.ping", c.fields(nil))
		}
	}
}

// write is the single write path for the stream. Lines never interleave.
func (c *Conn) write(ctx context.Context, line []byte) error {
	if c.State() != StateActive {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.State() != StateActive {
		return ErrConnectionClosed
	}
	deadline := time.Now().Add(c.cfg.writeTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.stream.SetWriteDeadline(deadline)
	n, err := c.stream.Write(line)
	if err == nil {
		return nil
	}
	if c.State() != StateActive || isClosed(err) {
		return ErrConnectionClosed
	}
	// Only a timeout with nothing written leaves the line framing intact.
	if n > 0 || !isTimeout(err) {
		obs.Info("session.write.broken", c.fields(obs.Fields{"written": n, "len": len(line), "err": err.Error()}))
		c.Dispose()
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrWriteTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

func (c *Conn) fields(f obs.Fields) obs.Fields {
	if f == nil {
		f = obs.Fields{}
	}
	f["client"] = c.id
	f["session"] = c.sessionID
	f["role"] = c.role
	return f
}
