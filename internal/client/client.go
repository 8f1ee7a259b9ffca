// Package client is the agent side of a tunnel: it keeps a control
// connection to the gateway and serves every announced tunnel by relaying it
// to a local target.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/session"
	"github.com/matst80/backhaul/internal/transport"
)

// ErrRejected means the gateway refused the handshake.
var ErrRejected = errors.New("client: rejected by gateway")

// stableAfter is how long a control connection must last before the
// reconnect backoff starts over.
const stableAfter = 10 * time.Second

type Client struct {
	opts    Options
	tunnels sync.WaitGroup
	active  atomic.Int64
	current atomic.Pointer[session.Conn]
}

func New(opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Client{opts: opts}, nil
}

// Run keeps a control connection up until ctx ends, reconnecting with
// exponential backoff. It returns nil once ctx is done.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: c.opts.MinBackoff, Max: c.opts.MaxBackoff, Factor: 2, Jitter: true}
	obs.Info("client.start", obs.Fields{"name": c.opts.Name, "server": c.opts.Server, "target": c.opts.Target})
	for {
		start := time.Now()
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > stableAfter {
			b.Reset()
		}
		wait := b.Duration()
		obs.Info("client.disconnected", obs.Fields{"err": obs.Err(err), "retry_in": wait.String(), "attempt": int(b.Attempt())})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Wait blocks until every in-flight tunnel has finished or ctx ends.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.tunnels.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active is the number of tunnels being relayed.
func (c *Client) Active() int64 { return c.active.Load() }

// Session is the current control connection, nil while disconnected.
func (c *Client) Session() *session.Conn { return c.current.Load() }

func (c *Client) runOnce(ctx context.Context) error {
	stream, err := c.connect(ctx)
	if err != nil {
		return err
	}
	cfg := session.Config{
		KeepAlive:         c.opts.KeepAliveInterval > 0,
		KeepAliveInterval: c.opts.KeepAliveInterval,
		WriteTimeout:      session.DefaultWriteTimeout,
	}
	conn := session.New(c.opts.Name, stream, cfg,
		session.WithRole("agent"),
		session.WithLineHandler(func(_ *session.Conn, id string) {
			c.tunnels.Add(1)
			go func() {
				defer c.tunnels.Done()
				c.serveTunnel(ctx, id)
			}()
		}))
	c.current.Store(conn)
	defer c.current.CompareAndSwap(conn, nil)
	obs.Info("client.registered", obs.Fields{"name": c.opts.Name, "session": conn.SessionID(), "server": c.opts.Server})

	if err := conn.WaitUntilClosed(ctx); err != nil {
		conn.Dispose()
		return err
	}
	return session.ErrConnectionClosed
}

// connect dials the control endpoint and authenticates. Raw streams use the
// JSON handshake line; WebSocket carries credentials on the upgrade request.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	u, _ := url.Parse(c.opts.Server)
	if u.Scheme == "ws" || u.Scheme == "wss" {
		stream, err := transport.Dial(dctx, c.opts.Server, c.header(), c.opts.TLSConfig)
		if err != nil {
			return nil, fmt.Errorf("dial control: %w", err)
		}
		return stream, nil
	}

	stream, err := transport.Dial(dctx, c.opts.Server, nil, c.opts.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("dial control: %w", err)
	}
	_ = stream.SetDeadline(time.Now().Add(c.opts.ConnectTimeout))
	if err := proto.WriteJSONLine(stream, proto.Auth{Token: c.opts.Token, Name: c.opts.Name, Target: c.opts.Target}); err != nil {
		stream.Close()
		return nil, err
	}
	rd := proto.NewReader(stream)
	var reply struct {
		proto.AuthOK
		proto.AuthError
	}
	if err := proto.ReadJSONLine(rd, &reply); err != nil {
		stream.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if reply.Error != "" {
		stream.Close()
		return nil, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}
	_ = stream.SetDeadline(time.Time{})
	return transport.NewBufferedConn(stream, rd), nil
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.opts.Token)
	h.Set(proto.NameHeader, c.opts.Name)
	return h
}

func (c *Client) dialTarget(ctx context.Context) (net.Conn, error) {
	addr, host, secure := c.opts.targetAddr()
	if !secure {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	cfg := c.opts.TargetTLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	d := tls.Dialer{Config: cfg}
	return d.DialContext(ctx, "tcp", addr)
}
