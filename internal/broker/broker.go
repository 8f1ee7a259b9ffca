// Package broker correlates a request for a tunnel to a client with the data
// connection that client opens in response.
package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/backhaul/internal/obs"
)

var (
	// ErrTunnelTimeout means no data connection presented the id in time.
	ErrTunnelTimeout = errors.New("broker: timed out waiting for tunnel data connection")
	// ErrUnknownTunnel means the presented id is not pending: forged, late or already matched.
	ErrUnknownTunnel = errors.New("broker: unknown tunnel id")
)

// Announcer asks a client to open a data connection presenting tunnelID.
type Announcer interface {
	ID() string
	RequestTunnel(ctx context.Context, tunnelID string) error
}

type pendingTunnel struct {
	client  string
	created time.Time
	ready   chan net.Conn // buffered(1), filled at most once
}

// Broker owns the pending tunnel table.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingTunnel
	newID   func() string

	established atomic.Int64
	timeouts    atomic.Int64
}

type Option func(*Broker)

// WithIDGenerator replaces the random UUID generator. Ids must be unpredictable.
func WithIDGenerator(fn func() string) Option {
	return func(b *Broker) { b.newID = fn }
}

func New(opts ...Option) *Broker {
	b := &Broker{
		pending: make(map[string]*pendingTunnel),
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OpenTunnel announces a fresh tunnel id to client and waits up to timeout for
// the matching data connection. A failed announcement is returned at once.
// A timeout of zero or less leaves only ctx as the bound.
func (b *Broker) OpenTunnel(ctx context.Context, client Announcer, timeout time.Duration) (net.Conn, error) {
	id, p := b.insert(client.ID())
	start := time.Now()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTunnelTimeout)
		defer cancel()
	}

	if err := client.RequestTunnel(ctx, id); err != nil {
		b.remove(id)
		obs.ErrorsTotal.WithLabelValues("tunnel_request").Inc()
		obs.Info("tunnel.request.failed", obs.Fields{"id": id, "client": p.client, "err": err.Error()})
		return nil, err
	}

	select {
	case stream := <-p.ready:
		obs.TunnelAcquireSeconds.Observe(time.Since(start).Seconds())
		return stream, nil
	case <-ctx.Done():
		if !b.remove(id) {
			// Accept won the race and has already handed over the stream.
			obs.TunnelAcquireSeconds.Observe(time.Since(start).Seconds())
			return <-p.ready, nil
		}
		err := context.Cause(ctx)
		if errors.Is(err, ErrTunnelTimeout) {
			b.timeouts.Add(1)
			obs.TunnelTimeoutTotal.Inc()
			obs.ErrorsTotal.WithLabelValues("timeout").Inc()
			obs.Info("tunnel.timeout", obs.Fields{"id": id, "client": p.client, "timeout": timeout.String()})
		}
		return nil, err
	}
}

// Accept matches stream to the pending tunnel id. Exactly one caller can win
// an id; everyone else gets ErrUnknownTunnel and must close their stream.
func (b *Broker) Accept(tunnelID string, stream net.Conn) error {
	b.mu.Lock()
	p, ok := b.pending[tunnelID]
	if ok {
		delete(b.pending, tunnelID)
		obs.PendingTunnels.Set(float64(len(b.pending)))
	}
	b.mu.Unlock()
	if !ok {
		obs.ErrorsTotal.WithLabelValues("unknown_tunnel").Inc()
		return ErrUnknownTunnel
	}
	p.ready <- stream
	b.established.Add(1)
	obs.TunnelEstablishedTotal.Inc()
	obs.Debug("tunnel.established", obs.Fields{"id": tunnelID, "client": p.client, "wait": time.Since(p.created).String()})
	return nil
}

// Pending is the number of tunnel requests waiting for a data connection.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Totals reports tunnels matched and tunnel requests timed out since start.
func (b *Broker) Totals() (established, timeouts int64) {
	return b.established.Load(), b.timeouts.Load()
}

func (b *Broker) insert(client string) (string, *pendingTunnel) {
	p := &pendingTunnel{client: client, created: time.Now(), ready: make(chan net.Conn, 1)}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.newID()
	for _, taken := b.pending[id]; taken; _, taken = b.pending[id] {
		id = b.newID()
	}
	b.pending[id] = p
	obs.PendingTunnels.Set(float64(len(b.pending)))
	return id, p
}

func (b *Broker) remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[id]; !ok {
		return false
	}
	delete(b.pending, id)
	obs.PendingTunnels.Set(float64(len(b.pending)))
	return true
}
