package forward

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matst80/backhaul/internal/broker"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/ratelimit"
	"github.com/matst80/backhaul/internal/registry"
	"github.com/matst80/backhaul/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { obs.SetOutput(io.Discard) }

type harness struct {
	reg     *registry.Registry
	broker  *broker.Broker
	adapter *Adapter
	tunnels atomic.Int32
}

func newHarness(t *testing.T, presence registry.Presence) *harness {
	t.Helper()
	h := &harness{reg: registry.New(presence)}
	h.broker = broker.New(broker.WithIDGenerator(func() string {
		return fmt.Sprintf("T%d", h.tunnels.Add(1))
	}))
	h.adapter = &Adapter{
		Router:        Router{BaseDomain: "example.com"},
		Registry:      h.reg,
		Broker:        h.broker,
		Engine:        NewHTTPEngine(0, nil),
		TunnelTimeout: time.Second,
		InstanceID:    "gw-1",
	}
	t.Cleanup(h.reg.CloseAll)
	return h
}

// connect registers identity and runs a fake agent that serves every
// announced tunnel with handler. A nil handler leaves announcements unanswered.
func (h *harness) connect(t *testing.T, identity string, handler http.Handler) *session.Conn {
	t.Helper()
	if handler == nil {
		return h.connectWith(t, identity, nil)
	}
	return h.connectWith(t, identity, func(agent net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(agent))
		if err != nil {
			return
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		_ = rec.Result().Write(agent)
	})
}

func (h *harness) connectWith(t *testing.T, identity string, serveTunnel func(agent net.Conn)) *session.Conn {
	t.Helper()
	gwEnd, agentEnd := net.Pipe()
	conn := session.New(identity, gwEnd, session.Config{})
	var opts []session.Option
	if serveTunnel != nil {
		opts = append(opts, session.WithLineHandler(func(_ *session.Conn, id string) {
			go h.acceptTunnel(id, serveTunnel)
		}))
	}
	agent := session.New(identity, agentEnd, session.Config{}, append(opts, session.WithRole("agent"))...)
	t.Cleanup(agent.Dispose)
	h.reg.Register(identity, conn)
	return conn
}

func (h *harness) acceptTunnel(id string, serve func(net.Conn)) {
	gw, agent := net.Pipe()
	if err := h.broker.Accept(id, gw); err != nil {
		gw.Close()
		agent.Close()
		return
	}
	defer agent.Close()
	serve(agent)
}

func echo() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Path", r.URL.RequestURI())
		w.Header().Set("X-Seen-Host", r.Host)
		w.Header().Set("X-Seen-XFF", r.Header.Get("X-Forwarded-For"))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, "hello from agent")
	})
}

func serve(a *Adapter, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	return rec
}

func TestForwardsByPathPrefix(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t, "device-1", echo())

	rec := serve(h.adapter, httptest.NewRequest(http.MethodGet, "http://gateway.local/device-1/api/items?q=1", nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "hello from agent", rec.Body.String())
	assert.Equal(t, "/api/items?q=1", rec.Header().Get("X-Seen-Path"))
	assert.Equal(t, "gateway.local", rec.Header().Get("X-Seen-Host"))
	assert.Equal(t, "192.0.2.1", rec.Header().Get("X-Seen-XFF"))
	assert.Zero(t, h.broker.Pending())
	assert.Equal(t, session.StateActive, conn.State())
}

func TestForwardsByHost(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "device-1", echo())

	rec := serve(h.adapter, httptest.NewRequest(http.MethodGet, "http://device-1.example.com:8080/device-2/x", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/device-2/x", rec.Header().Get("X-Seen-Path"))
}

func TestSequentialRequestsUseFreshTunnels(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "device-1", echo())

	for i := 0; i < 3; i++ {
		rec := serve(h.adapter, httptest.NewRequest(http.MethodGet, "http://gateway.local/device-1/", nil))
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	assert.Equal(t, int32(3), h.tunnels.Load())
}

func TestUnknownClientSkipsBroker(t *testing.T) {
	h := newHarness(t, nil)

	rec := serve(h.adapter, httptest.NewRequest(http.MethodGet, "http://gateway.local/ghost/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "ghost")
	assert.Zero(t, h.tunnels.Load())
	assert.Empty(t, rec.Header().Get(InstanceHeader))

	_, err := h.adapter.Open(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

type remotePresence struct{ *registry.MemoryPresence }

func (remotePresence) Owner(context.Context, string) (string, error) { return "gw-2", nil }

func TestUnknownClientOwnedElsewhere(t *testing.T) {
	h := newHarness(t, remotePresence{registry.NewMemoryPresence("gw-1")})

	rec := serve(h.adapter, httptest.NewRequest(http.MethodGet, "http://gateway.local/device-9/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "gw-2", rec.Header().Get(InstanceHeader))
}

func TestUnroutableRequest(t *testing.T) {
	h := newHarness(t, nil)
	rec := serve(h.adapter, httptest.NewRequest(http.MethodGet, "http://gateway.local/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, h.tunnels.Load())
}

func TestTunnelTimeoutLeavesClientConnected(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.TunnelTimeout = 100 * time.Millisecond
	conn := h.connect(t, "device-1", nil)

	start := time.Now()
	rec := serve(h.adapter, httptest.NewRequest(http.MethodGet, "http://gateway.local/device-1/", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, h.broker.Pending())
	assert.Equal(t, session.StateActive, conn.State())

	got, ok := h.reg.Lookup("device-1")
	require.True(t, ok)
	assert.Same(t, conn, got)
}

func TestStalledControlStreamIsBadGateway(t *testing.T) {
	h := newHarness(t, nil)
	gwEnd, agentEnd := net.Pipe()
	t.Cleanup(func() { agentEnd.Close() })
	// Nobody reads agentEnd, so announcing a tunnel hits the write timeout.
	conn := session.New("device-1", gwEnd, session.Config{WriteTimeout: 50 * time.Millisecond})
	h.reg.Register("device-1", conn)

	rec := serve(h.adapter, httptest.NewRequest(http.MethodGet, "http://gateway.local/device-1/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "not responding")
	assert.Zero(t, h.broker.Pending())
}

func TestRateLimitedRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.Limiter = ratelimit.NewRateLimiter(0, 0, 0, 1, 1)

	first := serve(h.adapter, httptest.NewRequest(http.MethodGet, "http://gateway.local/device-1/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, first.Code)
	second := serve(h.adapter, httptest.NewRequest(http.MethodGet, "http://gateway.local/device-1/", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestTargetFailureIsBadGateway(t *testing.T) {
	h := newHarness(t, nil)
	var errs atomic.Int32
	h.adapter.Engine = NewHTTPEngine(0, func(w http.ResponseWriter, _ *http.Request, _ error) {
		errs.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	// The agent accepts the tunnel and hangs up without answering.
	conn := h.connectWith(t, "device-1", func(agent net.Conn) {})

	rec := serve(h.adapter, httptest.NewRequest(http.MethodGet, "http://gateway.local/device-1/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Positive(t, errs.Load())
	assert.Equal(t, session.StateActive, conn.State())
}
