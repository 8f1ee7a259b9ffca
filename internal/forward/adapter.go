// Package forward turns inbound HTTP requests into tunnelled exchanges with
// the client they are addressed to.
package forward

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/matst80/backhaul/internal/broker"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/ratelimit"
	"github.com/matst80/backhaul/internal/registry"
	"github.com/matst80/backhaul/internal/session"
	"github.com/matst80/backhaul/internal/web"
)

var ErrClientNotFound = errors.New("forward: client not connected")

// InstanceHeader names the gateway instance that owns a client when it is
// not this one, for load balancers that route by client.
const InstanceHeader = "X-Backhaul-Instance"

// Adapter is the public HTTP handler. It never changes the lifecycle of a
// client connection: failures only affect the request at hand.
type Adapter struct {
	Router        Router
	Registry      *registry.Registry
	Broker        *broker.Broker
	Engine        Engine
	Limiter       *ratelimit.RateLimiter
	TunnelTimeout time.Duration
	InstanceID    string
}

// Open acquires a tunnel to identity. It fails with ErrClientNotFound without
// touching the broker when no active connection is registered.
func (a *Adapter) Open(ctx context.Context, identity string) (net.Conn, error) {
	conn, ok := a.Registry.Lookup(identity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, identity)
	}
	return a.Broker.OpenTunnel(ctx, conn, a.TunnelTimeout)
}

func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, req, ok := a.Router.Route(r)
	if !ok {
		a.fail(w, r, http.StatusNotFound, "notfound.html", "not_routable", map[string]any{"Title": "Not found"})
		return
	}
	if !a.Limiter.AllowRequest(identity) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		a.fail(w, r, http.StatusTooManyRequests, "busy.html", "rate_limited", map[string]any{"Title": "Busy", "Name": identity})
		return
	}

	tunnel, err := a.Open(r.Context(), identity)
	if err != nil {
		a.openFailed(w, r, identity, err)
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	err = a.Engine.Forward(rec, req, tunnel)
	obs.TunnelDurationSeconds.Observe(time.Since(start).Seconds())
	obs.ForwardedTotal.WithLabelValues(strconv.Itoa(rec.code())).Inc()
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("forward").Inc()
		obs.Info("forward.failed", obs.Fields{"client": identity, "path": req.URL.Path, "err": err.Error()})
		return
	}
	obs.Debug("forward.done", obs.Fields{"client": identity, "method": req.Method, "path": req.URL.Path, "status": rec.code(), "dur": time.Since(start).String()})
}

func (a *Adapter) openFailed(w http.ResponseWriter, r *http.Request, identity string, err error) {
	data := map[string]any{"Name": identity}
	switch {
	case errors.Is(err, ErrClientNotFound):
		if owner := a.remoteOwner(r.Context(), identity); owner != "" {
			w.Header().Set(InstanceHeader, owner)
		}
		data["Title"] = "Offline"
		a.fail(w, r, http.StatusServiceUnavailable, "down.html", "client_not_found", data)
	case errors.Is(err, broker.ErrTunnelTimeout):
		data["Title"] = "Timeout"
		data["Timeout"] = a.TunnelTimeout.String()
		a.fail(w, r, http.StatusGatewayTimeout, "timeout.html", "tunnel_timeout", data)
	case r.Context().Err() != nil:
		// Caller went away; nobody is left to answer.
		obs.ForwardedTotal.WithLabelValues("canceled").Inc()
		obs.Debug("forward.canceled", obs.Fields{"client": identity, "err": err.Error()})
	default:
		// session.ErrConnectionClosed, session.ErrWriteTimeout, session.ErrIO
		data["Title"] = "Bad gateway"
		data["Reason"] = reason(err)
		a.fail(w, r, http.StatusBadGateway, "badgateway.html", "tunnel_request", data)
	}
}

func (a *Adapter) remoteOwner(ctx context.Context, identity string) string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	owner, err := a.Registry.Owner(ctx, identity)
	if err != nil || owner == a.InstanceID {
		return ""
	}
	return owner
}

func (a *Adapter) fail(w http.ResponseWriter, r *http.Request, status int, page, kind string, data map[string]any) {
	obs.ForwardedTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	obs.Debug("forward.rejected", obs.Fields{"kind": kind, "host": r.Host, "path": r.URL.Path, "status": status})
	WritePage(w, status, page, data)
}

// WritePage renders an error page with status.
func WritePage(w http.ResponseWriter, status int, page string, data map[string]any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := web.Render(w, page, data); err != nil {
		obs.Error("web.render", obs.Fields{"page": page, "err": err.Error()})
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, session.ErrConnectionClosed):
		return "client disconnected"
	case errors.Is(err, session.ErrWriteTimeout):
		return "client not responding"
	default:
		return "tunnel request failed"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return http.NewResponseController(s.ResponseWriter).Hijack()
}
