package forward

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"
)

// Engine carries one HTTP exchange over an established tunnel stream and
// writes the response to w. It owns tunnel and closes it before returning.
type Engine interface {
	Forward(w http.ResponseWriter, r *http.Request, tunnel net.Conn) error
}

var errNoTunnel = errors.New("forward: no tunnel in request context")

type tunnelKey struct{}

// exchange is the per-request state the shared transport and proxy reach
// through the request context.
type exchange struct {
	mu     sync.Mutex
	tunnel net.Conn
	err    error
}

// take hands the tunnel out once; a second dial for the same request fails.
func (x *exchange) take() (net.Conn, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.tunnel == nil {
		return nil, errNoTunnel
	}
	c := x.tunnel
	x.tunnel = nil
	return c, nil
}

// HTTPEngine forwards with httputil.ReverseProxy. Every request dials exactly
// the tunnel it was given, and the connection is never pooled.
type HTTPEngine struct {
	proxy *httputil.ReverseProxy
}

// NewHTTPEngine builds the engine. responseTimeout bounds the wait for the
// target's response headers; zero means no bound.
func NewHTTPEngine(responseTimeout time.Duration, onError func(w http.ResponseWriter, r *http.Request, err error)) *HTTPEngine {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			x, ok := ctx.Value(tunnelKey{}).(*exchange)
			if !ok {
				return nil, errNoTunnel
			}
			return x.take()
		},
		DisableKeepAlives:     true,
		DisableCompression:    true,
		ResponseHeaderTimeout: responseTimeout,
	}
	proxy := &httputil.ReverseProxy{
		Transport:     tr,
		FlushInterval: -1,
		Rewrite: func(pr *httputil.ProxyRequest) {
			host := pr.In.Host
			if host == "" {
				host = "backhaul"
			}
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = host
			pr.Out.Host = host
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if x, ok := r.Context().Value(tunnelKey{}).(*exchange); ok {
				x.mu.Lock()
				x.err = err
				x.mu.Unlock()
			}
			if onError != nil {
				onError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return &HTTPEngine{proxy: proxy}
}

func (e *HTTPEngine) Forward(w http.ResponseWriter, r *http.Request, tunnel net.Conn) error {
	defer tunnel.Close()
	x := &exchange{tunnel: tunnel}
	r = r.WithContext(context.WithValue(r.Context(), tunnelKey{}, x))
	e.proxy.ServeHTTP(w, r)
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}
