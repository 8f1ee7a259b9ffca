package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/matst80/backhaul/internal/auth"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/session"
	"github.com/matst80/backhaul/internal/transport"
)

var errRateLimited = errors.New("rate limited")

// ServeControl accepts raw control connections, each opening with a JSON
// handshake line, until ctx ends.
func (s *Server) ServeControl(ctx context.Context, ln net.Listener) error {
	return transport.AcceptLoop(ctx, ln, "control", func(c net.Conn) { s.handshake(ctx, c) })
}

func (s *Server) handshake(ctx context.Context, c net.Conn) {
	remote := c.RemoteAddr().String()
	_ = c.SetDeadline(s.handshakeDeadline())
	rd := proto.NewReader(c)
	var hello proto.Auth
	if err := proto.ReadJSONLine(rd, &hello); err != nil {
		obs.Error("control.auth.read", obs.Fields{"err": err.Error(), "remote": remote})
		obs.ErrorsTotal.WithLabelValues("auth_json").Inc()
		_ = c.Close()
		return
	}
	identity, err := s.admit(ctx, auth.Credentials{Name: hello.Name, Token: hello.Token, Remote: remote})
	if err != nil {
		_ = proto.WriteJSONLine(c, proto.AuthError{Error: err.Error()})
		_ = c.Close()
		return
	}
	if err := proto.WriteJSONLine(c, proto.AuthOK{Msg: "ok"}); err != nil {
		_ = c.Close()
		return
	}
	_ = c.SetDeadline(time.Time{})
	obs.Debug("control.auth.ok", obs.Fields{"client": identity, "target": hello.Target, "remote": remote})
	s.HandleControl(ctx, identity, transport.NewBufferedConn(c, rd))
}

// admit validates credentials and applies the registration rate limit.
func (s *Server) admit(ctx context.Context, creds auth.Credentials) (string, error) {
	if s.closing.Load() {
		return "", errors.New("shutting down")
	}
	identity, err := s.validator.Validate(ctx, creds)
	if err != nil {
		kind := "auth_token"
		if errors.Is(err, auth.ErrInvalidIdentity) {
			kind = "auth_invalid_name"
		}
		obs.ErrorsTotal.WithLabelValues(kind).Inc()
		obs.Error("control.auth.rejected", obs.Fields{"name": creds.Name, "remote": creds.Remote, "err": err.Error()})
		return "", err
	}
	if !s.limiter.AllowConnection(identity) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		obs.Info("control.rate_limited", obs.Fields{"client": identity, "remote": creds.Remote})
		return "", errRateLimited
	}
	return identity, nil
}

// HandleControl runs an authenticated control stream for identity until it
// closes or ctx ends. Registering replaces any earlier connection for the
// same identity.
func (s *Server) HandleControl(ctx context.Context, identity string, stream net.Conn) {
	conn := session.New(identity, stream, s.cfg.Session, session.WithRole("gateway"))
	s.registry.Register(identity, conn)
	if err := conn.WaitUntilClosed(ctx); err != nil {
		conn.Dispose()
	}
}

// ControlHandler accepts control connections over WebSocket. Credentials are
// checked before the upgrade so rejected clients get a plain HTTP status.
func (s *Server) ControlHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.admit(r.Context(), auth.FromRequest(r))
		switch {
		case errors.Is(err, errRateLimited):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		stream, err := transport.Upgrade(w, r)
		if err != nil {
			obs.Error("control.ws.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
			return
		}
		s.HandleControl(r.Context(), identity, stream)
	})
}
