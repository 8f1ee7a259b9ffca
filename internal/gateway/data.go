package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/matst80/backhaul/internal/broker"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/transport"
)

// ServeData accepts raw data connections until ctx ends.
func (s *Server) ServeData(ctx context.Context, ln net.Listener) error {
	return transport.AcceptLoop(ctx, ln, "data", s.HandleData)
}

// HandleData reads the tunnel id a client presents as the first line and
// hands the stream to the waiting request. Unknown ids are closed.
func (s *Server) HandleData(c net.Conn) {
	remote := c.RemoteAddr().String()
	_ = c.SetReadDeadline(s.handshakeDeadline())
	rd := proto.NewReader(c)
	id, err := proto.ReadLine(rd)
	if err != nil || id == "" {
		obs.Error("data.read", obs.Fields{"err": obs.Err(err), "remote": remote})
		obs.ErrorsTotal.WithLabelValues("data_read").Inc()
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	stream := newMeteredConn(transport.NewBufferedConn(c, rd), id)
	if err := s.broker.Accept(id, stream); err != nil {
		if errors.Is(err, broker.ErrUnknownTunnel) {
			obs.Info("data.no_pending", obs.Fields{"id": id, "remote": remote})
		}
		_ = c.Close()
	}
}

// DataHandler accepts data connections over WebSocket.
func (s *Server) DataHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream, err := transport.Upgrade(w, r)
		if err != nil {
			obs.Error("data.ws.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
			return
		}
		s.HandleData(stream)
	})
}

// meteredConn counts tunnel bytes and logs them once on close.
type meteredConn struct {
	net.Conn
	id      string
	start   time.Time
	in, out atomic.Int64
	once    sync.Once
}

func newMeteredConn(c net.Conn, id string) *meteredConn {
	return &meteredConn{Conn: c, id: id, start: time.Now()}
}

func (m *meteredConn) Read(p []byte) (int, error) {
	n, err := m.Conn.Read(p)
	m.in.Add(int64(n))
	return n, err
}

func (m *meteredConn) Write(p []byte) (int, error) {
	n, err := m.Conn.Write(p)
	m.out.Add(int64(n))
	return n, err
}

func (m *meteredConn) Close() error {
	err := m.Conn.Close()
	m.once.Do(func() {
		obs.Debug("tunnel.closed", obs.Fields{
			"id":       m.id,
			"sent":     sizestr.ToString(m.out.Load()),
			"received": sizestr.ToString(m.in.Load()),
			"dur":      time.Since(m.start).String(),
		})
	})
	return err
}
