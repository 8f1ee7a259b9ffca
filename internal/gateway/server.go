// Package gateway wires the registry, broker and forwarding adapter to the
// control, data and public listeners of one gateway instance.
package gateway

import (
	"sync/atomic"
	"time"

	"github.com/matst80/backhaul/internal/auth"
	"github.com/matst80/backhaul/internal/broker"
	"github.com/matst80/backhaul/internal/forward"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/ratelimit"
	"github.com/matst80/backhaul/internal/registry"
	"github.com/matst80/backhaul/internal/session"
)

type Config struct {
	Session session.Config
	// TunnelTimeout bounds how long a request waits for its data connection.
	TunnelTimeout time.Duration
	// ConnectTimeout bounds the handshake line on control and data connections, 0 for none.
	ConnectTimeout time.Duration
	// ResponseTimeout bounds the wait for the target's response headers, 0 for none.
	ResponseTimeout     time.Duration
	BaseDomain          string
	InstanceID          string
	MaintenanceInterval time.Duration
	Debug               bool
}

func DefaultConfig() Config {
	return Config{
		Session:             session.DefaultConfig(),
		TunnelTimeout:       10 * time.Second,
		ConnectTimeout:      10 * time.Second,
		InstanceID:          "local",
		MaintenanceInterval: 30 * time.Second,
	}
}

// Server is one gateway instance. Nothing in it is global except metrics.
type Server struct {
	cfg       Config
	validator auth.Validator
	presence  registry.Presence
	limiter   *ratelimit.RateLimiter
	registry  *registry.Registry
	broker    *broker.Broker
	adapter   *forward.Adapter
	started   time.Time

	ready   atomic.Bool
	closing atomic.Bool
}

// New builds a server. A nil validator accepts any valid name, a nil
// presence keeps presence in memory and a nil limiter never limits.
func New(cfg Config, validator auth.Validator, presence registry.Presence, limiter *ratelimit.RateLimiter) *Server {
	if validator == nil {
		validator = auth.StaticToken{}
	}
	if presence == nil {
		presence = registry.NewMemoryPresence(cfg.InstanceID)
	}
	s := &Server{
		cfg:       cfg,
		validator: validator,
		presence:  presence,
		limiter:   limiter,
		registry:  registry.New(presence),
		broker:    broker.New(),
		started:   time.Now(),
	}
	s.adapter = &forward.Adapter{
		Router:        forward.Router{BaseDomain: cfg.BaseDomain},
		Registry:      s.registry,
		Broker:        s.broker,
		Engine:        forward.NewHTTPEngine(cfg.ResponseTimeout, badGateway),
		Limiter:       limiter,
		TunnelTimeout: cfg.TunnelTimeout,
		InstanceID:    cfg.InstanceID,
	}
	return s
}

// handshakeDeadline is the deadline for reading a handshake line. The zero
// time clears any deadline.
func (s *Server) handshakeDeadline() time.Time {
	if s.cfg.ConnectTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.cfg.ConnectTimeout)
}

func (s *Server) Registry() *registry.Registry { return s.registry }
func (s *Server) Broker() *broker.Broker       { return s.broker }
func (s *Server) Adapter() *forward.Adapter    { return s.adapter }

// SetReady flips the readiness reported by /readyz.
func (s *Server) SetReady(v bool) { s.ready.Store(v) }

// Shutdown stops accepting work and disposes every client connection.
func (s *Server) Shutdown() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.ready.Store(false)
	s.registry.CloseAll()
	if err := s.presence.Close(); err != nil {
		obs.Error("presence.close", obs.Fields{"err": err.Error()})
	}
	obs.Info("gateway.shutdown", obs.Fields{"instance": s.cfg.InstanceID})
}

// Stats is the dashboard and state API view of the gateway.
type Stats struct {
	Instance     string           `json:"instance"`
	Clients      int              `json:"clients"`
	Pending      int              `json:"pending"`
	TotalTunnels int64            `json:"total_tunnels"`
	Timeouts     int64            `json:"timeouts"`
	Uptime       string           `json:"uptime"`
	Entries      []registry.Entry `json:"entries"`
	Now          string           `json:"now"`
}

func (s *Server) Stats() Stats {
	total, timeouts := s.broker.Totals()
	entries := s.registry.Snapshot()
	return Stats{
		Instance:     s.cfg.InstanceID,
		Clients:      len(entries),
		Pending:      s.broker.Pending(),
		TotalTunnels: total,
		Timeouts:     timeouts,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Entries:      entries,
		Now:          time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering.
func (st Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Title":    "dashboard",
		"Instance": st.Instance,
		"Clients":  st.Clients,
		"Pending":  st.Pending,
		"Total":    st.TotalTunnels,
		"Timeouts": st.Timeouts,
		"Uptime":   st.Uptime,
		"Entries":  st.Entries,
	}
}
