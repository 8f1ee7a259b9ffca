package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveClients          = promauto.NewGauge(prometheus.GaugeOpts{Name: "backhaul_active_clients", Help: "Current registered clients"})
	PendingTunnels         = promauto.NewGauge(prometheus.GaugeOpts{Name: "backhaul_pending_tunnels", Help: "Tunnel requests waiting for a data connection"})
	TunnelEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "backhaul_tunnel_established_total", Help: "Tunnels matched to a data connection"})
	TunnelTimeoutTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "backhaul_tunnel_timeout_total", Help: "Tunnel requests that timed out before the client connected"})
	ReplacedClientsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "backhaul_replaced_clients_total", Help: "Connections disposed because the identity registered again"})
	HeartbeatsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_heartbeats_total", Help: "Heartbeat lines by direction and kind"}, []string{"dir", "kind"})
	KeepAliveTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "backhaul_keepalive_timeouts_total", Help: "Control connections closed by the keep-alive timeout"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_errors_total", Help: "Errors by type"}, []string{"type"})
	ForwardedTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_forwarded_requests_total", Help: "Inbound requests by outcome code"}, []string{"code"})
	TunnelDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "backhaul_tunnel_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	TunnelAcquireSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "backhaul_tunnel_acquire_seconds", Help: "Time from tunnel announcement to matched data connection", Buckets: prometheus.ExponentialBuckets(0.001, 2, 16)})
)
