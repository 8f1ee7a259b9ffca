package main

import (
	"flag"
	"os"
	"time"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	ControlAddr string
	DataAddr    string
	PublicAddr  string
	MetricsAddr string

	Token     string
	TokenFile string

	KeepAlive         bool
	KeepAliveInterval time.Duration
	TunnelTimeout     time.Duration
	ConnectTimeout    time.Duration
	ResponseTimeout   time.Duration
	BaseDomain        string
	InstanceID        string
	MaintenanceEvery  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration

	GlobalConnRate    int
	PerClientConnRate int
	GlobalReqRate     int
	PerClientReqRate  int
	RateBurst         int

	// TLS for the control and data listeners; a CA file enables mTLS.
	EnableTLS   bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	Debug bool
}

var cfg Config

func init() {
	host, _ := os.Hostname()
	flag.StringVar(&cfg.ControlAddr, "control", ":9000", "address for raw client control connections (empty disables)")
	flag.StringVar(&cfg.DataAddr, "data", ":9001", "address for raw tunnel data connections (empty disables)")
	flag.StringVar(&cfg.PublicAddr, "public", ":8080", "public HTTP listener; also serves WebSocket control and data endpoints")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address")
	flag.StringVar(&cfg.Token, "token", "", "shared secret token; if set clients must provide matching token")
	flag.StringVar(&cfg.TokenFile, "token-file", "", "JSON file of per-client bcrypt tokens (overrides -token)")
	flag.BoolVar(&cfg.KeepAlive, "keepalive", true, "send PING on control connections and drop silent ones")
	flag.DurationVar(&cfg.KeepAliveInterval, "keepalive-interval", 30*time.Second, "PING interval; a connection silent for interval+5s is closed")
	flag.DurationVar(&cfg.TunnelTimeout, "tunnel-timeout", 10*time.Second, "time limit for a client to open the data connection of a tunnel")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 10*time.Second, "time limit for handshake lines on control and data connections (0 = no limit)")
	flag.DurationVar(&cfg.ResponseTimeout, "response-timeout", 0, "time limit for the target's response headers (0 = none)")
	flag.StringVar(&cfg.BaseDomain, "domain", "", "base wildcard domain (e.g. example.com) to extract subdomain names")
	flag.StringVar(&cfg.InstanceID, "instance", host, "instance id recorded in shared presence")
	flag.DurationVar(&cfg.MaintenanceEvery, "maintenance-interval", 30*time.Second, "interval for presence refresh and rate limiter cleanup")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for shared client presence (empty = in memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database")
	flag.DurationVar(&cfg.PresenceTTL, "presence-ttl", 2*time.Minute, "expiry of a presence entry that is not refreshed")
	flag.IntVar(&cfg.GlobalConnRate, "rate-conn", 0, "global control registrations per second (0 = unlimited)")
	flag.IntVar(&cfg.PerClientConnRate, "rate-conn-client", 0, "control registrations per second per client (0 = unlimited)")
	flag.IntVar(&cfg.GlobalReqRate, "rate-req", 0, "global forwarded requests per second (0 = unlimited)")
	flag.IntVar(&cfg.PerClientReqRate, "rate-req-client", 0, "forwarded requests per second per client (0 = unlimited)")
	flag.IntVar(&cfg.RateBurst, "rate-burst", 10, "burst size for all rate limits")
	flag.BoolVar(&cfg.EnableTLS, "tls", false, "enable TLS for control and data connections")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file path")
	flag.StringVar(&cfg.TLSCAFile, "tls-ca", "", "TLS CA file for client certificate verification (enables mTLS)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs and request logging")
}
