package main

import (
	"flag"
	"net"
	"time"
)

// Config holds client runtime configuration.
type Config struct {
	ServerURL   string
	DataURL     string
	Host        string // convenience host to derive server/data if those not explicitly set
	Name        string
	Token       string
	Target      string
	StripHost   bool
	HostRewrite string

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	GracePeriod       time.Duration

	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
	TLSInsecure bool

	Debug bool
}

var cfg Config

func init() {
	flag.StringVar(&cfg.ServerURL, "server", "", "gateway control URL: tcp://host:9000, tls://host:9000, ws(s)://host/_backhaul/control")
	flag.StringVar(&cfg.DataURL, "data", "", "gateway data URL (default: derived from -server or -host)")
	flag.StringVar(&cfg.Host, "host", "", "gateway host; if set and -server/-data are not, they default to tcp://host:9000 and tcp://host:9001")
	flag.StringVar(&cfg.Name, "name", "demo", "public name to register")
	flag.StringVar(&cfg.Token, "token", "", "secret token")
	flag.StringVar(&cfg.Target, "target", "http://127.0.0.1:3000", "local origin to expose")
	flag.BoolVar(&cfg.StripHost, "strip-host", false, "remove Host header before sending to local target (HTTP/1.1 may break)")
	flag.StringVar(&cfg.HostRewrite, "host-rewrite", "", "rewrite Host header to this value (overrides original)")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 5*time.Second, "time limit for dialing the gateway and the target")
	flag.DurationVar(&cfg.KeepAliveInterval, "keepalive-interval", 30*time.Second, "PING interval on the control connection (0 = off)")
	flag.DurationVar(&cfg.GracePeriod, "grace-period", 0, "time to wait for active tunnels to drain after shutdown signal (0 = immediate)")
	flag.StringVar(&cfg.TLSCAFile, "tls-ca", "", "CA file to verify the gateway")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "client certificate for mTLS")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "client key for mTLS")
	flag.BoolVar(&cfg.TLSInsecure, "tls-insecure", false, "skip gateway certificate verification")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

// applyHost fills -server and -data from -host when they were not given.
func applyHost() {
	if cfg.Host == "" {
		return
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "tcp://" + net.JoinHostPort(cfg.Host, "9000")
		if cfg.DataURL == "" {
			cfg.DataURL = "tcp://" + net.JoinHostPort(cfg.Host, "9001")
		}
	}
}
