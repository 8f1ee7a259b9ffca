package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/matst80/backhaul/internal/auth"
	"github.com/matst80/backhaul/internal/proto"
)

const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
)

// Options configure an agent. Server and Data are URLs with scheme tcp, tls,
// ws or wss; Target is the http or https origin requests are delivered to.
type Options struct {
	Server string
	// Data defaults to the data endpoint next to a ws/wss Server.
	Data   string
	Name   string
	Token  string
	Target string

	ConnectTimeout time.Duration
	// KeepAliveInterval of zero or less turns off pings from this side.
	KeepAliveInterval time.Duration

	HostRewrite string
	StripHost   bool

	// TLSConfig is used for tls and wss gateway URLs.
	TLSConfig *tls.Config
	// TargetTLSConfig is used for an https Target.
	TargetTLSConfig *tls.Config

	MinBackoff time.Duration
	MaxBackoff time.Duration

	// OnTunnelError observes tunnels that failed before or while relaying.
	OnTunnelError func(tunnelID string, err error)
}

// Validate checks the options and fills in defaults.
func (o *Options) Validate() error {
	server, err := url.Parse(o.Server)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	switch server.Scheme {
	case "tcp", "tls", "ws", "wss":
	default:
		return fmt.Errorf("server: unsupported scheme %q", server.Scheme)
	}
	if server.Host == "" {
		return errors.New("server: missing host")
	}
	if o.Data == "" {
		if server.Scheme != "ws" && server.Scheme != "wss" {
			return errors.New("data: required for tcp and tls servers")
		}
		data := *server
		data.Path = proto.DataPath
		data.RawQuery = ""
		o.Data = data.String()
	} else if d, err := url.Parse(o.Data); err != nil || d.Host == "" {
		return fmt.Errorf("data: invalid url %q", o.Data)
	}

	target, err := url.Parse(o.Target)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return fmt.Errorf("target: scheme must be http or https, got %q", target.Scheme)
	}
	if target.Host == "" {
		return errors.New("target: missing host")
	}

	if !auth.ValidIdentity(o.Name) {
		return fmt.Errorf("%w: %q", auth.ErrInvalidIdentity, o.Name)
	}
	if o.Token == "" {
		return errors.New("token: required")
	}
	if o.ConnectTimeout < 0 {
		return errors.New("connect timeout must not be negative")
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = max(30*time.Second, o.MinBackoff)
	}
	return nil
}

func (o *Options) targetAddr() (addr, host string, secure bool) {
	u, _ := url.Parse(o.Target)
	secure = u.Scheme == "https"
	host = u.Hostname()
	port := u.Port()
	if port == "" {
		port = "80"
		if secure {
			port = "443"
		}
	}
	return net.JoinHostPort(host, port), host, secure
}
