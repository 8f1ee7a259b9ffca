// Package transport provides the byte streams the gateway and agent speak the
// line protocol over: plain TCP, TLS (optionally mutual) and WebSocket.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/matst80/backhaul/internal/obs"
)

// ServerTLSConfig loads a certificate pair. A non-empty caFile turns on mutual
// TLS: clients must present a certificate signed by that CA.
func ServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if caFile != "" {
		pool, err := loadPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		obs.Info("tls.mtls_enabled", obs.Fields{"ca_file": caFile})
	}
	return cfg, nil
}

// ClientTLSConfig builds the agent side config. Empty files mean system roots
// and no client certificate.
func ClientTLSConfig(caFile, certFile, keyFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure}
	if caFile != "" {
		pool, err := loadPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadPool(file string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

// Listen opens a plain TCP listener, or a TLS one when tlsConfig is set.
func Listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

// AcceptLoop hands every accepted connection to handle on its own goroutine
// until ctx ends or the listener fails. The listener is closed on return.
func AcceptLoop(ctx context.Context, ln net.Listener, name string, handle func(net.Conn)) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(2*delay, 5*time.Millisecond), time.Second)
				obs.Error("accept."+name+".temp", obs.Fields{"err": err.Error(), "retry_in": delay.String()})
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("accept %s: %w", name, err)
		}
		delay = 0
		go handle(c)
	}
}
