package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/backhaul/internal/auth"
	"github.com/matst80/backhaul/internal/gateway"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/ratelimit"
	"github.com/matst80/backhaul/internal/registry"
	"github.com/matst80/backhaul/internal/session"
	"github.com/matst80/backhaul/internal/transport"
	"golang.org/x/sync/errgroup"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if flag.NArg() > 0 {
		if err := manageTokens(flag.Args()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if err := run(); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	validator, err := newValidator()
	if err != nil {
		return err
	}
	presence, err := newPresence(ctx)
	if err != nil {
		return err
	}
	limiter := ratelimit.NewRateLimiter(cfg.GlobalConnRate, cfg.PerClientConnRate, cfg.GlobalReqRate, cfg.PerClientReqRate, cfg.RateBurst)

	gcfg := gateway.Config{
		Session: session.Config{
			KeepAlive:         cfg.KeepAlive,
			KeepAliveInterval: cfg.KeepAliveInterval,
			WriteTimeout:      session.DefaultWriteTimeout,
		},
		TunnelTimeout:       cfg.TunnelTimeout,
		ConnectTimeout:      cfg.ConnectTimeout,
		ResponseTimeout:     cfg.ResponseTimeout,
		BaseDomain:          cfg.BaseDomain,
		InstanceID:          cfg.InstanceID,
		MaintenanceInterval: cfg.MaintenanceEvery,
		Debug:               cfg.Debug,
	}
	srv := gateway.New(gcfg, validator, presence, limiter)

	var tlsConfig *tls.Config
	if cfg.EnableTLS {
		if tlsConfig, err = transport.ServerTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile); err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.ControlAddr != "" {
		ln, err := transport.Listen(cfg.ControlAddr, tlsConfig)
		if err != nil {
			return fmt.Errorf("listen control %s: %w", cfg.ControlAddr, err)
		}
		g.Go(func() error { return srv.ServeControl(ctx, ln) })
	}
	if cfg.DataAddr != "" {
		ln, err := transport.Listen(cfg.DataAddr, tlsConfig)
		if err != nil {
			return fmt.Errorf("listen data %s: %w", cfg.DataAddr, err)
		}
		g.Go(func() error { return srv.ServeData(ctx, ln) })
	}
	if err := serveHTTP(ctx, g, "public", cfg.PublicAddr, srv.PublicHandler()); err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		if err := serveHTTP(ctx, g, "metrics", cfg.MetricsAddr, srv.AdminHandler()); err != nil {
			return err
		}
	}
	g.Go(func() error { return srv.RunMaintenance(ctx) })

	srv.SetReady(true)
	obs.Info("server.ready", obs.Fields{
		"control": cfg.ControlAddr, "data": cfg.DataAddr, "public": cfg.PublicAddr, "metrics": cfg.MetricsAddr,
		"instance": cfg.InstanceID, "keepalive": cfg.KeepAlive, "keepalive_interval": cfg.KeepAliveInterval.String(),
		"tunnel_timeout": cfg.TunnelTimeout.String(), "tls": cfg.EnableTLS,
	})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	srv.Shutdown()
	err = g.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return err
}

func serveHTTP(ctx context.Context, g *errgroup.Group, name, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", name, addr, err)
	}
	hs := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	return nil
}

func newValidator() (auth.Validator, error) {
	if cfg.TokenFile != "" {
		tf, err := auth.LoadTokenFile(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		obs.Info("auth.token_file", obs.Fields{"path": cfg.TokenFile})
		return tf, nil
	}
	if cfg.Token == "" {
		obs.Warn("auth.open", obs.Fields{"msg": "no -token or -token-file; any client name is accepted"})
	}
	return auth.StaticToken{Token: cfg.Token}, nil
}

func newPresence(ctx context.Context) (registry.Presence, error) {
	if cfg.RedisAddr == "" {
		return registry.NewMemoryPresence(cfg.InstanceID), nil
	}
	p, err := registry.NewRedisPresence(ctx, registry.RedisOptions{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		InstanceID: cfg.InstanceID,
		KeyTTL:     cfg.PresenceTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("redis presence: %w", err)
	}
	obs.Info("presence.redis", obs.Fields{"addr": cfg.RedisAddr, "db": cfg.RedisDB})
	return p, nil
}
