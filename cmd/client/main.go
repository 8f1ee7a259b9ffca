package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/matst80/backhaul/internal/client"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/transport"
	"golang.org/x/sync/errgroup"
)

func main() {
	flag.Parse()
	applyHost()
	if cfg.Debug {
		obs.EnableDebug(true)
	}

	opts := client.Options{
		Server:            cfg.ServerURL,
		Data:              cfg.DataURL,
		Name:              cfg.Name,
		Token:             cfg.Token,
		Target:            cfg.Target,
		ConnectTimeout:    cfg.ConnectTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		HostRewrite:       cfg.HostRewrite,
		StripHost:         cfg.StripHost,
	}
	if strings.HasPrefix(cfg.ServerURL, "tls://") || strings.HasPrefix(cfg.ServerURL, "wss://") {
		tlsConfig, err := transport.ClientTLSConfig(cfg.TLSCAFile, cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSInsecure)
		if err != nil {
			obs.Error("client.tls", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
		opts.TLSConfig = tlsConfig
	}
	opts.TargetTLSConfig = &tls.Config{InsecureSkipVerify: cfg.TLSInsecure}

	c, err := client.New(opts)
	if err != nil {
		obs.Error("client.config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	_ = g.Wait()

	if cfg.GracePeriod > 0 && c.Active() > 0 {
		obs.Info("client.drain", obs.Fields{"active": c.Active(), "grace": cfg.GracePeriod.String()})
		dctx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod)
		defer cancel()
		if err := c.Wait(dctx); err != nil {
			obs.Info("client.drain.timeout", obs.Fields{"active": c.Active()})
		}
	}
	obs.Info("client.stopped", obs.Fields{"name": cfg.Name})
}
