package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"socks4-proxy/internal/application"
	"socks4-proxy/internal/config"
	"socks4-proxy/internal/infrastructure/epoll"
	"socks4-proxy/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info("Initializing SOCKS4 Proxy...", "dns_server", cfg.DNSServer, "connect_timeout", cfg.ConnectTimeout)

	eventLoop, err := epoll.New(cfg.TickInterval)
	if err != nil {
		return fmt.Errorf("failed to create event loop: %w", err)
	}

	proxy, err := application.NewProxyService(eventLoop, log, cfg)
	if err != nil {
		return fmt.Errorf("failed to create proxy service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Release the signal waiter below if the loop dies on its own.
		defer stop()
		if err := proxy.Start(); err != nil {
			return fmt.Errorf("proxy stopped unexpectedly: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		proxy.Stop()
		return nil
	})

	log.Info("Proxy listening", "addr", proxy.Addr())

	err = g.Wait()
	log.Info("shutting down")
	return err
}
