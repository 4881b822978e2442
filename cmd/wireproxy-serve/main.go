// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

// wireproxy-serve is a demo exposer process: it listens on a Unix
// socket or TCP address, and for every accepted connection exposes one
// of a small set of demo root objects (§8's scenarios 1, 2, 3, 6) over
// a [wireconn.Conn]-wrapped [wireproxy.Endpoint]. Pair it with
// cmd/wireproxy-call.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/wireproxy/wireproxy"
	"github.com/wireproxy/wireproxy/lib/compresshandler"
	"github.com/wireproxy/wireproxy/lib/config"
	"github.com/wireproxy/wireproxy/lib/wireconn"
)

// newRegistry builds the [wireproxy.HandlerRegistry] shared by every
// accepted connection: the two required built-ins, plus the "zstd"
// handler demonstrating lib/compresshandler against the "echo" root.
func newRegistry() (*wireproxy.HandlerRegistry, error) {
	registry := wireproxy.NewHandlerRegistry()
	zstdHandler, err := compresshandler.New(0)
	if err != nil {
		return nil, fmt.Errorf("building zstd transfer handler: %w", err)
	}
	if err := registry.Register(zstdHandler); err != nil {
		return nil, fmt.Errorf("registering zstd transfer handler: %w", err)
	}
	return registry, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wireproxy-serve: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, network, address, root string
	var legacy, allowAny bool

	flagSet := pflag.NewFlagSet("wireproxy-serve", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to wireproxy.yaml (overrides WIREPROXY_CONFIG)")
	flagSet.StringVar(&network, "network", "", "listen network: unix or tcp (overrides config)")
	flagSet.StringVar(&address, "address", "", "listen address (overrides config)")
	flagSet.StringVar(&root, "root", "", "demo root to expose: counter or echo (overrides config)")
	flagSet.BoolVar(&legacy, "legacy", false, "no effect on replies, which always use each request's own encoding")
	flagSet.BoolVar(&allowAny, "allow-any-origin", false, "accept connections from any origin")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if network != "" {
		cfg.Network = network
	}
	if address != "" {
		cfg.Address = address
	}
	if root != "" {
		cfg.RootName = root
	}
	if legacy {
		cfg.Legacy = true
	}
	if allowAny {
		cfg.AllowAnyOrigin = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.Default()

	if cfg.Network == "unix" {
		_ = os.Remove(cfg.Address)
	}
	listener, err := net.Listen(cfg.Network, cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s/%s: %w", cfg.Network, cfg.Address, err)
	}
	defer listener.Close()
	if cfg.Network == "unix" {
		defer os.Remove(cfg.Address)
	}
	logger.Info("wireproxy-serve: listening", "network", cfg.Network, "address", cfg.Address, "root", cfg.RootName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	registry, err := newRegistry()
	if err != nil {
		return err
	}

	allowList := cfg.AllowList()
	var opts []wireproxy.Option
	opts = append(opts, wireproxy.WithLogger(logger), wireproxy.WithRegistry(registry))
	if cfg.Legacy {
		opts = append(opts, wireproxy.Legacy())
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("wireproxy-serve: accept failed", "error", err)
			continue
		}
		go serveConn(conn, cfg.RootName, allowList, logger, opts)
	}
}

func serveConn(conn net.Conn, rootName string, allowList wireproxy.OriginAllowList, logger *slog.Logger, opts []wireproxy.Option) {
	root, err := newDemoRoot(rootName)
	if err != nil {
		logger.Error("wireproxy-serve: building demo root", "error", err)
		conn.Close()
		return
	}
	ep := wireconn.Wrap(conn, "")
	if _, err := wireproxy.Expose(root, ep, allowList, opts...); err != nil {
		logger.Error("wireproxy-serve: exposing connection", "error", err)
		conn.Close()
	}
}

func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		return config.LoadFile(explicitPath)
	}
	if os.Getenv("WIREPROXY_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}
