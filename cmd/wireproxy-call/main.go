// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

// wireproxy-call is a demo Handle-side process: it dials a
// cmd/wireproxy-serve listener, wraps it as a [wireproxy.Handle], and
// performs a single GET, SET, or CALL against a dotted path, printing
// the JSON-encoded result. Arguments are parsed as JSON, matching the
// wire value's own JSON shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/wireproxy/wireproxy"
	"github.com/wireproxy/wireproxy/lib/compresshandler"
	"github.com/wireproxy/wireproxy/lib/config"
	"github.com/wireproxy/wireproxy/lib/wireconn"
)

// newRegistry builds the [wireproxy.HandlerRegistry] this call expects
// its peer to share — must match cmd/wireproxy-serve's registration so
// a HANDLER-tagged "zstd" reply decodes correctly.
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
		fmt.Fprintf(os.Stderr, "wireproxy-call: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, network, address, path, set string
	var legacy bool
	var timeout time.Duration

	flagSet := pflag.NewFlagSet("wireproxy-call", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to wireproxy.yaml (overrides WIREPROXY_CONFIG)")
	flagSet.StringVar(&network, "network", "", "dial network: unix or tcp (overrides config)")
	flagSet.StringVar(&address, "address", "", "dial address (overrides config)")
	flagSet.StringVar(&path, "path", "", "dotted property path, e.g. Counter.N")
	flagSet.StringVar(&set, "set", "", "JSON value to SET at path, instead of calling it")
	flagSet.BoolVar(&legacy, "legacy", false, "speak the legacy numeric wire encoding")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "call timeout")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("--path is required, e.g. --path Counter.N")
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
	if legacy {
		cfg.Legacy = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	conn, err := net.Dial(cfg.Network, cfg.Address)
	if err != nil {
		return fmt.Errorf("dialing %s/%s: %w", cfg.Network, cfg.Address, err)
	}
	ep := wireconn.Wrap(conn, "")

	registry, err := newRegistry()
	if err != nil {
		return err
	}
	opts := []wireproxy.Option{wireproxy.WithRegistry(registry)}
	if cfg.Legacy {
		opts = append(opts, wireproxy.Legacy())
	}
	handle := wireproxy.Wrap(ep, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	args, err := parseArgs(flagSet.Args())
	if err != nil {
		return err
	}

	segments := strings.Split(path, ".")
	result, err := dispatch(ctx, handle, segments, set, args)
	if err != nil {
		_ = handle.Release(context.Background())
		return err
	}
	if err := handle.Release(context.Background()); err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// dispatch navigates to the parent of path's last segment and performs
// SET (if --set was given), otherwise CALL with args, falling back to
// GET when no args were supplied.
func dispatch(ctx context.Context, root *wireproxy.Handle, segments []string, setValue string, args []any) (any, error) {
	h := root
	for _, s := range segments[:len(segments)-1] {
		h = h.At(s)
	}
	last := segments[len(segments)-1]

	if setValue != "" {
		var v any
		if err := json.Unmarshal([]byte(setValue), &v); err != nil {
			return nil, fmt.Errorf("parsing --set value: %w", err)
		}
		if err := h.Set(ctx, last, v); err != nil {
			return nil, err
		}
		return true, nil
	}
	if len(args) > 0 {
		return h.Call(ctx, last, args...)
	}
	return h.Get(ctx, last)
}

func parseArgs(raw []string) ([]any, error) {
	args := make([]any, len(raw))
	for i, r := range raw {
		var v any
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			return nil, fmt.Errorf("parsing argument %d (%q) as JSON: %w", i, r, err)
		}
		args[i] = v
	}
	return args, nil
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
