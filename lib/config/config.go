// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wireproxy/wireproxy"
)

// Config is the configuration shape shared by cmd/wireproxy-serve and
// cmd/wireproxy-call: where to listen or dial, which origins to
// accept, and which wire encoding to speak.
type Config struct {
	// Network is the net.Listen/net.Dial network: "unix" or "tcp".
	Network string `yaml:"network"`

	// Address is the listen or dial address: a socket path for
	// "unix", a host:port for "tcp".
	Address string `yaml:"address"`

	// Origins lists origin strings accepted by the exposer's
	// [wireproxy.OriginAllowList]. Empty means permit-all, matching
	// the core package's own zero-value default.
	Origins []string `yaml:"origins"`

	// AllowAnyOrigin sets the allow-list's wildcard entry ("*").
	AllowAnyOrigin bool `yaml:"allow_any_origin"`

	// Legacy forces the numeric legacy wire encoding (§4.5) for this
	// process's outbound requests. Only cmd/wireproxy-call sends
	// requests; an exposer replies in the encoding each request arrived
	// in whatever this is set to.
	Legacy bool `yaml:"legacy"`

	// RootName identifies which demo root object cmd/wireproxy-serve
	// should expose. [Validate] does not check it; cmd/wireproxy-serve
	// reports an unknown name when it builds the root for an accepted
	// connection, and closes that connection.
	RootName string `yaml:"root"`
}

// Default returns the zero-friction configuration: a Unix socket in
// the working directory, permit-all origins, current (non-legacy)
// encoding, and the "counter" demo root.
//
// [LoadFile] starts from these values for every field a file leaves
// unset, except AllowAnyOrigin, which a file must set itself.
// cmd/wireproxy-serve and cmd/wireproxy-call use Default as is when
// neither --config nor WIREPROXY_CONFIG is given; [Load] itself still
// requires WIREPROXY_CONFIG to be set.
func Default() *Config {
	return &Config{
		Network:        "unix",
		Address:        "wireproxy.sock",
		AllowAnyOrigin: true,
		RootName:       "counter",
	}
}

// Load loads configuration from the WIREPROXY_CONFIG environment
// variable. There are no fallbacks — if the variable is unset, this
// fails rather than guessing a path.
func Load() (*Config, error) {
	path := os.Getenv("WIREPROXY_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("config: WIREPROXY_CONFIG environment variable not set; " +
			"set it to the path of your wireproxy.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; no environment variable
// overrides a value once loaded.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	// A file states its own origin policy: Default's wildcard does not
	// carry over. A file with no origins still permits every origin
	// through the zero-value allow-list.
	cfg.AllowAnyOrigin = false
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.Network != "unix" && c.Network != "tcp" {
		return fmt.Errorf("config: network must be \"unix\" or \"tcp\", got %q", c.Network)
	}
	if c.Address == "" {
		return fmt.Errorf("config: address is required")
	}
	return nil
}

// AllowList builds the [wireproxy.OriginAllowList] this configuration
// describes.
func (c *Config) AllowList() wireproxy.OriginAllowList {
	return wireproxy.OriginAllowList{
		Exact:    append([]string(nil), c.Origins...),
		Wildcard: c.AllowAnyOrigin,
	}
}
