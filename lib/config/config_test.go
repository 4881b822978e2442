// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Network != "unix" {
		t.Errorf("expected network=unix, got %s", cfg.Network)
	}
	if !cfg.AllowAnyOrigin {
		t.Error("expected allow_any_origin=true by default")
	}
	if cfg.RootName != "counter" {
		t.Errorf("expected root=counter, got %s", cfg.RootName)
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	orig := os.Getenv("WIREPROXY_CONFIG")
	defer os.Setenv("WIREPROXY_CONFIG", orig)
	os.Unsetenv("WIREPROXY_CONFIG")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when WIREPROXY_CONFIG not set, got nil")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wireproxy.yaml")
	contents := "network: tcp\naddress: 127.0.0.1:9000\norigins: [\"https://example.com\"]\nlegacy: true\nroot: echo\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Network != "tcp" || cfg.Address != "127.0.0.1:9000" {
		t.Errorf("unexpected network/address: %+v", cfg)
	}
	if cfg.AllowAnyOrigin {
		t.Error("AllowAnyOrigin should remain false when the file doesn't set it")
	}
	if !cfg.Legacy {
		t.Error("expected legacy=true")
	}
	if cfg.RootName != "echo" {
		t.Errorf("expected root=echo, got %s", cfg.RootName)
	}

	allow := cfg.AllowList()
	if allow.Wildcard {
		t.Error("AllowList() should not set Wildcard when allow_any_origin is false")
	}
	if !allow.Allows("https://example.com") {
		t.Error("AllowList() should accept the configured origin")
	}
	if allow.Allows("https://evil.example") {
		t.Error("AllowList() should reject an unlisted origin")
	}
}

func TestValidateRejectsBadNetwork(t *testing.T) {
	cfg := Default()
	cfg.Network = "sctp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject an unsupported network")
	}
}

func TestValidateRequiresAddress(t *testing.T) {
	cfg := Default()
	cfg.Address = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject an empty address")
	}
}
