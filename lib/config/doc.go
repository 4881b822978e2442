// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the
// wireproxy demo binaries (cmd/wireproxy-serve, cmd/wireproxy-call).
//
// Configuration is loaded from a single file specified by either the
// WIREPROXY_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search — exactly the teacher's
// lib/config policy, retargeted at this domain's shape: a listen
// address, an origin allow-list, and the legacy wire encoding flag.
//
// The core wireproxy engine package itself takes all of this as
// constructor arguments and has no file-config dependency of its
// own — a library should not read environment state on behalf of its
// caller. This package exists only for the two demo cmd/ binaries.
package config
