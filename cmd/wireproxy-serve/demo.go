// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/wireproxy/wireproxy"
	"github.com/wireproxy/wireproxy/lib/compresshandler"
)

// Counter is the exact scenario-1/scenario-3 object from the source
// specification's §8 testable properties: an exposed counter plus a
// constructable Counter type, both reachable from one root so a single
// --root flag can demonstrate GET, SET, APPLY, and CONSTRUCT without
// switching processes.
type Counter struct {
	N int
}

// Inc increments and returns the new value (§8 scenario 1 and 3).
func (c *Counter) Inc() int {
	c.N++
	return c.N
}

// NewCounter is exposed so CONSTRUCT (§8 scenario 3) has something to
// invoke: `await new r.NewCounter(10)` in the source specification's
// JavaScript becomes `root.Construct(ctx, "NewCounter", 10)` here.
func NewCounter(start int) *Counter {
	c := &Counter{N: start}
	return c
}

// demoRoot is the object graph exposed by cmd/wireproxy-serve, keyed by
// the config's RootName (or --root flag).
type demoRoot struct {
	Counter   *Counter
	NewCounter func(start int) *Counter

	// Throws demonstrates the remote-throw taxonomy entry (§7a, §8
	// scenario 2): any call always fails.
	Throws func() (int, error)

	// finalized is closed by WireproxyFinalize, which runs on the
	// exposer's own per-message goroutine — tests must select on this
	// channel rather than poll a counter, matching the package's own
	// TestReleaseCallsFinalizer.
	finalized chan struct{}
}

// WireproxyFinalize implements [wireproxy.Finalizer] (§8 scenario 6):
// invoked exactly once after this root's endpoint processes RELEASE.
func (d *demoRoot) WireproxyFinalize() {
	close(d.finalized)
}

func newDemoRoot(name string) (any, error) {
	switch name {
	case "counter", "":
		return &demoRoot{
			Counter:    &Counter{},
			NewCounter: NewCounter,
			Throws: func() (int, error) {
				return 0, fmt.Errorf("nope")
			},
			finalized: make(chan struct{}),
		}, nil
	case "echo":
		return &echoRoot{}, nil
	default:
		return nil, fmt.Errorf("wireproxy-serve: unknown root %q", name)
	}
}

// echoRoot is a minimal demo for the "zstd" transfer handler
// (lib/compresshandler): Echo marks its input for compression before
// returning it, so the exposer's reply — and the caller's decoded
// result — round-trip through zstd transparently (§9: "external
// handlers compose identically" to the required built-ins).
type echoRoot struct{}

func (echoRoot) Echo(data []byte) compresshandler.Payload {
	return compresshandler.Mark(data)
}

var _ wireproxy.Finalizer = (*demoRoot)(nil)
