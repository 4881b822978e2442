// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"testing"
	"time"

	"github.com/wireproxy/wireproxy"
	"github.com/wireproxy/wireproxy/internal/testsupport"
	"github.com/wireproxy/wireproxy/lib/compresshandler"
)

const finalizeTimeout = 2 * time.Second

func TestDemoRootCounterScenario(t *testing.T) {
	root, err := newDemoRoot("counter")
	if err != nil {
		t.Fatalf("newDemoRoot: %v", err)
	}
	a, b := testsupport.NewLoopbackPair()
	if _, err := wireproxy.Expose(root, a, wireproxy.OriginAllowList{}); err != nil {
		t.Fatalf("Expose: %v", err)
	}
	handle := wireproxy.Wrap(b)
	ctx := context.Background()
	counter := handle.At("Counter")

	for i, want := range []float64{1, 2, 3} {
		got, err := counter.Call(ctx, "Inc")
		if err != nil {
			t.Fatalf("Inc() call %d: %v", i, err)
		}
		if got != want {
			t.Errorf("Inc() = %v, want %v", got, want)
		}
	}
}

func TestDemoRootConstruct(t *testing.T) {
	root, err := newDemoRoot("counter")
	if err != nil {
		t.Fatalf("newDemoRoot: %v", err)
	}
	a, b := testsupport.NewLoopbackPair()
	if _, err := wireproxy.Expose(root, a, wireproxy.OriginAllowList{}); err != nil {
		t.Fatalf("Expose: %v", err)
	}
	handle := wireproxy.Wrap(b)
	ctx := context.Background()

	fresh, err := handle.At("NewCounter").Construct(ctx, float64(10))
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	got, err := fresh.Call(ctx, "Inc")
	if err != nil {
		t.Fatalf("Inc() on constructed counter: %v", err)
	}
	if got != float64(11) {
		t.Errorf("Inc() = %v, want 11", got)
	}
}

func TestDemoRootThrows(t *testing.T) {
	root, err := newDemoRoot("counter")
	if err != nil {
		t.Fatalf("newDemoRoot: %v", err)
	}
	a, b := testsupport.NewLoopbackPair()
	if _, err := wireproxy.Expose(root, a, wireproxy.OriginAllowList{}); err != nil {
		t.Fatalf("Expose: %v", err)
	}
	handle := wireproxy.Wrap(b)

	if _, err := handle.Call(context.Background(), "Throws"); err == nil {
		t.Fatal("expected Throws() to return an error")
	}
}

func TestDemoRootFinalizer(t *testing.T) {
	root, err := newDemoRoot("counter")
	if err != nil {
		t.Fatalf("newDemoRoot: %v", err)
	}
	d := root.(*demoRoot)
	a, b := testsupport.NewLoopbackPair()
	if _, err := wireproxy.Expose(root, a, wireproxy.OriginAllowList{}); err != nil {
		t.Fatalf("Expose: %v", err)
	}
	handle := wireproxy.Wrap(b)

	if err := handle.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	testsupport.RequireClosed(t, d.finalized, finalizeTimeout, "WireproxyFinalize was not called")
	if _, err := handle.Get(context.Background(), "Counter"); err == nil {
		t.Fatal("expected error after release")
	}
}

func TestNewDemoRootUnknown(t *testing.T) {
	if _, err := newDemoRoot("nonexistent"); err == nil {
		t.Fatal("expected error for unknown root name")
	}
}

func TestDemoRootEchoRoundTripsThroughZstdHandler(t *testing.T) {
	root, err := newDemoRoot("echo")
	if err != nil {
		t.Fatalf("newDemoRoot: %v", err)
	}
	registry, err := newRegistry()
	if err != nil {
		t.Fatalf("newRegistry: %v", err)
	}
	a, b := testsupport.NewLoopbackPair()
	if _, err := wireproxy.Expose(root, a, wireproxy.OriginAllowList{}, wireproxy.WithRegistry(registry)); err != nil {
		t.Fatalf("Expose: %v", err)
	}
	handle := wireproxy.Wrap(b, wireproxy.WithRegistry(registry))

	want := "hello through zstd"
	got, err := handle.Call(context.Background(), "Echo", want)
	if err != nil {
		t.Fatalf("Echo(): %v", err)
	}
	payload, ok := got.(compresshandler.Payload)
	if !ok {
		t.Fatalf("Echo() = %T(%v), want compresshandler.Payload", got, got)
	}
	if string(payload) != want {
		t.Fatalf("Echo() = %q, want %q", payload, want)
	}
}
