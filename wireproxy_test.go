// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireproxy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wireproxy/wireproxy"
	"github.com/wireproxy/wireproxy/internal/testsupport"
)

type counter struct {
	mu    sync.Mutex
	value int
}

func (c *counter) Increment(by int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += by
	return c.value
}

type nested struct {
	Value int
}

func (n *nested) Double() int { return n.Value * 2 }

type demoAPI struct {
	Greeting string
	Nested   *nested
}

func (a *demoAPI) NewCounter(start int) *counter {
	return &counter{value: start}
}

func (a *demoAPI) Boom() error {
	return errors.New("boom")
}

func expose(t *testing.T, value any) (*wireproxy.Exposer, *wireproxy.Handle) {
	t.Helper()
	server, client := testsupport.NewLoopbackPair()
	exposer, err := wireproxy.Expose(value, server, wireproxy.OriginAllowList{})
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	handle := wireproxy.Wrap(client)
	t.Cleanup(func() {
		_ = handle.Release(context.Background())
		exposer.Close()
	})
	return exposer, handle
}

func TestGet(t *testing.T) {
	_, h := expose(t, &demoAPI{Greeting: "hello"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, err := h.Get(ctx, "Greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "hello" {
		t.Fatalf("Get returned %v, want %q", v, "hello")
	}
}

func TestApplyThrown(t *testing.T) {
	_, h := expose(t, &demoAPI{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := h.Call(ctx, "Boom")
	if err == nil {
		t.Fatalf("Call: expected an error")
	}
	var remote *wireproxy.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Call error = %v, want a *wireproxy.RemoteError", err)
	}
	if remote.Category != wireproxy.CategoryThrown {
		t.Fatalf("Category = %v, want %v", remote.Category, wireproxy.CategoryThrown)
	}
}

func TestConstructAndProxiedMethod(t *testing.T) {
	_, h := expose(t, &demoAPI{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	counterHandle, err := h.At("NewCounter").Construct(ctx, 10)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	defer counterHandle.Release(ctx)

	v, err := counterHandle.Call(ctx, "Increment", 5)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	got, ok := v.(float64) // JSON numbers decode as float64 on the RAW path.
	if !ok || got != 15 {
		t.Fatalf("Increment result = %#v, want 15", v)
	}
}

func TestSetAndSubEndpoint(t *testing.T) {
	_, h := expose(t, &demoAPI{Greeting: "hi", Nested: &nested{Value: 21}})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.Set(ctx, "Greeting", "bye"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := h.Get(ctx, "Greeting"); err != nil || v != "bye" {
		t.Fatalf("Get after Set = (%v, %v), want (\"bye\", nil)", v, err)
	}

	// ENDPOINT and the transfer of its resulting sub-channel (P9): the
	// exposer marks a fresh loopback pair with Transfer, and the peer
	// reads it straight off the reply's transfer queue.
	sub, err := h.SubEndpoint(ctx, "Nested")
	if err != nil {
		t.Fatalf("SubEndpoint: %v", err)
	}
	defer sub.Release(ctx)

	v, err := sub.Call(ctx, "Double")
	if err != nil {
		t.Fatalf("Double: %v", err)
	}
	if got, ok := v.(float64); !ok || got != 42 {
		t.Fatalf("Double = %#v, want 42", v)
	}
}

func TestReleaseDisablesHandle(t *testing.T) {
	_, h := expose(t, &demoAPI{Greeting: "hi"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := h.Get(ctx, "Greeting"); !errors.Is(err, wireproxy.ErrReleased) {
		t.Fatalf("Get after Release = %v, want ErrReleased", err)
	}
}

// TestReleaseRefcountIsPerProxy exercises the per-endpoint refcount
// discipline (§4.6, §9): releasing one navigated Handle must not disturb
// a sibling still in active use over the same connection, and the wire
// RELEASE — and the connection teardown that follows it — fires only
// once every live proxy over that connection has gone.
func TestReleaseRefcountIsPerProxy(t *testing.T) {
	_, root := expose(t, &demoAPI{Greeting: "hi"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	child := root.At("Greeting")

	if err := child.Release(ctx); err != nil {
		t.Fatalf("child.Release: %v", err)
	}
	// child is now unusable on its own...
	if _, err := child.Get(ctx, "x"); !errors.Is(err, wireproxy.ErrReleased) {
		t.Fatalf("child.Get after its own Release = %v, want ErrReleased", err)
	}
	// ...but root, which shares the connection, is still live: the
	// connection has not torn down since root's own count has not
	// dropped to zero.
	if v, err := root.Get(ctx, "Greeting"); err != nil || v != "hi" {
		t.Fatalf("root.Get after sibling Release = (%v, %v), want (\"hi\", nil)", v, err)
	}

	if err := root.Release(ctx); err != nil {
		t.Fatalf("root.Release: %v", err)
	}
	if _, err := root.Get(ctx, "Greeting"); !errors.Is(err, wireproxy.ErrReleased) {
		t.Fatalf("root.Get after last Release = %v, want ErrReleased", err)
	}
}

type finalizingAPI struct {
	finalized chan struct{}
}

func (a *finalizingAPI) WireproxyFinalize() {
	close(a.finalized)
}

var _ wireproxy.Finalizer = (*finalizingAPI)(nil)

func TestReleaseCallsFinalizer(t *testing.T) {
	api := &finalizingAPI{finalized: make(chan struct{})}
	server, client := testsupport.NewLoopbackPair()
	exposer, err := wireproxy.Expose(api, server, wireproxy.OriginAllowList{})
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	defer exposer.Close()

	h := wireproxy.Wrap(client)
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case <-api.finalized:
	case <-time.After(2 * time.Second):
		t.Fatalf("WireproxyFinalize was not called")
	}
}

// callback is a local object the caller marks with [wireproxy.Proxy]
// instead of passing it by value, so the remote side receives a live
// *wireproxy.Handle it can call back through on its own schedule.
type callback struct {
	mu    sync.Mutex
	calls []int
}

func (c *callback) Notify(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, n)
}

func (c *callback) seen() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.calls...)
}

type registrar struct {
	mu  sync.Mutex
	cbs []*wireproxy.Handle
}

func (r *registrar) Register(cb *wireproxy.Handle) {
	r.mu.Lock()
	r.cbs = append(r.cbs, cb)
	r.mu.Unlock()
}

func (r *registrar) FireAll(n int) {
	r.mu.Lock()
	cbs := append([]*wireproxy.Handle(nil), r.cbs...)
	r.mu.Unlock()
	for _, cb := range cbs {
		_, _ = cb.Call(context.Background(), "Notify", n)
	}
}

// TestProxiedCallbackArgument covers scenario 4 and invariant I4 (§8): a
// proxy-marked argument must remain reachable and callable from the
// remote side even after the call that delivered it has already
// returned.
func TestProxiedCallbackArgument(t *testing.T) {
	_, h := expose(t, &registrar{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cb := &callback{}
	if _, err := h.Call(ctx, "Register", wireproxy.Proxy(cb)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Register has already returned; FireAll is a separate, later call
	// that reaches back into the same proxied callback.
	if _, err := h.Call(ctx, "FireAll", 42); err != nil {
		t.Fatalf("FireAll: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(cb.seen()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := cb.seen(); len(got) != 1 || got[0] != 42 {
		t.Fatalf("callback saw %v, want [42]", got)
	}
}

type delayAPI struct{}

func (d *delayAPI) Delay(ms int) int {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return ms
}

// TestConcurrentOutOfOrderReplies covers property P7 (§8): the correlator
// must match replies to their callers by request ID, not arrival order.
// Dispatch runs one goroutine per inbound message (§5), so a slow call
// issued first genuinely finishes after a faster call issued later.
func TestConcurrentOutOfOrderReplies(t *testing.T) {
	_, h := expose(t, &delayAPI{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 5
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.Call(ctx, "Delay", (n-i)*20)
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("Call %d: %v", i, errs[i])
		}
		want := float64((n - i) * 20)
		if got, ok := results[i].(float64); !ok || got != want {
			t.Fatalf("Call %d result = %#v, want %v", i, results[i], want)
		}
	}
}

func TestLegacyRoundTripAllOperations(t *testing.T) {
	server, client := testsupport.NewLoopbackPair()
	root := &demoAPI{Greeting: "hola", Nested: &nested{Value: 7}}
	exposer, err := wireproxy.Expose(root, server, wireproxy.OriginAllowList{})
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	defer exposer.Close()

	// Legacy forces every outbound request from h to use the numeric
	// legacy tag encoding (§4.5); the exposer is never told which
	// encoding to use — it detects it per request and replies in kind.
	h := wireproxy.Wrap(client, wireproxy.Legacy())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// GET
	if v, err := h.Get(ctx, "Greeting"); err != nil || v != "hola" {
		t.Fatalf("Get = (%v, %v), want (\"hola\", nil)", v, err)
	}

	// SET
	if err := h.Set(ctx, "Greeting", "adios"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := h.Get(ctx, "Greeting"); err != nil || v != "adios" {
		t.Fatalf("Get after Set = (%v, %v), want (\"adios\", nil)", v, err)
	}

	// APPLY
	if _, err := h.Call(ctx, "Boom"); err == nil {
		t.Fatalf("Call Boom: expected an error")
	}

	// CONSTRUCT
	counterHandle, err := h.At("NewCounter").Construct(ctx, 1)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	defer counterHandle.Release(ctx)
	if v, err := counterHandle.Call(ctx, "Increment", 1); err != nil {
		t.Fatalf("Increment: %v", err)
	} else if got, ok := v.(float64); !ok || got != 2 {
		t.Fatalf("Increment result = %#v, want 2", v)
	}

	// ENDPOINT
	sub, err := h.SubEndpoint(ctx, "Nested")
	if err != nil {
		t.Fatalf("SubEndpoint: %v", err)
	}
	if v, err := sub.Call(ctx, "Double"); err != nil {
		t.Fatalf("Double: %v", err)
	} else if got, ok := v.(float64); !ok || got != 14 {
		t.Fatalf("Double result = %#v, want 14", v)
	}
	if err := sub.Release(ctx); err != nil {
		t.Fatalf("sub.Release: %v", err)
	}

	// RELEASE
	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := h.Get(ctx, "Greeting"); !errors.Is(err, wireproxy.ErrReleased) {
		t.Fatalf("Get after Release = %v, want ErrReleased", err)
	}
}

func TestLegacyWireEncodingDecodesCorrectly(t *testing.T) {
	req := wireproxy.Request{ID: "1", Op: wireproxy.OpGet, Path: []string{"Greeting"}}
	data, err := wireproxy.MarshalRequest(req, true)
	if err != nil {
		t.Fatalf("MarshalRequest: %v", err)
	}
	decoded, err := wireproxy.UnmarshalRequest(data)
	if err != nil {
		t.Fatalf("UnmarshalRequest: %v", err)
	}
	if !decoded.Legacy {
		t.Fatalf("decoded.Legacy = false, want true")
	}
	if decoded.Op != wireproxy.OpGet {
		t.Fatalf("decoded.Op = %v, want %v", decoded.Op, wireproxy.OpGet)
	}
}
