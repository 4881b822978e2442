// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// HandlerContext carries the pieces of endpoint state a [TransferHandler]
// needs beyond the value it is encoding or decoding: where to push or
// pop transferables, how to mint a fresh sub-channel (only the built-in
// "proxy" handler needs this), the registry itself (so a handler's
// payload can nest further wire values), the origin policy a spawned
// sub-[Exposer] should enforce, and where to log.
type HandlerContext struct {
	Registry      *HandlerRegistry
	NewSubChannel func(ctx context.Context) (side1, side2 Endpoint, err error)
	Legacy        bool
	Origins       OriginAllowList
	Logger        *slog.Logger
	Queue         *TransferQueue
}

func (hc HandlerContext) logger() *slog.Logger {
	if hc.Logger != nil {
		return hc.Logger
	}
	return slog.Default()
}

// TransferHandler is a named, ordered codec over a subset of values
// (§3, §4.3). Registered handlers are tried in insertion order; the
// first whose CanHandle returns true wins.
type TransferHandler interface {
	Name() string
	CanHandle(v any) bool
	Serialize(ctx context.Context, v any, hc HandlerContext) (payload any, err error)
	Deserialize(ctx context.Context, payload json.RawMessage, hc HandlerContext) (any, error)
}

// HandlerRegistry is the named, ordered collection of transfer handlers
// an [Exposer] or [Handle] consults. The zero value is not usable; call
// [NewHandlerRegistry].
type HandlerRegistry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]TransferHandler
}

// NewHandlerRegistry returns a registry with the two built-in handlers
// ("proxy" and "throw") already registered, per §6: "Built-ins proxy
// and throw are present at initialization and must not be removed."
func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{byName: make(map[string]TransferHandler, 4)}
	_ = r.Register(proxyHandler{})
	_ = r.Register(throwHandler{})
	return r
}

// Register adds handler under its own [TransferHandler.Name], appended
// after every previously registered handler. Returns an error if the
// name is already taken.
func (r *HandlerRegistry) Register(handler TransferHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := handler.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("wireproxy: transfer handler %q already registered", name)
	}
	r.byName[name] = handler
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the handler registered under name.
func (r *HandlerRegistry) Lookup(name string) (TransferHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

// Ordered returns the registered handlers in registration order — the
// order [ToWire] tries CanHandle in.
func (r *HandlerRegistry) Ordered() []TransferHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TransferHandler, len(r.order))
	for i, name := range r.order {
		out[i] = r.byName[name]
	}
	return out
}

// --- built-in "proxy" handler ---

// proxyHandler implements §4.3's built-in proxy transfer handler:
// triggers on objects [Proxy] marked, spawns a fresh sub-channel,
// exposes the marked object on one side, and hands back the other side
// as a single transferable.
type proxyHandler struct{}

func (proxyHandler) Name() string        { return "proxy" }
func (proxyHandler) CanHandle(v any) bool { return isProxyMarked(v) }

func (proxyHandler) Serialize(ctx context.Context, v any, hc HandlerContext) (any, error) {
	if hc.NewSubChannel == nil {
		return nil, fmt.Errorf("wireproxy: proxy handler needs a sub-channel factory")
	}
	side1, side2, err := hc.NewSubChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("wireproxy: allocating proxy sub-channel: %w", err)
	}
	// I4: the sub-channel is exposed before the transfer completes, so
	// the first access on the far side still works even if this call
	// has already returned.
	if _, err := Expose(v, side1, hc.Origins, WithRegistry(hc.Registry), WithLogger(hc.Logger)); err != nil {
		return nil, fmt.Errorf("wireproxy: exposing proxy sub-channel: %w", err)
	}
	hc.Queue.Push(side2)
	return struct{}{}, nil
}

func (proxyHandler) Deserialize(ctx context.Context, payload json.RawMessage, hc HandlerContext) (any, error) {
	transferable, ok := hc.Queue.Next()
	if !ok {
		return nil, fmt.Errorf("wireproxy: proxy handler expected a transferred sub-channel, found none")
	}
	ep, ok := transferable.(Endpoint)
	if !ok {
		return nil, fmt.Errorf("wireproxy: proxy handler received a non-endpoint transferable (%T)", transferable)
	}
	if starter, ok := ep.(Starter); ok {
		if err := starter.Start(); err != nil {
			return nil, fmt.Errorf("wireproxy: starting proxy sub-channel: %w", err)
		}
	}
	opts := []Option{WithRegistry(hc.Registry), WithLogger(hc.Logger)}
	if hc.Legacy {
		opts = append(opts, Legacy())
	}
	return Wrap(ep, opts...), nil
}

// --- built-in "throw" handler ---

// throwHandler implements §4.3's built-in throw transfer handler:
// flattens error-shaped values to {name, message, stack} and passes
// everything else through verbatim; deserialize reconstructs a
// [RemoteError] for the error case, or a [RemoteError] carrying the raw
// value in its Value field otherwise.
type throwHandler struct{}

func (throwHandler) Name() string { return "throw" }
func (throwHandler) CanHandle(v any) bool {
	_, ok := v.(thrown)
	return ok
}

// thrown wraps a value produced by a failed dispatch so the "throw"
// handler's CanHandle can distinguish an intentional thrown value from
// an ordinary return value that happens to look like one.
type thrown struct {
	value any
	stack string
}

type thrownErrorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

type thrownRawPayload struct {
	Raw json.RawMessage `json:"raw"`
}

func (throwHandler) Serialize(_ context.Context, v any, _ HandlerContext) (any, error) {
	t := v.(thrown)
	if err, ok := t.value.(error); ok {
		return thrownErrorPayload{
			Name:    errorTypeName(err),
			Message: err.Error(),
			Stack:   t.stack,
		}, nil
	}
	raw, err := json.Marshal(t.value)
	if err != nil {
		return nil, err
	}
	return thrownRawPayload{Raw: raw}, nil
}

func (throwHandler) Deserialize(_ context.Context, payload json.RawMessage, _ HandlerContext) (any, error) {
	var probe struct {
		Name    *string `json:"name"`
		Message *string `json:"message"`
		Stack   string  `json:"stack"`
		Raw     json.RawMessage
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, err
	}
	if probe.Name != nil && probe.Message != nil {
		return thrownError(fmt.Errorf("%s: %s", *probe.Name, *probe.Message)), nil
	}
	var raw thrownRawPayload
	if err := json.Unmarshal(payload, &raw); err == nil && raw.Raw != nil {
		var v any
		if err := json.Unmarshal(raw.Raw, &v); err != nil {
			return nil, err
		}
		return thrownValueError(v), nil
	}
	return thrownValueError(nil), nil
}

func errorTypeName(err error) string {
	return fmt.Sprintf("%T", err)
}

func captureStack() string {
	return string(debug.Stack())
}
