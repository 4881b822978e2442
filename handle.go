// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireproxy

import (
	"context"
	"fmt"
	"log/slog"
)

// handleConn is the state shared by every [Handle] that navigates the
// same underlying [Endpoint] — the root returned by [Wrap] and every
// Handle reached from it via [Handle.At]. (A *Handle decoded from a
// reply, such as a CONSTRUCT result, is wrapped around its own
// sub-channel and has a handleConn of its own.) refs counts how many of those Handles are still
// live; teardown guards the one-time transition that fires once refs
// reaches zero. Everything else is set once at [Wrap] time.
type handleConn struct {
	ep       Endpoint
	registry *HandlerRegistry
	logger   *slog.Logger
	subs     SubChannelFactory
	legacy   bool
	corr     *correlator
	unlisten func()
	refs     endpointRefs
	teardown releaseState
}

// handleGuard is the per-Handle release guard. It is allocated apart
// from the *Handle it belongs to so that [gcCleanup] can hold a
// reference to it without keeping the Handle itself reachable — an
// interior pointer into the Handle would defeat the whole point of a
// weak/finalizer-driven release.
type handleGuard struct {
	conn     *handleConn
	released releaseState
}

// release decrements the endpoint's live-proxy count and, only once it
// reaches zero, sends the wire RELEASE and tears the connection down
// (§4.6, §9). Idempotent: a second call, whether from an explicit
// [Handle.Release] or from a later GC cleanup of the same Handle, is a
// no-op.
func (g *handleGuard) release() error {
	if !g.released.markReleased() {
		return nil
	}
	if g.conn.refs.add(-1) > 0 {
		return nil
	}
	if !g.conn.teardown.markReleased() {
		return nil
	}
	err := g.conn.sendRelease(nil)
	if g.conn.unlisten != nil {
		g.conn.unlisten()
	}
	g.conn.corr.closeAll(ErrReleased)
	return err
}

// Handle is the caller side of a remote object reached over an
// [Endpoint] — the implementation's stand-in for the source
// specification's transparent Proxy (§9 Design Notes: Go has no
// property-trap mechanism, so navigation is explicit). A zero-path
// Handle from [Wrap] addresses the exposer's root value; [Handle.At]
// returns a child Handle addressing one property deeper. Every Handle,
// however reached, holds its own count against its connection's
// [endpointRefs] and can be released independently of its siblings.
type Handle struct {
	conn     *handleConn
	path     []string
	guard    *handleGuard
	cancelGC func()
}

// registerHandleGC arranges for h's connection reference to be dropped
// when h becomes unreachable without an explicit [Handle.Release]. The
// cleanup closure captures h.guard, never h itself.
func registerHandleGC(h *Handle) func() {
	cancel, _ := gcCleanup(h, h.guard, func(state any) {
		_ = state.(*handleGuard).release()
	})
	return cancel
}

// checkUsable reports whether h may still be used: it fails once h
// itself has been released, and also once the underlying connection has
// torn down because every Handle sharing it reached zero (at which
// point no sibling Handle is usable either, regardless of its own
// release state).
func (h *Handle) checkUsable() error {
	if h.guard.released.isReleased() {
		return ErrReleased
	}
	if h.conn.teardown.isReleased() {
		return ErrReleased
	}
	return nil
}

// Wrap attaches a [Handle] to ep, the caller-side counterpart to
// [Expose] (§4.2). Wrap starts ep if it implements [Starter]. The
// returned Handle should eventually be released, either explicitly via
// [Handle.Release] or implicitly when it becomes unreachable — the
// latter is a best-effort notification only (§4.6, P8) and callers that
// need deterministic cleanup should call Release.
func Wrap(ep Endpoint, opts ...Option) *Handle {
	cfg := buildOptions(opts)
	if starter, ok := ep.(Starter); ok {
		_ = starter.Start()
	}
	subs := cfg.subChannels
	if subs == nil {
		subs, _ = ep.(SubChannelFactory)
	}
	conn := &handleConn{
		ep:       ep,
		registry: cfg.registry,
		logger:   cfg.logger,
		subs:     subs,
		legacy:   cfg.legacy,
		corr:     newCorrelator(),
	}
	conn.refs.add(1)
	conn.unlisten = ep.Listen(func(msg Message) {
		reply, err := UnmarshalReply(msg.Data)
		if err != nil {
			conn.logger.Warn("wireproxy: dropping malformed reply", "error", err)
			return
		}
		conn.corr.deliver(reply, msg.Transferables)
	})
	h := &Handle{conn: conn, guard: &handleGuard{conn: conn}}
	h.cancelGC = registerHandleGC(h)
	return h
}

func (c *handleConn) hc(legacyOverride *bool) HandlerContext {
	legacy := c.legacy
	if legacyOverride != nil {
		legacy = *legacyOverride
	}
	return HandlerContext{
		Registry:      c.registry,
		Legacy:        legacy,
		Logger:        c.logger,
		Queue:         &TransferQueue{},
		NewSubChannel: c.newSubChannel,
	}
}

// decodeContext builds the [HandlerContext] used to decode an inbound
// reply, pre-seeding its queue with whatever transferables arrived on
// the same [Message] so the "proxy" handler (and ENDPOINT's own
// decoding) can drain them in wire order.
func (c *handleConn) decodeContext(env replyEnvelope) HandlerContext {
	hc := c.hc(&env.Reply.Legacy)
	hc.Queue.Push(env.Transferables...)
	return hc
}

func (c *handleConn) newSubChannel(ctx context.Context) (Endpoint, Endpoint, error) {
	if c.subs == nil {
		return nil, nil, fmt.Errorf("wireproxy: endpoint does not support sub-channels")
	}
	return c.subs.NewSubChannel(ctx)
}

func (c *handleConn) roundTrip(ctx context.Context, req Request, transferables ...Transferable) (replyEnvelope, error) {
	if c.teardown.isReleased() {
		return replyEnvelope{}, ErrReleased
	}
	id, replies := c.corr.register()
	req.ID = id
	req.Legacy = c.legacy
	data, err := MarshalRequest(req, c.legacy)
	if err != nil {
		c.corr.forget(id)
		return replyEnvelope{}, fmt.Errorf("wireproxy: encoding request: %w", err)
	}
	if err := c.ep.Post(data, transferables); err != nil {
		c.corr.forget(id)
		return replyEnvelope{}, fmt.Errorf("wireproxy: posting request: %w", err)
	}
	return c.corr.await(ctx, id, replies)
}

// sendRelease posts a fire-and-forget RELEASE request. It never waits
// for (or expects) a reply, matching §4.1 RELEASE's "never replies."
func (c *handleConn) sendRelease(path []string) error {
	data, err := MarshalRequest(Request{Op: OpRelease, Path: path, Legacy: c.legacy}, c.legacy)
	if err != nil {
		return err
	}
	return c.ep.Post(data, nil)
}

// Path returns the property path this Handle addresses, relative to the
// exposer's root value.
func (h *Handle) Path() []string {
	return append([]string(nil), h.path...)
}

// childPath extends h's path by one segment without instantiating a new
// Handle — for the internal callers that only need the resulting path
// for a single request (Get, Set, SubEndpoint, and Call's target).
func (h *Handle) childPath(segment string) []string {
	return append(append([]string(nil), h.path...), segment)
}

// child returns a new Handle addressing the named property of h and
// counted against the same connection's [endpointRefs]: it is a
// distinct proxy in its own right and must be released (explicitly or
// via GC) independently of h.
func (h *Handle) child(segment string) *Handle {
	h.conn.refs.add(1)
	child := &Handle{conn: h.conn, path: h.childPath(segment), guard: &handleGuard{conn: h.conn}}
	child.cancelGC = registerHandleGC(child)
	return child
}

// At returns a Handle addressing the named property of h. Unlike Get,
// At performs no wire round trip — the path is only resolved on the
// exposer side when an operation (Get, Set, Call, Apply, Construct,
// SubEndpoint, Describe) is actually invoked on the result. This is how
// a caller reaches a remote constructor or method by name without
// first fetching it as a value. The returned Handle is its own proxy
// (§4.6, §9) and should eventually be released like any other.
func (h *Handle) At(segment string) *Handle {
	return h.child(segment)
}

func (h *Handle) decodeReply(ctx context.Context, env replyEnvelope) (any, error) {
	hc := h.conn.decodeContext(env)
	v, err := FromWire(ctx, env.Reply.Value, hc)
	if err != nil {
		return nil, fmt.Errorf("wireproxy: decoding reply at %s: %w", h.pathString(), err)
	}
	if re, ok := v.(*RemoteError); ok {
		return nil, re
	}
	return v, nil
}

// Get fetches the named property (§4.1 GET). The result is decoded like
// any wire value: a plain JSON-shaped value, or a fresh *Handle if the
// remote side proxied it.
func (h *Handle) Get(ctx context.Context, name string) (any, error) {
	if err := h.checkUsable(); err != nil {
		return nil, err
	}
	reply, err := h.conn.roundTrip(ctx, Request{Op: OpGet, Path: h.childPath(name)})
	if err != nil {
		return nil, err
	}
	return h.decodeReply(ctx, reply)
}

// GetHandle is [Handle.Get] for the common case where the caller
// already knows the property addresses another remote object, and
// wants to keep navigating without a type assertion.
func (h *Handle) GetHandle(ctx context.Context, name string) (*Handle, error) {
	v, err := h.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	child, ok := v.(*Handle)
	if !ok {
		return nil, fmt.Errorf("wireproxy: property %q is not a remote object (got %T)", name, v)
	}
	return child, nil
}

// Set assigns the named property (§4.1 SET).
func (h *Handle) Set(ctx context.Context, name string, value any) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	hc := h.conn.hc(nil)
	wv, err := ToWire(ctx, value, hc)
	if err != nil {
		return fmt.Errorf("wireproxy: encoding value for %q: %w", name, err)
	}
	reply, err := h.conn.roundTrip(ctx, Request{Op: OpSet, Path: h.childPath(name), Value: &wv}, hc.Queue.Drain()...)
	if err != nil {
		return err
	}
	_, err = h.decodeReply(ctx, reply)
	return err
}

// Call invokes the named method with args (§4.1 APPLY, applied to
// path+[name] the way the source specification's proxy get-then-apply
// trap sequence does).
func (h *Handle) Call(ctx context.Context, name string, args ...any) (any, error) {
	return h.applyAt(ctx, h.childPath(name), args)
}

// Apply invokes this Handle itself as a function (§4.1 APPLY against
// h's own path).
func (h *Handle) Apply(ctx context.Context, args ...any) (any, error) {
	return h.applyAt(ctx, h.path, args)
}

func (h *Handle) applyAt(ctx context.Context, path []string, args []any) (any, error) {
	if err := h.checkUsable(); err != nil {
		return nil, err
	}
	hc := h.conn.hc(nil)
	wireArgs, err := toWireArgs(ctx, args, hc)
	if err != nil {
		return nil, fmt.Errorf("wireproxy: encoding arguments: %w", err)
	}
	reply, err := h.conn.roundTrip(ctx, Request{Op: OpApply, Path: path, Args: wireArgs}, hc.Queue.Drain()...)
	if err != nil {
		return nil, err
	}
	return h.decodeReply(ctx, reply)
}

// Construct invokes this Handle as a constructor (§4.1 CONSTRUCT). The
// remote result is always proxy-wrapped (mirroring the source
// specification's "constructed objects are never structurally cloned"),
// so a successful call always yields a fresh *Handle.
func (h *Handle) Construct(ctx context.Context, args ...any) (*Handle, error) {
	if err := h.checkUsable(); err != nil {
		return nil, err
	}
	hc := h.conn.hc(nil)
	wireArgs, err := toWireArgs(ctx, args, hc)
	if err != nil {
		return nil, fmt.Errorf("wireproxy: encoding arguments: %w", err)
	}
	reply, err := h.conn.roundTrip(ctx, Request{Op: OpConstruct, Path: h.path, Args: wireArgs}, hc.Queue.Drain()...)
	if err != nil {
		return nil, err
	}
	v, err := h.decodeReply(ctx, reply)
	if err != nil {
		return nil, err
	}
	result, ok := v.(*Handle)
	if !ok {
		return nil, fmt.Errorf("wireproxy: CONSTRUCT result was not proxied (got %T)", v)
	}
	return result, nil
}

// SubEndpoint requests a dedicated sub-channel onto the named property
// (§4.1 ENDPOINT), returning a *Handle already wrapped around it.
func (h *Handle) SubEndpoint(ctx context.Context, name string) (*Handle, error) {
	if err := h.checkUsable(); err != nil {
		return nil, err
	}
	env, err := h.conn.roundTrip(ctx, Request{Op: OpEndpoint, Path: h.childPath(name)})
	if err != nil {
		return nil, err
	}
	// ENDPOINT's reply payload is an empty marker; the actual result is
	// the transferred port itself; §4.1 ENDPOINT.
	if len(env.Transferables) == 0 {
		return nil, fmt.Errorf("wireproxy: ENDPOINT reply carried no transferred port")
	}
	ep, ok := env.Transferables[0].(Endpoint)
	if !ok {
		return nil, fmt.Errorf("wireproxy: ENDPOINT reply's transferable was not an endpoint (%T)", env.Transferables[0])
	}
	opts := []Option{WithRegistry(h.conn.registry), WithLogger(h.conn.logger), WithSubChannelFactory(h.conn.subs)}
	if env.Reply.Legacy {
		opts = append(opts, Legacy())
	}
	return Wrap(ep, opts...), nil
}

// Release notifies the exposer that this particular proxy is no longer
// needed (§4.1 RELEASE) and permanently disables h. It decrements the
// connection's live-proxy count (§4.6, §9: "the refcount-per-endpoint
// discipline is mandatory regardless"); the wire RELEASE only goes out,
// and the connection only tears down, once every Handle sharing it —
// the root Handle from [Wrap] and every descendant reached via
// [Handle.At] over the same connection — has likewise been released or
// collected. Calling Release more than once on the same Handle is safe:
// only the first call has an effect.
func (h *Handle) Release(ctx context.Context) error {
	if h.cancelGC != nil {
		h.cancelGC()
	}
	return h.guard.release()
}

// Describe fetches the raw decoded value h currently addresses — sugar
// over GET at h's own path rather than a child's, useful when a caller
// holds a Handle (say, from [Handle.At] or a CONSTRUCT result) and wants
// its value without knowing in advance whether the remote side proxied
// it or returned a plain wire value (§9 SUPPLEMENTED FEATURES).
func (h *Handle) Describe(ctx context.Context) (any, error) {
	if err := h.checkUsable(); err != nil {
		return nil, err
	}
	reply, err := h.conn.roundTrip(ctx, Request{Op: OpGet, Path: h.path})
	if err != nil {
		return nil, err
	}
	return h.decodeReply(ctx, reply)
}

// pathString returns a small diagnostic summary of the Handle, useful in
// logs.
func (h *Handle) pathString() string {
	if len(h.path) == 0 {
		return "<root>"
	}
	s := h.path[0]
	for _, seg := range h.path[1:] {
		s += "." + seg
	}
	return s
}
