// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// options configures both [Expose] and [Wrap]. It is built from the
// varargs each accepts; the same [Option] constructors work for either
// call, since a given [HandlerRegistry] or logger is equally meaningful
// on the exposing or the calling side of a channel.
type options struct {
	registry    *HandlerRegistry
	logger      *slog.Logger
	subChannels SubChannelFactory
	legacy      bool
}

// Option configures [Expose] or [Wrap].
type Option func(*options)

// WithRegistry supplies the [HandlerRegistry] consulted while encoding
// and decoding wire values. Omitting it is equivalent to
// WithRegistry(NewHandlerRegistry()) — a fresh registry with only the
// two built-ins.
func WithRegistry(r *HandlerRegistry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger supplies the [slog.Logger] used for diagnostic logging.
// Omitting it defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSubChannelFactory supplies the [SubChannelFactory] used to
// service ENDPOINT requests and the built-in "proxy" transfer handler.
// If the underlying [Endpoint] itself implements [SubChannelFactory],
// [Expose] and [Wrap] use it automatically and this option is only
// needed to override that default.
func WithSubChannelFactory(f SubChannelFactory) Option {
	return func(o *options) { o.subChannels = f }
}

// Legacy forces the numeric legacy wire encoding on every outbound
// message, regardless of what has been observed from the peer (§4.5).
// [Wrap] uses this to talk to a peer already known to be legacy (for
// example, a port produced while decoding a legacy-encoded message);
// [Expose] never needs it — an exposer always replies in whatever
// encoding the triggering request arrived in.
func Legacy() Option {
	return func(o *options) { o.legacy = true }
}

func buildOptions(opts []Option) options {
	cfg := options{registry: NewHandlerRegistry(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Exposer serves the six wire operations (§4.1) against a single
// in-process root value over one [Endpoint]. Construct one with
// [Expose]; it starts listening immediately.
type Exposer struct {
	root     any
	ep       Endpoint
	origins  OriginAllowList
	registry *HandlerRegistry
	logger   *slog.Logger
	subs     SubChannelFactory
	unlisten func()
	release  releaseState
}

// Expose serves value's six operations over ep, accepting only messages
// whose origin passes origins (an empty allow-list accepts everything;
// §6). Expose starts ep if it implements [Starter], then begins
// listening; the returned [Exposer] can be shut down early with
// [Exposer.Close], though normally its lifetime is driven by inbound
// RELEASE requests (§4.1 RELEASE, §4.6).
func Expose(value any, ep Endpoint, origins OriginAllowList, opts ...Option) (*Exposer, error) {
	cfg := buildOptions(opts)
	if starter, ok := ep.(Starter); ok {
		if err := starter.Start(); err != nil {
			return nil, fmt.Errorf("wireproxy: starting endpoint: %w", err)
		}
	}
	subs := cfg.subChannels
	if subs == nil {
		subs, _ = ep.(SubChannelFactory)
	}
	e := &Exposer{
		root:     value,
		ep:       ep,
		origins:  origins,
		registry: cfg.registry,
		logger:   cfg.logger,
		subs:     subs,
	}
	// Each inbound message dispatches on its own goroutine (§5: "the
	// exposer processes each inbound message in its own goroutine,
	// matching 'no ordering assumed'"). This also keeps a reentrant
	// callback — one that round-trips back over this same connection
	// while its triggering call is still in flight — from deadlocking
	// against a synchronous, single-goroutine dispatch loop (§9).
	e.unlisten = ep.Listen(func(msg Message) {
		go e.handleMessage(msg)
	})
	return e, nil
}

// Close stops the exposer from processing further messages without
// running the exposed value's [Finalizer]. Callers that want RELEASE
// semantics (finalizer included) should send a RELEASE request through
// the peer's [Handle] instead.
func (e *Exposer) Close() {
	if e.unlisten != nil {
		e.unlisten()
	}
}

func (e *Exposer) handleMessage(msg Message) {
	if !e.origins.Allows(msg.Origin) {
		e.logger.Warn("wireproxy: rejected message from disallowed origin", "origin", msg.Origin)
		return
	}
	req, err := UnmarshalRequest(msg.Data)
	if err != nil {
		e.logger.Warn("wireproxy: dropping malformed request", "error", err)
		return
	}
	if e.release.isReleased() {
		e.logger.Debug("wireproxy: dropping request against released exposer", "op", req.Op, "id", req.ID)
		return
	}
	switch req.Op {
	case OpGet, OpSet, OpApply, OpConstruct, OpEndpoint, OpRelease:
	default:
		// Unknown operations are dropped without a reply (§7e).
		e.logger.Debug("wireproxy: dropping request with unknown operation", "op", req.Op, "id", req.ID)
		return
	}

	ctx := context.Background()
	inbound := &TransferQueue{}
	inbound.Push(msg.Transferables...)
	hc := HandlerContext{
		Registry:      e.registry,
		NewSubChannel: e.newSubChannel,
		Legacy:        req.Legacy,
		Origins:       e.origins,
		Logger:        e.logger,
		Queue:         inbound,
	}

	value, dispatchErr := e.safeDispatch(ctx, req, hc)
	if req.Op == OpRelease {
		return // RELEASE never replies (§4.1 RELEASE).
	}

	// Encoding the reply threads its own outbound transferables, kept
	// separate from the inbound queue dispatch just drained from.
	hc.Queue = &TransferQueue{}
	var wv WireValue
	if dispatchErr != nil {
		wv = e.encodeThrow(ctx, dispatchErr, hc)
	} else {
		encoded, err := ToWire(ctx, value, hc)
		if err != nil {
			e.logger.Warn("wireproxy: return value not serializable", "op", req.Op, "error", err)
			wv = e.encodeThrow(ctx, unserializableError(err), hc)
		} else {
			wv = encoded
		}
	}

	reply := Reply{ID: req.ID, Value: wv}
	data, err := MarshalReply(reply, req.Legacy)
	if err != nil {
		e.logger.Error("wireproxy: marshaling reply", "error", err)
		return
	}
	if err := e.ep.Post(data, hc.Queue.Drain()); err != nil {
		e.logger.Error("wireproxy: posting reply", "error", err)
	}
}

// safeDispatch runs dispatch, recovering a panic raised inside it (for
// example [reflect.Value.Call] rejecting a bad argument count) rather
// than letting it cross into the goroutine spawned per message and
// crash the process (§7: "a panicking dispatch handler is recovered by
// the exposer's dispatch goroutine and converted to a thrown marker").
func (e *Exposer) safeDispatch(ctx context.Context, req Request, hc HandlerContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("wireproxy: recovered panic in dispatch", "op", req.Op, "id", req.ID, "panic", r)
			err = thrownError(fmt.Errorf("wireproxy: panic: %v", r))
		}
	}()
	return e.dispatch(ctx, req, hc)
}

func (e *Exposer) encodeThrow(ctx context.Context, err error, hc HandlerContext) WireValue {
	value := any(err)
	if re, ok := err.(*RemoteError); ok {
		switch {
		case re.Value != nil:
			value = re.Value
		case re.Err != nil:
			value = re.Err // the original thrown error, not the RemoteError wrapper
		}
	}
	wv, encErr := ToWire(ctx, thrown{value: value, stack: captureStack()}, hc)
	if encErr != nil {
		return WireValue{Tag: TagRaw, Payload: json.RawMessage(`null`)}
	}
	return wv
}

func (e *Exposer) newSubChannel(ctx context.Context) (Endpoint, Endpoint, error) {
	if e.subs == nil {
		return nil, nil, fmt.Errorf("wireproxy: endpoint does not support sub-channels")
	}
	return e.subs.NewSubChannel(ctx)
}

func (e *Exposer) dispatch(ctx context.Context, req Request, hc HandlerContext) (any, error) {
	switch req.Op {
	case OpGet:
		_, v, err := resolvePath(e.root, req.Path)
		if err != nil {
			return nil, thrownError(err)
		}
		if !v.IsValid() {
			return nil, nil
		}
		return v.Interface(), nil

	case OpSet:
		if req.Value == nil {
			return nil, thrownError(fmt.Errorf("wireproxy: SET requires a value"))
		}
		newValue, err := FromWire(ctx, *req.Value, hc)
		if err != nil {
			return nil, thrownError(err)
		}
		if err := setPath(e.root, req.Path, newValue); err != nil {
			return nil, thrownError(err)
		}
		return true, nil

	case OpApply:
		_, target, err := resolvePath(e.root, req.Path)
		if err != nil {
			return nil, thrownError(err)
		}
		fn, err := callable(target)
		if err != nil {
			return nil, thrownError(err)
		}
		args, err := fromWireArgs(ctx, req.Args, hc)
		if err != nil {
			return nil, thrownError(err)
		}
		results, callErr, err := callWithArgs(fn, args)
		if err != nil {
			return nil, thrownError(err)
		}
		if callErr != nil {
			return nil, thrownError(callErr)
		}
		return firstOrNil(results), nil

	case OpConstruct:
		_, target, err := resolvePath(e.root, req.Path)
		if err != nil {
			return nil, thrownError(err)
		}
		fn, err := callable(target)
		if err != nil {
			return nil, thrownError(err)
		}
		args, err := fromWireArgs(ctx, req.Args, hc)
		if err != nil {
			return nil, thrownError(err)
		}
		results, callErr, err := callWithArgs(fn, args)
		if err != nil {
			return nil, thrownError(err)
		}
		if callErr != nil {
			return nil, thrownError(callErr)
		}
		result := firstOrNil(results)
		return Proxy(result), nil

	case OpEndpoint:
		// Deviation from §4.1: the source specification's ENDPOINT always
		// re-exposes the caller's whole `object`; here it re-exposes
		// whatever req.Path resolved to, so a single exposer can hand out
		// an independent sub-channel onto any navigable value in its
		// graph, not just the root. Every exposed value still gets its
		// own Exposer/endpointRefs/Finalizer lifecycle either way.
		_, v, err := resolvePath(e.root, req.Path)
		if err != nil {
			return nil, thrownError(err)
		}
		if !v.IsValid() {
			return nil, thrownError(fmt.Errorf("wireproxy: ENDPOINT target is undefined"))
		}
		side1, side2, err := e.newSubChannel(ctx)
		if err != nil {
			return nil, thrownError(err)
		}
		if _, err := Expose(v.Interface(), side1, e.origins, WithRegistry(e.registry), WithLogger(e.logger), WithSubChannelFactory(e.subs)); err != nil {
			return nil, thrownError(err)
		}
		// The marker's identity (a fresh pointer per call) is what
		// carries the transfer annotation; its JSON shape is never
		// inspected by the receiving side, which reads the port off
		// the transfer queue instead (see Handle.SubEndpoint).
		marker := new(struct{})
		return Transfer(marker, []Transferable{side2}), nil

	case OpRelease:
		if e.release.markReleased() {
			if fin, ok := e.root.(Finalizer); ok {
				fin.WireproxyFinalize()
			}
			e.Close()
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("wireproxy: unknown operation %q", req.Op)
	}
}

func firstOrNil(vs []any) any {
	if len(vs) == 0 {
		return nil
	}
	return vs[0]
}
