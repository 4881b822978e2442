// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireproxy

import (
	"reflect"
	"runtime"
	"sync"
)

// TransferQueue threads transferables between the wire codec and the
// endpoint that actually posts or receives them. Encoding pushes onto
// the queue as it walks a value (and its arguments) in a fixed order;
// decoding pops from the front in the same order. This is the
// implementation's equivalent of the source specification's transfer
// mechanism, where a transferred object arrives already "vivified" at
// the same position in the cloned structure — here that guarantee comes
// from encode and decode walking the wire-value tree identically, and
// the underlying [Endpoint] preserving transferable order.
type TransferQueue struct {
	mu    sync.Mutex
	items []Transferable
}

// Push appends transferables to the back of the queue (encode side).
func (q *TransferQueue) Push(ts ...Transferable) {
	if len(ts) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, ts...)
}

// Next removes and returns the transferable at the front of the queue
// (decode side). ok is false when the queue is empty.
func (q *TransferQueue) Next() (t Transferable, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	t, q.items = q.items[0], q.items[1:]
	return t, true
}

// Drain removes and returns every remaining item.
func (q *TransferQueue) Drain() []Transferable {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// transferSide is the one-shot side-table from §3/§9.4: an
// association from a value to the transferables it should move with,
// consulted only when that exact value is encoded as RAW, and consumed
// (never persisted on the wire). The association is held strongly: an
// annotation that is never consumed keeps its key and its
// transferables reachable. Keys must have stable, comparable
// identity — in practice, pointer-shaped values.
var transferSide sync.Map // map[any][]Transferable

// Transfer records that value should move rather than copy the next
// time it is encoded as a RAW wire value, and returns value unchanged.
// The association is consumed on first use (§5: "observed only once
// per value on encoding; callers must re-annotate to reuse a value").
func Transfer(value any, transferables []Transferable) any {
	transferSide.Store(value, append([]Transferable(nil), transferables...))
	return value
}

func takeTransferAnnotation(value any) ([]Transferable, bool) {
	v, ok := transferSide.LoadAndDelete(value)
	if !ok {
		return nil, false
	}
	return v.([]Transferable), true
}

// proxyMarked records the set of values marked by [Proxy], keyed by
// pointer address rather than by a strong reference to the value
// itself — matching the source specification's non-destructive
// symbol-property tag, which is collected along with the object it
// marks rather than pinned on a process-global registry forever. A
// finalizer set via [runtime.SetFinalizer] on each marked value removes
// its entry once the value becomes unreachable, so marking never
// outlives the object and never defeats the package's GC-based
// lifetime discipline (compare [gcCleanup]).
var (
	proxyMarkedMu sync.Mutex
	proxyMarked   = map[uintptr]struct{}{}
)

// Proxy stamps value with the proxy marker and returns it unchanged.
// When a marked value is later encoded by [ToWire], the built-in
// "proxy" transfer handler routes it through a fresh sub-channel
// instead of copying it (§4.3, P3). value must have stable, comparable
// identity — pass a pointer; anything else is returned unmarked.
func Proxy(value any) any {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return value
	}
	addr := rv.Pointer()
	proxyMarkedMu.Lock()
	proxyMarked[addr] = struct{}{}
	proxyMarkedMu.Unlock()
	// The finalizer closes over addr, a plain integer, never over value
	// itself — closing over value would keep it reachable and the
	// finalizer would never run.
	runtime.SetFinalizer(value, func(any) {
		proxyMarkedMu.Lock()
		delete(proxyMarked, addr)
		proxyMarkedMu.Unlock()
	})
	return value
}

func isProxyMarked(value any) bool {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return false
	}
	proxyMarkedMu.Lock()
	_, ok := proxyMarked[rv.Pointer()]
	proxyMarkedMu.Unlock()
	return ok
}

// Finalizer is an optional capability on an exposed object. When
// implemented, [Exposer] calls WireproxyFinalize exactly once, after
// the object's dedicated endpoint has processed a RELEASE request
// (§4.1 RELEASE, §4.6, P4).
type Finalizer interface {
	WireproxyFinalize()
}
