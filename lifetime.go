// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireproxy

import (
	"runtime"
	"sync/atomic"
	"weak"
)

// releaseState tracks the once-only release lifecycle shared by both
// [Exposer] (which owns the exposed value and its [Finalizer]) and
// [Handle] (which owns the caller-side proxy). Both call release
// through the same guarded path so an explicit [Handle.Release] and a
// GC-driven best-effort notification can never double-fire.
type releaseState struct {
	released atomic.Bool
}

// markReleased returns true the first time it is called, false on every
// subsequent call — the guard that makes release idempotent.
func (r *releaseState) markReleased() bool {
	return r.released.CompareAndSwap(false, true)
}

func (r *releaseState) isReleased() bool {
	return r.released.Load()
}

// endpointRefs counts the live proxies sharing one [Endpoint] — the
// source specification's per-endpoint proxy counter (§4.6, §9: "The
// refcount-per-endpoint discipline is mandatory regardless"). Every
// [Handle] returned by [Wrap] or reached by navigating from one shares
// the same handleConn and therefore the same endpointRefs; each holds
// exactly one count while live. The wire RELEASE request, and the
// connection teardown that goes with it, fire only once the count
// returns to zero — not on the first [Handle.Release] call among many.
type endpointRefs struct {
	n atomic.Int32
}

// add adjusts the count by delta and returns the result.
func (r *endpointRefs) add(delta int32) int32 {
	return r.n.Add(delta)
}

// gcCleanup arranges for cleanup to run when owner becomes unreachable,
// via [runtime.AddCleanup]. It is the Go realization of the source
// specification's optional "host unreachable-object notification"
// (§4.6, P8): browsers can hook FinalizationRegistry to send RELEASE
// when a [Handle]'s proxy is collected without an explicit release();
// here the same best-effort signal comes from the garbage collector
// finalizing the owner.
//
// cleanup must not close over owner (that would keep it reachable
// forever); state carries whatever cleanup needs instead. weak.Pointer
// additionally lets callers check liveness without extending it.
func gcCleanup[T any](owner *T, state any, cleanup func(state any)) (cancel func(), weakRef weak.Pointer[T]) {
	weakRef = weak.Make(owner)
	c := runtime.AddCleanup(owner, cleanup, state)
	return c.Stop, weakRef
}
