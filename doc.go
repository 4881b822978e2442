// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package wireproxy turns an object graph living in one process into a
// remote-callable surface reachable from another process across nothing
// more than an asynchronous, bidirectional message channel.
//
// [Expose] listens on an [Endpoint] and evaluates incoming requests
// against a host object: property reads and writes, method calls,
// constructor invocation, and nested navigation. [Wrap] does the
// opposite — it returns a [Handle] rooted at the empty path that turns
// every [Handle.Get], [Handle.Call], [Handle.Set], and [Handle.Construct]
// into a request/response round trip over the same kind of channel.
//
// Values cross the channel through the wire codec (wire.go): most values
// are carried by the channel's own encoding, but a value can opt in to a
// [TransferHandler] — [Proxy] marks an object so that, instead of being
// copied, it is reified on the other side as a fresh [Handle] talking to
// a dedicated sub-channel. Thrown errors travel the same way, through the
// built-in "throw" handler.
//
// Every [Handle] over an endpoint holds one count against it. Once each
// of them has been released, explicitly through [Handle.Release] or by
// Go's runtime reporting it unreachable, the endpoint's refcount
// reaches zero and a RELEASE request tears the exposer side down.
//
// This package targets exactly the runtime contract of the source
// specification's proxy-and-dispatch engine. Where the source relies on
// per-property interception that Go cannot express, [Handle] exposes the
// same navigation as explicit methods instead of transparent field
// access — see the [Handle] methods for the resulting call shape.
package wireproxy
