// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireproxy

import "context"

// Message is a single inbound event delivered by an [Endpoint]. Origin is
// empty for channels that have no notion of an origin (e.g. an in-process
// pipe or a Unix socket). [OriginAllowList.Allows] treats the empty
// origin like any other: the zero-value allow-list and the wildcard
// accept it, and an Exact list accepts it only if it lists "".
type Message struct {
	Data          []byte
	Origin        string
	Transferables []Transferable
}

// Endpoint is the minimal contract this package requires of a duplex
// message channel. It never inspects a channel's transport — only that
// it can post bytes with optional transferables and deliver inbound
// messages to a listener.
//
// Implementations live outside this package: lib/wireconn adapts a
// framed net.Conn, and internal/testsupport provides an in-memory
// loopback pair for tests.
type Endpoint interface {
	// Post sends data to the peer, along with any transferables that
	// should move rather than copy. Implementations that have no
	// notion of transferables should reject a non-empty list rather
	// than silently drop it.
	Post(data []byte, transferables []Transferable) error

	// Listen registers handler to receive every inbound [Message].
	// The returned func removes the registration; calling it more
	// than once is a no-op.
	Listen(handler func(Message)) (unlisten func())
}

// Starter is an optional Endpoint capability. Ports handed out by the
// ENDPOINT operation and by the proxy transfer handler must be started
// before they deliver traffic; [Wrap] and the proxy handler's decode
// path invoke Start idempotently when an Endpoint implements it.
type Starter interface {
	Start() error
}

// Closer is an optional Endpoint capability, implemented by adapters
// such as lib/wireconn. This package never probes for it or calls
// Close: an [Exposer] handling RELEASE and the last [Handle.Release]
// over a connection each remove only their own listener, and the
// endpoint itself stays open, sub-channels included.
type Closer interface {
	Close() error
}

// SubChannelFactory creates a fresh bidirectional pair of endpoints for
// the ENDPOINT operation and the built-in proxy transfer handler. side1
// is attached to a sub-[Exposer] here; side2 is handed to the peer,
// where it becomes port2 of a fresh [Handle].
//
// This is the one piece of channel-implementation-specific behavior the
// core engine needs and cannot get from [Endpoint] alone (the source
// specification's browser runtime gets it for free from MessageChannel).
// In this repository only internal/testsupport's loopback endpoint
// implements it; lib/wireconn does not.
type SubChannelFactory interface {
	NewSubChannel(ctx context.Context) (side1, side2 Endpoint, err error)
}

// Transferable is an opaque handle moved rather than copied when a
// value crosses the wire. Its concrete meaning is endpoint-specific:
// lib/wireconn rejects any non-empty transferables list (its framed
// net.Conn has no side-channel to move a descriptor over), while the
// in-memory loopback endpoint in internal/testsupport passes them
// through as is. The core engine threads a Transferable from
// [Transfer] through [ToWire] to [Endpoint.Post]; the only ones it
// inspects are the sub-channels carried by ENDPOINT replies and the
// "proxy" handler, which it asserts back to [Endpoint] on arrival.
type Transferable = any

// OriginAllowList gates inbound messages by their [Message.Origin]. The
// zero value permits every origin, matching the source specification's
// "the allow-list defaults to permit-all."
type OriginAllowList struct {
	// Exact lists origins accepted by exact string match.
	Exact []string

	// Wildcard, when true, accepts every origin ("*" entry).
	Wildcard bool

	// Match is an optional pattern-matcher entry; nil means "no
	// pattern rule." A rule that panics is treated as caller error
	// and is not recovered.
	Match func(origin string) bool
}

// Allows reports whether origin is accepted. An empty allow-list (the
// zero value) accepts everything.
func (a OriginAllowList) Allows(origin string) bool {
	if !a.Wildcard && a.Match == nil && len(a.Exact) == 0 {
		return true
	}
	if a.Wildcard {
		return true
	}
	for _, exact := range a.Exact {
		if exact == origin {
			return true
		}
	}
	if a.Match != nil && a.Match(origin) {
		return true
	}
	return false
}
