// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport

import (
	"context"
	"fmt"
	"sync"

	"github.com/wireproxy/wireproxy"
)

// LoopbackEndpoint is an in-process [wireproxy.Endpoint] that delivers
// everything posted to it straight to its peer's listeners, run
// synchronously on the poster's goroutine. It also implements
// [wireproxy.SubChannelFactory], so it exercises the ENDPOINT operation
// and the built-in "proxy" transfer handler without a real transport.
type LoopbackEndpoint struct {
	mu       sync.Mutex
	peer     *LoopbackEndpoint
	nextID   int
	handlers map[int]func(wireproxy.Message)
}

// NewLoopbackPair returns two endpoints wired to each other.
func NewLoopbackPair() (a, b *LoopbackEndpoint) {
	a = &LoopbackEndpoint{handlers: make(map[int]func(wireproxy.Message))}
	b = &LoopbackEndpoint{handlers: make(map[int]func(wireproxy.Message))}
	a.peer, b.peer = b, a
	return a, b
}

// Post implements [wireproxy.Endpoint].
func (e *LoopbackEndpoint) Post(data []byte, transferables []wireproxy.Transferable) error {
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("testsupport: loopback endpoint has no peer")
	}
	msg := wireproxy.Message{Data: append([]byte(nil), data...), Transferables: transferables}
	peer.deliver(msg)
	return nil
}

func (e *LoopbackEndpoint) deliver(msg wireproxy.Message) {
	e.mu.Lock()
	handlers := make([]func(wireproxy.Message), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// Listen implements [wireproxy.Endpoint].
func (e *LoopbackEndpoint) Listen(handler func(wireproxy.Message)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = handler
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

// NewSubChannel implements [wireproxy.SubChannelFactory] by minting a
// fresh loopback pair, the loopback stand-in for a real transport's
// ability to open a new logical channel on demand.
func (e *LoopbackEndpoint) NewSubChannel(ctx context.Context) (side1, side2 wireproxy.Endpoint, err error) {
	a, b := NewLoopbackPair()
	return a, b, nil
}
