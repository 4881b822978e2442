// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package wireconn adapts a framed net.Conn into a [wireproxy.Endpoint],
// for exposing or wrapping a value across a TCP or Unix domain socket.
// Each wire message is a 4-byte big-endian length prefix followed by a
// small CBOR envelope; the envelope carries the package's JSON message
// bytes unchanged, so only the outer framing is CBOR.
package wireconn

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/wireproxy/wireproxy"
)

// frameHeaderLength is the fixed size of a message header: 4 bytes
// payload length, big-endian.
const frameHeaderLength = 4

// maxFrameLength bounds a single frame at 32 MiB, generous for a
// wireproxy request or reply but enough to catch a desynced stream
// early rather than allocating unboundedly.
const maxFrameLength = 32 * 1024 * 1024

// envelope is the CBOR-encoded frame body. Splitting Data out from the
// JSON payload it carries (rather than CBOR-encoding the JSON message
// itself) keeps [wireproxy.Endpoint]'s own JSON wire format untouched —
// only the outer transport framing is CBOR.
type envelope struct {
	Data   []byte `cbor:"data"`
	Origin string `cbor:"origin,omitempty"`
}

// Conn adapts a net.Conn into a [wireproxy.Endpoint]. It does not
// implement [wireproxy.SubChannelFactory] or transferable movement — a
// single TCP/Unix stream has no notion of a second logical channel, so
// ENDPOINT and the built-in "proxy" transfer handler are unavailable
// over a bare Conn.
type Conn struct {
	conn   net.Conn
	origin string

	mu       sync.Mutex
	handlers map[int]func(wireproxy.Message)
	nextID   int

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Wrap adapts conn. origin is the value reported on every [wireproxy.Message]
// delivered from it — set it to the peer's identity (a hostname, a
// principal name) when the [wireproxy.OriginAllowList] on the other end
// needs one. The empty string is accepted only by an allow-list that
// accepts every origin or lists "" itself.
func Wrap(conn net.Conn, origin string) *Conn {
	return &Conn{
		conn:     conn,
		origin:   origin,
		handlers: make(map[int]func(wireproxy.Message)),
		done:     make(chan struct{}),
	}
}

// Start begins the read loop that delivers inbound frames to listeners.
// It implements [wireproxy.Starter].
func (c *Conn) Start() error {
	go c.readLoop()
	return nil
}

// Close closes the underlying connection and stops the read loop. It
// implements [wireproxy.Closer].
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		close(c.done)
	})
	return c.closeErr
}

// Post implements [wireproxy.Endpoint]. A non-empty transferables list
// is rejected — see the [Conn] doc comment.
func (c *Conn) Post(data []byte, transferables []wireproxy.Transferable) error {
	if len(transferables) > 0 {
		return fmt.Errorf("wireconn: this endpoint cannot carry transferables")
	}
	body, err := cbor.Marshal(envelope{Data: data})
	if err != nil {
		return fmt.Errorf("wireconn: encoding frame: %w", err)
	}
	if len(body) > maxFrameLength {
		return fmt.Errorf("wireconn: frame of %d bytes exceeds limit of %d", len(body), maxFrameLength)
	}
	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(header[:]); err != nil {
		return fmt.Errorf("wireconn: writing frame header: %w", err)
	}
	if _, err := c.conn.Write(body); err != nil {
		return fmt.Errorf("wireconn: writing frame body: %w", err)
	}
	return nil
}

// Listen implements [wireproxy.Endpoint].
func (c *Conn) Listen(handler func(wireproxy.Message)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *Conn) readLoop() {
	for {
		var header [frameHeaderLength]byte
		if _, err := io.ReadFull(c.conn, header[:]); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header[:])
		if length > maxFrameLength {
			return
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return
		}
		var env envelope
		if err := cbor.Unmarshal(body, &env); err != nil {
			continue
		}
		msg := wireproxy.Message{Data: env.Data, Origin: c.origin}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg wireproxy.Message) {
	c.mu.Lock()
	handlers := make([]func(wireproxy.Message), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

var _ wireproxy.Endpoint = (*Conn)(nil)
var _ wireproxy.Starter = (*Conn)(nil)
var _ wireproxy.Closer = (*Conn)(nil)
