// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireconn_test

import (
	"net"
	"testing"
	"time"

	"github.com/wireproxy/wireproxy"
	"github.com/wireproxy/wireproxy/internal/testsupport"
	"github.com/wireproxy/wireproxy/lib/wireconn"
)

func TestRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	// Each side is labeled with its peer's identity, as Wrap documents.
	a := wireconn.Wrap(server, "client")
	b := wireconn.Wrap(client, "server")
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Close()
	defer b.Close()

	received := make(chan wireproxy.Message, 1)
	b.Listen(func(msg wireproxy.Message) { received <- msg })

	if err := a.Post([]byte("hello"), nil); err != nil {
		t.Fatalf("Post: %v", err)
	}
	msg := testsupport.RequireReceive(t, received, 2*time.Second, "waiting for frame")
	if string(msg.Data) != "hello" {
		t.Fatalf("Data = %q, want %q", msg.Data, "hello")
	}
	if msg.Origin != "server" {
		t.Fatalf("Origin = %q, want %q", msg.Origin, "server")
	}
}

func TestPostRejectsTransferables(t *testing.T) {
	server, client := net.Pipe()
	a := wireconn.Wrap(server, "")
	defer a.Close()
	defer client.Close()

	if err := a.Post([]byte("x"), []wireproxy.Transferable{1}); err == nil {
		t.Fatalf("Post with transferables: expected an error")
	}
}
