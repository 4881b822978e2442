// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package compresshandler

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"strings"
	"testing"

	"github.com/wireproxy/wireproxy"
)

func TestHandlerRoundTripCompressible(t *testing.T) {
	h, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 200))
	hc := wireproxy.HandlerContext{Registry: wireproxy.NewHandlerRegistry(), Queue: &wireproxy.TransferQueue{}}

	wv, err := h.Serialize(context.Background(), Mark(data), hc)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	payload := wv.(wirePayload)
	if !payload.Compressed {
		t.Fatal("expected compressible text payload to compress")
	}
	if len(payload.Data) >= len(data) {
		t.Fatalf("compressed size %d not smaller than original %d", len(payload.Data), len(data))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal roundtrip: %v", err)
	}
	decoded, err := h.Deserialize(context.Background(), raw, hc)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	got, ok := decoded.(Payload)
	if !ok {
		t.Fatalf("Deserialize returned %T, want Payload", decoded)
	}
	if !bytes.Equal([]byte(got), data) {
		t.Fatal("round-tripped payload does not match original")
	}
}

func TestHandlerSkipsIncompressibleAndSmall(t *testing.T) {
	h, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hc := wireproxy.HandlerContext{Registry: wireproxy.NewHandlerRegistry(), Queue: &wireproxy.TransferQueue{}}

	small := Mark([]byte("short"))
	wv, err := h.Serialize(context.Background(), small, hc)
	if err != nil {
		t.Fatalf("Serialize small: %v", err)
	}
	if wv.(wirePayload).Compressed {
		t.Fatal("payload under MinSize should not be compressed")
	}

	random := make([]byte, 4096)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	wv, err = h.Serialize(context.Background(), Mark(random), hc)
	if err != nil {
		t.Fatalf("Serialize random: %v", err)
	}
	if wv.(wirePayload).Compressed {
		t.Fatal("incompressible random payload should pass through uncompressed")
	}
}

func TestHandlerCanHandle(t *testing.T) {
	h, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !h.CanHandle(Mark([]byte("x"))) {
		t.Error("CanHandle should accept a Payload value")
	}
	if h.CanHandle([]byte("x")) {
		t.Error("CanHandle should reject a bare []byte, which is not a Payload")
	}
	if h.Name() != Name {
		t.Errorf("Name() = %q, want %q", h.Name(), Name)
	}
}
