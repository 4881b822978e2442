// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireproxy

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToWire encodes v as a single [WireValue], consulting hc.Registry's
// handlers in order before falling back to RAW (§3, §4.3's toWire).
// Any transferables [Transfer] previously annotated on v (for the RAW
// path) or produced by a handler (for the HANDLER path) are pushed onto
// hc.Queue in the same order both sides will later drain them.
func ToWire(ctx context.Context, v any, hc HandlerContext) (WireValue, error) {
	if hc.Registry != nil {
		for _, handler := range hc.Registry.Ordered() {
			if !handler.CanHandle(v) {
				continue
			}
			payload, err := handler.Serialize(ctx, v, hc)
			if err != nil {
				return WireValue{}, fmt.Errorf("wireproxy: handler %q: %w", handler.Name(), err)
			}
			raw, err := json.Marshal(payload)
			if err != nil {
				return WireValue{}, fmt.Errorf("wireproxy: handler %q produced unserializable payload: %w", handler.Name(), err)
			}
			return WireValue{Tag: TagHandler, Handler: handler.Name(), Payload: raw}, nil
		}
	}

	if transferables, ok := takeTransferAnnotation(v); ok {
		hc.Queue.Push(transferables...)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return WireValue{}, err
	}
	return WireValue{Tag: TagRaw, Payload: raw}, nil
}

// FromWire decodes a single [WireValue] back into a Go value, dispatching
// HANDLER-tagged values to the named handler in hc.Registry and decoding
// RAW-tagged values as generic JSON (§4.3's fromWire).
func FromWire(ctx context.Context, wv WireValue, hc HandlerContext) (any, error) {
	switch wv.Tag {
	case TagRaw:
		if len(wv.Payload) == 0 {
			return nil, nil
		}
		var v any
		if err := json.Unmarshal(wv.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TagHandler:
		if hc.Registry == nil {
			return nil, fmt.Errorf("wireproxy: wire value names handler %q but no registry is configured", wv.Handler)
		}
		handler, ok := hc.Registry.Lookup(wv.Handler)
		if !ok {
			return nil, fmt.Errorf("wireproxy: unknown transfer handler %q", wv.Handler)
		}
		return handler.Deserialize(ctx, wv.Payload, hc)
	default:
		return nil, fmt.Errorf("wireproxy: unknown wire tag %q", wv.Tag)
	}
}

// toWireArgs encodes a slice of arguments, sharing a single
// [HandlerContext] (and therefore a single [TransferQueue]) so
// transferables from every argument interleave in call order.
func toWireArgs(ctx context.Context, args []any, hc HandlerContext) ([]WireValue, error) {
	out := make([]WireValue, len(args))
	for i, a := range args {
		wv, err := ToWire(ctx, a, hc)
		if err != nil {
			return nil, fmt.Errorf("wireproxy: encoding argument %d: %w", i, err)
		}
		out[i] = wv
	}
	return out, nil
}

func fromWireArgs(ctx context.Context, wvs []WireValue, hc HandlerContext) ([]any, error) {
	out := make([]any, len(wvs))
	for i, wv := range wvs {
		v, err := FromWire(ctx, wv, hc)
		if err != nil {
			return nil, fmt.Errorf("wireproxy: decoding argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
