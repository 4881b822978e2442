// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireproxy

import (
	"encoding/json"
	"fmt"
)

// Operation is one of the six wire operations from §3 of the source
// specification.
type Operation string

const (
	OpGet       Operation = "GET"
	OpSet       Operation = "SET"
	OpApply     Operation = "APPLY"
	OpConstruct Operation = "CONSTRUCT"
	OpEndpoint  Operation = "ENDPOINT"
	OpRelease   Operation = "RELEASE"
)

// legacyOperationCodes fixes the numeric tags used by legacy-encoding
// endpoints (§4.5). The exact values are arbitrary — the spec only
// requires that both sides of a legacy exchange agree on them — but
// once fixed they must never change, since a peer built against an
// earlier revision of this package depends on them.
var legacyOperationCodes = map[Operation]int{
	OpGet:       0,
	OpSet:       1,
	OpApply:     2,
	OpConstruct: 3,
	OpEndpoint:  4,
	OpRelease:   5,
}

var legacyOperationNames = func() map[int]Operation {
	m := make(map[int]Operation, len(legacyOperationCodes))
	for op, code := range legacyOperationCodes {
		m[code] = op
	}
	return m
}()

// WireTag distinguishes a wire value carried verbatim by the channel's
// own encoding (RAW) from one that must be run back through a named
// [TransferHandler] (HANDLER). See §3.
type WireTag string

const (
	TagRaw     WireTag = "RAW"
	TagHandler WireTag = "HANDLER"
)

var legacyTagCodes = map[WireTag]int{TagRaw: 0, TagHandler: 1}

var legacyTagNames = map[int]WireTag{0: TagRaw, 1: TagHandler}

// WireValue is the tagged union from §3: {RAW, value} or
// {HANDLER, name, value}.
type WireValue struct {
	Tag     WireTag
	Handler string
	Payload json.RawMessage

	// fromLegacyPort marks a value that arrived as (or was produced
	// deserializing) a legacy-encoded port. It exists purely so the
	// proxy transfer handler can propagate legacy mode to a freshly
	// wrapped sub-[Handle] per §4.3's fromWire rule, regardless of
	// whether the tag was RAW or HANDLER — the source's own fromWire
	// treats this as an open question about fall-through; this
	// implementation marks both paths independently, per §9.
	fromLegacyPort bool
}

// Request is a decoded wire message (request). See §3.
type Request struct {
	ID     string
	Op     Operation
	Path   []string
	Value  *WireValue
	Args   []WireValue
	Legacy bool
}

// Reply is a decoded wire message (response).
type Reply struct {
	ID     string
	Value  WireValue
	Legacy bool
}

type wireValueWireCurrent struct {
	Type    WireTag         `json:"type"`
	Handler string          `json:"name,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

type wireValueWireLegacy struct {
	Type    int             `json:"type"`
	Handler string          `json:"name,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

func marshalWireValue(v WireValue, legacy bool) (json.RawMessage, error) {
	if legacy {
		code, ok := legacyTagCodes[v.Tag]
		if !ok {
			return nil, fmt.Errorf("wireproxy: unknown wire tag %q", v.Tag)
		}
		return json.Marshal(wireValueWireLegacy{Type: code, Handler: v.Handler, Value: v.Payload})
	}
	return json.Marshal(wireValueWireCurrent{Type: v.Tag, Handler: v.Handler, Value: v.Payload})
}

func unmarshalWireValue(data json.RawMessage) (WireValue, error) {
	if len(data) == 0 {
		return WireValue{}, fmt.Errorf("wireproxy: empty wire value")
	}
	if isJSONString(data) {
		var cur wireValueWireCurrent
		if err := json.Unmarshal(data, &cur); err != nil {
			return WireValue{}, err
		}
		return WireValue{Tag: cur.Type, Handler: cur.Handler, Payload: cur.Value}, nil
	}
	var legacy wireValueWireLegacy
	if err := json.Unmarshal(data, &legacy); err != nil {
		return WireValue{}, err
	}
	tag, ok := legacyTagNames[legacy.Type]
	if !ok {
		return WireValue{}, fmt.Errorf("wireproxy: unknown legacy wire tag %d", legacy.Type)
	}
	return WireValue{Tag: tag, Handler: legacy.Handler, Payload: legacy.Value, fromLegacyPort: true}, nil
}

// isJSONString peeks at a raw-message field's own encoded "type" to
// tell a string-tagged (current) value apart from a number-tagged
// (legacy) one, by looking at whether that field starts with a quote.
func isJSONString(data json.RawMessage) bool {
	var probe struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || len(probe.Type) == 0 {
		return true
	}
	return probe.Type[0] == '"'
}

type requestWireCurrent struct {
	ID           string            `json:"id"`
	Type         Operation         `json:"type"`
	Path         []string          `json:"path,omitempty"`
	Value        json.RawMessage   `json:"value,omitempty"`
	ArgumentList []json.RawMessage `json:"argumentList,omitempty"`
}

type requestWireLegacy struct {
	ID           string            `json:"id"`
	Type         int               `json:"type"`
	Path         []string          `json:"path,omitempty"`
	Value        json.RawMessage   `json:"value,omitempty"`
	ArgumentList []json.RawMessage `json:"argumentList,omitempty"`
}

// MarshalRequest encodes req for the wire, using the legacy numeric
// encoding when legacy is true.
func MarshalRequest(req Request, legacy bool) ([]byte, error) {
	var valueRaw json.RawMessage
	if req.Value != nil {
		encoded, err := marshalWireValue(*req.Value, legacy)
		if err != nil {
			return nil, err
		}
		valueRaw = encoded
	}
	args := make([]json.RawMessage, len(req.Args))
	for i, a := range req.Args {
		encoded, err := marshalWireValue(a, legacy)
		if err != nil {
			return nil, err
		}
		args[i] = encoded
	}
	if legacy {
		code, ok := legacyOperationCodes[req.Op]
		if !ok {
			return nil, fmt.Errorf("wireproxy: unknown operation %q", req.Op)
		}
		return json.Marshal(requestWireLegacy{ID: req.ID, Type: code, Path: req.Path, Value: valueRaw, ArgumentList: args})
	}
	return json.Marshal(requestWireCurrent{ID: req.ID, Type: req.Op, Path: req.Path, Value: valueRaw, ArgumentList: args})
}

// UnmarshalRequest decodes a wire request, accepting either encoding
// (§3: "Inbound messages are accepted under either encoding"). The
// returned Request's Legacy field records which one arrived, so the
// exposer can reply in kind (§4.1 step 4).
func UnmarshalRequest(data []byte) (Request, error) {
	if !isJSONString(json.RawMessage(data)) {
		var legacy requestWireLegacy
		if err := json.Unmarshal(data, &legacy); err != nil {
			return Request{}, err
		}
		op, ok := legacyOperationNames[legacy.Type]
		if !ok {
			return Request{}, fmt.Errorf("wireproxy: unknown legacy operation %d", legacy.Type)
		}
		return decodeRequestBody(legacy.ID, op, legacy.Path, legacy.Value, legacy.ArgumentList, true)
	}
	var cur requestWireCurrent
	if err := json.Unmarshal(data, &cur); err != nil {
		return Request{}, err
	}
	return decodeRequestBody(cur.ID, cur.Type, cur.Path, cur.Value, cur.ArgumentList, false)
}

func decodeRequestBody(id string, op Operation, path []string, valueRaw json.RawMessage, argsRaw []json.RawMessage, legacy bool) (Request, error) {
	req := Request{ID: id, Op: op, Path: path, Legacy: legacy}
	if len(valueRaw) > 0 {
		wv, err := unmarshalWireValue(valueRaw)
		if err != nil {
			return Request{}, err
		}
		req.Value = &wv
	}
	if len(argsRaw) > 0 {
		req.Args = make([]WireValue, len(argsRaw))
		for i, raw := range argsRaw {
			wv, err := unmarshalWireValue(raw)
			if err != nil {
				return Request{}, err
			}
			req.Args[i] = wv
		}
	}
	return req, nil
}

type replyWire struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// MarshalReply encodes a reply. Replies carry no operation tag, so the
// legacy flag affects only the embedded [WireValue]'s encoding.
func MarshalReply(reply Reply, legacy bool) ([]byte, error) {
	valueRaw, err := marshalWireValue(reply.Value, legacy)
	if err != nil {
		return nil, err
	}
	return json.Marshal(replyWire{ID: reply.ID, Value: valueRaw})
}

// UnmarshalReply decodes a reply. The wire value's own tag encoding
// (numeric vs string) determines Reply.Legacy — a reply carries no
// separate operation field to read it from.
func UnmarshalReply(data []byte) (Reply, error) {
	var wire replyWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Reply{}, err
	}
	wv, err := unmarshalWireValue(wire.Value)
	if err != nil {
		return Reply{}, err
	}
	return Reply{ID: wire.ID, Value: wv, Legacy: wv.fromLegacyPort}, nil
}
