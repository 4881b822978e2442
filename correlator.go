// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// replyEnvelope pairs a decoded [Reply] with the transferables that
// arrived alongside it on the same [Message], so the waiter can seed
// its decode-side [TransferQueue] with exactly what the wire delivered.
type replyEnvelope struct {
	Reply         Reply
	Transferables []Transferable
}

// correlator matches outbound requests to inbound replies by ID, the
// way every [Handle] operation that expects an answer (GET, SET, APPLY,
// CONSTRUCT, ENDPOINT) must (§4.2). IDs are generated with
// [uuid.NewString] rather than a counter so that two [Handle]s sharing
// one underlying [Endpoint] (e.g. a released and re-wrapped port) never
// collide.
type correlator struct {
	mu      sync.Mutex
	pending map[string]chan replyEnvelope
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]chan replyEnvelope)}
}

// register mints a fresh request ID and the channel its reply will be
// delivered on. The channel is buffered by one so deliver never blocks
// on a caller that has already given up (context canceled).
func (c *correlator) register() (id string, replies <-chan replyEnvelope) {
	id = uuid.NewString()
	ch := make(chan replyEnvelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return id, ch
}

// forget removes a pending registration without delivering to it, used
// when a call is abandoned (context canceled, endpoint closed).
func (c *correlator) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// deliver routes an inbound reply (plus whatever transferables arrived
// on the same message) to its waiter, if one is still registered. A
// reply with no matching waiter (already forgotten, or a duplicate) is
// silently dropped.
func (c *correlator) deliver(reply Reply, transferables []Transferable) {
	c.mu.Lock()
	ch, ok := c.pending[reply.ID]
	if ok {
		delete(c.pending, reply.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- replyEnvelope{Reply: reply, Transferables: transferables}
}

// await blocks until either replies delivers a value or ctx is done,
// forgetting the registration in the latter case so a slow-arriving
// reply after cancellation does not leak the channel.
func (c *correlator) await(ctx context.Context, id string, replies <-chan replyEnvelope) (replyEnvelope, error) {
	select {
	case env := <-replies:
		return env, nil
	case <-ctx.Done():
		c.forget(id)
		return replyEnvelope{}, fmt.Errorf("wireproxy: waiting for reply to %s: %w", id, ctx.Err())
	}
}

// closeAll delivers a synthetic error to every waiter still pending,
// used when the underlying [Endpoint] is torn down out from under a set
// of in-flight calls.
func (c *correlator) closeAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan replyEnvelope)
	c.mu.Unlock()
	for id, ch := range pending {
		reply := Reply{ID: id, Value: WireValue{Tag: TagHandler, Handler: "throw", Payload: mustMarshalCloseError(err)}}
		ch <- replyEnvelope{Reply: reply}
	}
}

func mustMarshalCloseError(err error) []byte {
	payload := thrownErrorPayload{Name: "Error", Message: err.Error()}
	data, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return []byte(`{"name":"Error","message":"wireproxy: endpoint closed"}`)
	}
	return data
}
