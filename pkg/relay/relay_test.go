package relay

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicerooms/pkg/webrtc/protocol"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (r *recorder) Send(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false
	}
	r.frames = append(r.frames, data)
	return true
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) types(t *testing.T) []protocol.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(r.frames))
	for _, f := range r.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env.Type)
	}
	return out
}

func TestPublishSkipsSender(t *testing.T) {
	r := New(nil)
	a, b, c := &recorder{}, &recorder{}, &recorder{}
	r.Subscribe("room", "a", a)
	r.Subscribe("room", "b", b)
	r.Subscribe("other", "c", c)

	n := r.Publish("room", protocol.Envelope{RoomID: "room", From: "a", Type: protocol.TypeStart}, "a")
	assert.Equal(t, 1, n)
	assert.Empty(t, a.types(t))
	assert.Equal(t, []protocol.MessageType{protocol.TypeStart}, b.types(t))
	assert.Empty(t, c.types(t))
}

func TestSubscribeReplacesStaleConnection(t *testing.T) {
	r := New(nil)
	old, fresh := &recorder{}, &recorder{}
	r.Subscribe("room", "a", old)
	prev := r.Subscribe("room", "a", fresh)

	assert.Same(t, old, prev)
	assert.True(t, old.closed)
	assert.False(t, r.Unsubscribe("room", "a", old), "stale connection must not unsubscribe the new one")
	assert.True(t, r.Subscribed("room", "a"))
	assert.True(t, r.Unsubscribe("room", "a", fresh))
	assert.False(t, r.Subscribed("room", "a"))
}

func TestSendToAndBufferFull(t *testing.T) {
	r := New(nil)
	b := &recorder{full: true}
	r.Subscribe("room", "b", b)

	assert.False(t, r.SendTo("room", "b", protocol.Envelope{RoomID: "room", Type: protocol.TypeOffer, To: "b"}))
	assert.False(t, r.SendTo("room", "missing", protocol.Envelope{RoomID: "room", Type: protocol.TypeOffer, To: "missing"}))

	b.full = false
	assert.True(t, r.SendTo("room", "b", protocol.Envelope{RoomID: "room", Type: protocol.TypeOffer, To: "b"}))
}

func TestCloseRoom(t *testing.T) {
	r := New(nil)
	a, b := &recorder{}, &recorder{}
	r.Subscribe("room", "a", a)
	r.Subscribe("room", "b", b)

	assert.Equal(t, 2, r.CloseRoom("room"))
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, 0, r.Publish("room", protocol.Envelope{RoomID: "room", Type: protocol.TypeStop}, ""))
}
