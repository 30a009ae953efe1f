// Package relay fans signaling envelopes out to the connections subscribed to a room.
package relay

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"voicerooms/internal/metrics"
	"voicerooms/pkg/webrtc/protocol"
)

// Conn is one subscriber connection. Send must not block; it reports false when
// the frame was dropped. Close flushes queued frames before disconnecting.
type Conn interface {
	Send(data []byte) bool
	Close()
}

// Publisher is the part of Relay the registry depends on.
type Publisher interface {
	Publish(roomID string, env protocol.Envelope, except string) int
	SendTo(roomID, memberID string, env protocol.Envelope) bool
}

// Relay tracks room -> member -> connection subscriptions.
type Relay struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Conn
	logger *zap.Logger
}

var _ Publisher = (*Relay)(nil)

// New builds an empty relay.
func New(logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		rooms:  make(map[string]map[string]Conn),
		logger: logger.With(zap.String("component", "relay")),
	}
}

// Subscribe routes the member's traffic for roomID to c. A previous connection for
// the same member is returned and closed.
func (r *Relay) Subscribe(roomID, memberID string, c Conn) Conn {
	r.mu.Lock()
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[roomID] = members
	}
	prev := members[memberID]
	members[memberID] = c
	r.mu.Unlock()

	if prev != nil && prev != c {
		r.logger.Info("replacing stale connection", zap.String("room", roomID), zap.String("member", memberID))
		prev.Close()
		return prev
	}
	return nil
}

// Unsubscribe removes the member only while c is still its current connection.
func (r *Relay) Unsubscribe(roomID, memberID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	cur, ok := members[memberID]
	if !ok || (c != nil && cur != c) {
		return false
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}

// Subscribed reports whether the member currently has a live connection in the room.
func (r *Relay) Subscribed(roomID, memberID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][memberID]
	return ok
}

// Publish sends env to every subscriber of roomID except the member named by except.
// It returns the number of connections that accepted the frame.
func (r *Relay) Publish(roomID string, env protocol.Envelope, except string) int {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("marshal broadcast", zap.Error(err))
		return 0
	}

	r.mu.RLock()
	targets := make(map[string]Conn, len(r.rooms[roomID]))
	for id, c := range r.rooms[roomID] {
		if id != except {
			targets[id] = c
		}
	}
	r.mu.RUnlock()

	sent := 0
	for id, c := range targets {
		if c.Send(data) {
			sent++
			continue
		}
		metrics.SignalsDroppedTotal.WithLabelValues("buffer_full").Inc()
		r.logger.Warn("send buffer full, dropping message",
			zap.String("room", roomID), zap.String("member", id), zap.String("type", string(env.Type)))
	}
	return sent
}

// SendTo delivers env to one member. It returns false when the member has no
// connection or its buffer is full.
func (r *Relay) SendTo(roomID, memberID string, env protocol.Envelope) bool {
	r.mu.RLock()
	c := r.rooms[roomID][memberID]
	r.mu.RUnlock()
	if c == nil {
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("marshal direct message", zap.Error(err))
		return false
	}
	if !c.Send(data) {
		metrics.SignalsDroppedTotal.WithLabelValues("buffer_full").Inc()
		return false
	}
	return true
}

// CloseRoom drops every subscription of roomID and closes the connections.
func (r *Relay) CloseRoom(roomID string) int {
	r.mu.Lock()
	members := r.rooms[roomID]
	delete(r.rooms, roomID)
	r.mu.Unlock()

	for _, c := range members {
		c.Close()
	}
	return len(members)
}
