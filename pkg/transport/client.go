package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/webrtc/protocol"
)

// Transport is the client side of the signaling relay.
type Transport interface {
	// Send enqueues env and returns without waiting for delivery.
	Send(env protocol.Envelope) error
	OnMessage(h func(protocol.Envelope))
	OnDisconnect(h func(error))
	// Join sends a join request and waits for the welcome or error reply.
	Join(ctx context.Context, roomID, memberID string, info protocol.JoinInfo) (protocol.Welcome, error)
	Leave(ctx context.Context, roomID, memberID string) error
	Reconnect(ctx context.Context) error
	Close() error
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Logger     *zap.Logger
	SendBuffer int
}

type joinResult struct {
	welcome protocol.Welcome
	err     error
}

// Client implements Transport over any Wire produced by a Dialer.
type Client struct {
	dial   Dialer
	logger *zap.Logger
	buffer int

	mu           sync.Mutex
	wire         Wire
	send         chan []byte
	stop         chan struct{}
	connected    bool
	closed       bool
	handlers     []func(protocol.Envelope)
	onDisconnect []func(error)
	pendingJoins map[string]chan joinResult
}

var _ Transport = (*Client)(nil)

// NewClient builds a disconnected client; call Connect before use.
func NewClient(dial Dialer, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		dial:         dial,
		logger:       logger.With(zap.String("component", "transport")),
		buffer:       buffer,
		pendingJoins: make(map[string]chan joinResult),
	}
}

// Connect dials the relay. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	wire, err := c.dial(ctx)
	if err != nil {
		return rtcerr.New("connect", errors.Join(rtcerr.ErrTransportDisconnected, err))
	}

	c.mu.Lock()
	if c.closed || c.connected {
		c.mu.Unlock()
		_ = wire.Close()
		if c.closed {
			return ErrClosed
		}
		return nil
	}
	send := make(chan []byte, c.buffer)
	stop := make(chan struct{})
	c.wire, c.send, c.stop, c.connected = wire, send, stop, true
	c.mu.Unlock()

	go c.writePump(wire, send, stop)
	go c.readPump(wire, stop)
	c.logger.Debug("connected")
	return nil
}

// Reconnect drops the current wire, if any, and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	wire := c.wire
	c.mu.Unlock()
	if wire != nil {
		c.teardown(wire, false)
	}
	return c.Connect(ctx)
}

// Connected reports whether a wire is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) OnMessage(h func(protocol.Envelope)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

func (c *Client) OnDisconnect(h func(error)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, h)
	c.mu.Unlock()
}

func (c *Client) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return rtcerr.New("send "+string(env.Type), rtcerr.ErrTransportDisconnected)
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping message", zap.String("type", string(env.Type)))
		return rtcerr.New("send "+string(env.Type), errors.New("send buffer full"))
	}
}

func (c *Client) Join(ctx context.Context, roomID, memberID string, info protocol.JoinInfo) (protocol.Welcome, error) {
	wait := make(chan joinResult, 1)
	c.mu.Lock()
	if prev, ok := c.pendingJoins[roomID]; ok {
		prev <- joinResult{err: rtcerr.New("join", context.Canceled)}
	}
	c.pendingJoins[roomID] = wait
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.TypeJoin, roomID, memberID, "", info)
	if err == nil {
		err = c.Send(env)
	}
	if err != nil {
		c.clearPending(roomID, wait)
		return protocol.Welcome{}, err
	}

	select {
	case res := <-wait:
		return res.welcome, res.err
	case <-ctx.Done():
		c.clearPending(roomID, wait)
		return protocol.Welcome{}, rtcerr.New("join", ctx.Err())
	}
}

func (c *Client) Leave(ctx context.Context, roomID, memberID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Send(protocol.Envelope{RoomID: roomID, From: memberID, Type: protocol.TypeLeave})
}

// Close shuts the client down for good. Disconnect handlers are not invoked.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wire := c.wire
	c.mu.Unlock()
	if wire != nil {
		c.teardown(wire, false)
	}
	return nil
}

func (c *Client) clearPending(roomID string, wait chan joinResult) {
	c.mu.Lock()
	if c.pendingJoins[roomID] == wait {
		delete(c.pendingJoins, roomID)
	}
	c.mu.Unlock()
}

// teardown closes wire if it is still current. notify controls whether the
// disconnect handlers run (only for drops the caller did not ask for).
func (c *Client) teardown(wire Wire, notify bool) {
	c.mu.Lock()
	if c.wire != wire {
		c.mu.Unlock()
		return
	}
	close(c.stop)
	c.wire, c.send, c.stop, c.connected = nil, nil, nil, false
	pending := c.pendingJoins
	c.pendingJoins = make(map[string]chan joinResult)
	handlers := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()

	_ = wire.Close()
	for _, wait := range pending {
		wait <- joinResult{err: rtcerr.New("join", rtcerr.ErrTransportDisconnected)}
	}
	if !notify {
		return
	}
	c.logger.Info("disconnected from relay")
	for _, h := range handlers {
		h(rtcerr.ErrTransportDisconnected)
	}
}

func (c *Client) readPump(wire Wire, stop chan struct{}) {
	defer c.teardown(wire, true)
	for {
		data, err := wire.ReadMessage()
		if err != nil {
			select {
			case <-stop:
			default:
				if !IsNormalClose(err) {
					c.logger.Debug("read error", zap.Error(err))
				}
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("bad payload from relay", zap.Error(err))
			continue
		}
		if c.resolveJoin(env) {
			continue
		}
		c.mu.Lock()
		handlers := append([]func(protocol.Envelope){}, c.handlers...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(env)
		}
	}
}

// resolveJoin completes a pending Join for welcome and join-error replies. The
// welcome is also handed to the message handlers so they can seed their roster.
func (c *Client) resolveJoin(env protocol.Envelope) bool {
	var res joinResult
	switch env.Type {
	case protocol.TypeWelcome:
		if err := env.Decode(&res.welcome); err != nil {
			res.err = rtcerr.New("join", err)
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.Decode(&p); err != nil || p.Op != protocol.TypeJoin {
			return false
		}
		res.err = rtcerr.FromPayload(p)
	default:
		return false
	}

	c.mu.Lock()
	wait, ok := c.pendingJoins[env.RoomID]
	delete(c.pendingJoins, env.RoomID)
	c.mu.Unlock()
	if ok {
		wait <- res
	}
	return env.Type == protocol.TypeError
}

func (c *Client) writePump(wire Wire, send chan []byte, stop chan struct{}) {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	pinger, _ := wire.(Pinger)
	for {
		select {
		case <-stop:
			return
		case msg := <-send:
			if err := wire.WriteMessage(msg); err != nil {
				c.logger.Debug("write error", zap.Error(err))
				_ = wire.Close()
				return
			}
		case <-ticker.C:
			if pinger == nil {
				continue
			}
			if err := pinger.Ping(); err != nil {
				_ = wire.Close()
				return
			}
		}
	}
}
