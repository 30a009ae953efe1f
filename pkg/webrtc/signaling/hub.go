package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voicerooms/internal/metrics"
	"voicerooms/pkg/registry"
	"voicerooms/pkg/relay"
	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/transport"
	"voicerooms/pkg/webrtc/protocol"
)

const (
	defaultSendBuffer  = 64
	upgradeReadBuffer  = 1024
	upgradeWriteBuffer = 1024
)

// Registry is the membership service the hub dispatches to.
type Registry interface {
	JoinRoom(ctx context.Context, req registry.JoinRequest) (registry.Snapshot, error)
	LeaveRoom(ctx context.Context, roomID, memberID string) error
	UpdateMemberState(ctx context.Context, roomID, memberID string, patch protocol.StatePatch) (protocol.Member, error)
	SetSharing(ctx context.Context, roomID, memberID string, on bool) (protocol.Member, error)
	IsMember(ctx context.Context, roomID, memberID string) bool
}

// Router delivers point-to-point envelopes and drops subscriptions.
type Router interface {
	SendTo(roomID, memberID string, env protocol.Envelope) bool
	Unsubscribe(roomID, memberID string, c relay.Conn) bool
}

// Lifecycle holds a dropped member's seat for a grace period.
type Lifecycle interface {
	Disconnected(roomID, memberID string)
	Reconnected(roomID, memberID string) bool
}

// HubOptions configures a Hub instance.
type HubOptions struct {
	ICEServers []protocol.ICEServer
	ICEMode    string
	Logger     *zap.Logger
	Upgrader   *websocket.Upgrader
	// Lifecycle, when nil, makes a dropped connection leave its room at once.
	Lifecycle  Lifecycle
	SendBuffer int
	// Tap observes every envelope the hub relays point-to-point.
	Tap func(protocol.Envelope)
}

// ConnOptions controls how a connection is registered.
type ConnOptions struct {
	// ID is the member id bound to the connection (the authenticated user).
	// A random id is generated when empty.
	ID          string
	DisplayName string
	Avatar      string
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
}

// Hub accepts signaling connections and dispatches their envelopes.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*client
	registry   Registry
	router     Router
	lifecycle  Lifecycle
	iceServers []protocol.ICEServer
	iceMode    string
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	sendBuffer int
	tap        func(protocol.Envelope)
}

type client struct {
	connID      string
	id          string
	displayName string
	avatar      string

	wire      transport.Wire
	send      chan []byte
	flush     chan struct{}
	flushOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// room is only touched by the read goroutine.
	room string
}

var _ relay.Conn = (*client)(nil)

// NewHub builds a signaling Hub on top of the registry and router.
func NewHub(reg Registry, router Router, opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}

	return &Hub{
		clients:    make(map[string]*client),
		registry:   reg,
		router:     router,
		lifecycle:  opts.Lifecycle,
		iceServers: opts.ICEServers,
		iceMode:    opts.ICEMode,
		upgrader:   upgrader,
		logger:     logger.With(zap.String("component", "hub")),
		sendBuffer: buffer,
		tap:        opts.Tap,
	}
}

// Upgrade turns the request into a signaling connection bound to opts.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, opts ConnOptions) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade error", zap.Error(err))
		return err
	}
	if err := h.Accept(transport.NewWebSocketWire(conn), opts); err != nil {
		h.logger.Warn("accept error", zap.Error(err))
		_ = conn.Close()
		return err
	}
	return nil
}

// Accept registers an already-established wire (a websocket or an in-memory pipe).
func (h *Hub) Accept(wire transport.Wire, opts ConnOptions) error {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	c := &client{
		connID:      uuid.NewString(),
		id:          id,
		displayName: opts.DisplayName,
		avatar:      opts.Avatar,
		wire:        wire,
		send:        make(chan []byte, h.sendBuffer),
		flush:       make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	h.mu.Lock()
	h.clients[c.connID] = c
	h.mu.Unlock()
	metrics.ConnectionsActive.Inc()
	h.logger.Debug("connection registered", zap.String("member", c.id), zap.String("conn", c.connID))

	go c.writePump(h)
	go c.readPump(h)
	return nil
}

// Shutdown closes every connection. Members keep their seats until the grace period ends.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.connID)
	h.mu.Unlock()
	metrics.ConnectionsActive.Dec()

	if c.room == "" {
		return
	}
	room := c.room
	c.room = ""
	if !h.router.Unsubscribe(room, c.id, c) {
		// Replaced by a newer connection or removed with the room.
		return
	}
	if h.lifecycle != nil {
		h.lifecycle.Disconnected(room, c.id)
		return
	}
	if err := h.registry.LeaveRoom(context.Background(), room, c.id); err != nil {
		h.logger.Warn("leave on disconnect", zap.String("room", room), zap.String("member", c.id), zap.Error(err))
	}
}

func (h *Hub) handleInbound(c *client, env protocol.Envelope) {
	env.From = c.id
	if err := env.Validate(); err != nil {
		h.logger.Debug("invalid envelope", zap.String("member", c.id), zap.Error(err))
		h.sendError(c, env, err)
		return
	}
	ctx := c.ctx

	switch env.Type {
	case protocol.TypeJoin:
		h.join(ctx, c, env)
	case protocol.TypeLeave:
		if c.room != env.RoomID {
			return
		}
		c.room = ""
		if err := h.registry.LeaveRoom(ctx, env.RoomID, c.id); err != nil {
			h.sendError(c, env, err)
		}
	case protocol.TypeStart, protocol.TypeStop:
		if !h.inRoom(c, env) {
			return
		}
		if _, err := h.registry.SetSharing(ctx, env.RoomID, c.id, env.Type == protocol.TypeStart); err != nil {
			h.sendError(c, env, err)
		}
	case protocol.TypeState:
		if !h.inRoom(c, env) {
			return
		}
		var patch protocol.StatePatch
		if err := env.Decode(&patch); err != nil {
			h.sendError(c, env, rtcerr.ErrInvalidEnvelope)
			return
		}
		if _, err := h.registry.UpdateMemberState(ctx, env.RoomID, c.id, patch); err != nil {
			h.sendError(c, env, err)
		}
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate, protocol.TypeViewerJoined:
		h.forwardSignal(ctx, c, env)
	default:
		h.logger.Debug("dropping server-only type from client", zap.String("member", c.id), zap.String("type", string(env.Type)))
	}
}

func (h *Hub) join(ctx context.Context, c *client, env protocol.Envelope) {
	if c.room != "" && c.room != env.RoomID {
		prev := c.room
		c.room = ""
		if err := h.registry.LeaveRoom(ctx, prev, c.id); err != nil {
			h.logger.Warn("leave previous room", zap.String("room", prev), zap.Error(err))
		}
	}

	var info protocol.JoinInfo
	if err := env.Decode(&info); err != nil {
		h.sendError(c, env, rtcerr.ErrInvalidEnvelope)
		return
	}
	if info.DisplayName == "" {
		info.DisplayName = c.displayName
	}
	if info.Avatar == "" {
		info.Avatar = c.avatar
	}

	// Cancel a running grace timer first so it cannot fire after the rejoin.
	held := h.lifecycle != nil && h.lifecycle.Reconnected(env.RoomID, c.id)

	_, err := h.registry.JoinRoom(ctx, registry.JoinRequest{
		RoomID:      env.RoomID,
		MemberID:    c.id,
		DisplayName: info.DisplayName,
		Avatar:      info.Avatar,
		Conn:        c,
		OnJoined: func(s registry.Snapshot) {
			c.sendEnvelope(protocol.MustEnvelope(protocol.TypeWelcome, env.RoomID, "", c.id, protocol.Welcome{
				Room:       s.Room.Info(),
				Self:       c.id,
				Members:    s.Members,
				ICEServers: h.iceServers,
				ICEMode:    h.iceMode,
			}))
		},
	})
	if err != nil {
		h.logger.Info("join rejected", zap.String("room", env.RoomID), zap.String("member", c.id), zap.Error(err))
		h.sendError(c, env, err)
		if held {
			_ = h.registry.LeaveRoom(ctx, env.RoomID, c.id)
		}
		return
	}
	c.room = env.RoomID
}

func (h *Hub) inRoom(c *client, env protocol.Envelope) bool {
	if c.room == env.RoomID {
		return true
	}
	h.sendError(c, env, rtcerr.ErrNotJoined)
	return false
}

// forwardSignal relays a point-to-point envelope when both ends are in the room.
func (h *Hub) forwardSignal(ctx context.Context, c *client, env protocol.Envelope) {
	if c.room != env.RoomID {
		metrics.SignalsDroppedTotal.WithLabelValues("sender_not_member").Inc()
		h.logger.Debug("forward signal from non-member", zap.String("member", c.id), zap.String("room", env.RoomID))
		return
	}
	if !h.registry.IsMember(ctx, env.RoomID, env.To) {
		metrics.SignalsDroppedTotal.WithLabelValues("target_not_member").Inc()
		h.logger.Debug("forward signal target missing",
			zap.String("room", env.RoomID), zap.String("member", c.id), zap.String("peer", env.To))
		return
	}
	if h.tap != nil {
		h.tap(env)
	}
	if !h.router.SendTo(env.RoomID, env.To, env) {
		metrics.SignalsDroppedTotal.WithLabelValues("no_route").Inc()
		return
	}
	metrics.SignalsRelayedTotal.WithLabelValues(string(env.Type)).Inc()
}

func (h *Hub) sendError(c *client, env protocol.Envelope, err error) {
	c.sendEnvelope(protocol.MustEnvelope(protocol.TypeError, env.RoomID, "", c.id, rtcerr.Payload(env.Type, err)))
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		data, err := c.wire.ReadMessage()
		if err != nil {
			if !transport.IsNormalClose(err) && !errors.Is(err, context.Canceled) {
				h.logger.Debug("read error", zap.String("member", c.id), zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("bad payload", zap.String("member", c.id), zap.Error(err))
			continue
		}
		h.handleInbound(c, env)
	}
}

func (c *client) writePump(h *Hub) {
	ticker := time.NewTicker(transport.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.wire.Close()
		c.cancel()
	}()

	pinger, _ := c.wire.(transport.Pinger)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.flush:
			for {
				select {
				case msg := <-c.send:
					if err := c.wire.WriteMessage(msg); err != nil {
						return
					}
				default:
					return
				}
			}
		case msg := <-c.send:
			if err := c.wire.WriteMessage(msg); err != nil {
				h.logger.Debug("write error", zap.String("member", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			if pinger == nil {
				continue
			}
			if err := pinger.Ping(); err != nil {
				return
			}
		}
	}
}

// Send enqueues a frame without blocking. It reports false when the buffer is full
// or the connection is closing.
func (c *client) Send(data []byte) bool {
	select {
	case <-c.flush:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close flushes queued frames and then closes the wire.
func (c *client) Close() {
	c.flushOnce.Do(func() { close(c.flush) })
}

func (c *client) sendEnvelope(env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.Send(data)
}
