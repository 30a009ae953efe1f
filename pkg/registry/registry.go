// Package registry owns room membership: who is in a room, their media flags,
// and the join/leave/state broadcasts that keep clients in sync.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"voicerooms/internal/app/rooms"
	"voicerooms/internal/metrics"
	"voicerooms/pkg/presence"
	"voicerooms/pkg/relay"
	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/webrtc/protocol"
)

const (
	defaultMaxMembers     = 10
	defaultEmptyRoomGrace = 5 * time.Minute
)

// Fanout is the relay surface the registry drives.
type Fanout interface {
	relay.Publisher
	Subscribe(roomID, memberID string, c relay.Conn) relay.Conn
	Unsubscribe(roomID, memberID string, c relay.Conn) bool
	Subscribed(roomID, memberID string) bool
	CloseRoom(roomID string) int
}

// Authorizer decides workspace access. The default allows everything.
type Authorizer interface {
	CanCreate(ctx context.Context, workspaceID, userID string) error
	CanJoin(ctx context.Context, room rooms.Room, userID string) error
}

type allowAll struct{}

func (allowAll) CanCreate(context.Context, string, string) error  { return nil }
func (allowAll) CanJoin(context.Context, rooms.Room, string) error { return nil }

// Reaper schedules destruction of a room that became empty.
type Reaper interface {
	ScheduleReap(ctx context.Context, roomID string, after time.Duration) error
}

// Options configures a Registry.
type Options struct {
	Logger            *zap.Logger
	Clock             clockwork.Clock
	Authorizer        Authorizer
	Reaper            Reaper
	EmptyRoomGrace    time.Duration
	DefaultMaxMembers int
}

// Registry coordinates room metadata, presence and fanout.
type Registry struct {
	rooms    rooms.Store
	presence presence.Store
	fanout   Fanout
	auth     Authorizer
	reaper   Reaper
	clock    clockwork.Clock
	logger   *zap.Logger
	locks    *keyedMutex

	emptyGrace time.Duration
	maxMembers int

	timersMu sync.Mutex
	timers   map[string]clockwork.Timer
}

// JoinRequest describes one member entering a room.
type JoinRequest struct {
	RoomID      string
	MemberID    string
	DisplayName string
	Avatar      string
	// Conn, when set, is subscribed to the room's fanout.
	Conn relay.Conn
	// OnJoined runs after the member is registered and before the join is
	// broadcast. The hub uses it to enqueue the welcome ahead of any peer traffic.
	OnJoined func(Snapshot)
}

// Snapshot is the state handed to a joiner.
type Snapshot struct {
	Room     rooms.Room
	Self     protocol.Member
	Members  []protocol.Member
	Rejoined bool
}

// New builds a Registry.
func New(roomStore rooms.Store, presenceStore presence.Store, fanout Fanout, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	auth := opts.Authorizer
	if auth == nil {
		auth = allowAll{}
	}
	r := &Registry{
		rooms:      roomStore,
		presence:   presenceStore,
		fanout:     fanout,
		auth:       auth,
		clock:      clock,
		logger:     logger.With(zap.String("component", "registry")),
		locks:      newKeyedMutex(),
		emptyGrace: opts.EmptyRoomGrace,
		maxMembers: opts.DefaultMaxMembers,
		timers:     make(map[string]clockwork.Timer),
	}
	if r.emptyGrace <= 0 {
		r.emptyGrace = defaultEmptyRoomGrace
	}
	if r.maxMembers <= 0 {
		r.maxMembers = defaultMaxMembers
	}
	r.reaper = opts.Reaper
	if r.reaper == nil {
		r.reaper = timerReaper{r}
	}
	return r
}

// CreateRoom stores a new room owned by r.CreatedBy.
func (r *Registry) CreateRoom(ctx context.Context, room rooms.Room) (*rooms.Room, error) {
	if strings.TrimSpace(room.Name) == "" {
		return nil, errors.New("room name is required")
	}
	if err := r.auth.CanCreate(ctx, room.WorkspaceID, room.CreatedBy); err != nil {
		return nil, rtcerr.New("create room", err)
	}
	if room.MaxMembers <= 0 {
		room.MaxMembers = r.maxMembers
	}
	created, err := r.rooms.Create(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	r.logger.Info("room created", zap.String("room", created.ID), zap.String("member", created.CreatedBy))
	return created, nil
}

func (r *Registry) GetRoom(ctx context.Context, roomID string) (*rooms.Room, error) {
	return r.rooms.Get(ctx, roomID)
}

// JoinRoom registers the member and returns the roster including the joiner.
// A full room is rejected with ErrCapacityExceeded and nothing changes.
func (r *Registry) JoinRoom(ctx context.Context, req JoinRequest) (Snapshot, error) {
	if req.RoomID == "" || req.MemberID == "" {
		return Snapshot{}, rtcerr.New("join", rtcerr.ErrInvalidEnvelope)
	}
	unlock := r.locks.lock(req.RoomID)
	defer unlock()

	room, err := r.rooms.Get(ctx, req.RoomID)
	if err != nil {
		metrics.RoomJoinsTotal.WithLabelValues("not_found").Inc()
		return Snapshot{}, rtcerr.New("join", err)
	}
	if err := r.auth.CanJoin(ctx, *room, req.MemberID); err != nil {
		metrics.RoomJoinsTotal.WithLabelValues("forbidden").Inc()
		return Snapshot{}, rtcerr.New("join", err)
	}

	capacity := room.MaxMembers
	if capacity <= 0 {
		capacity = r.maxMembers
	}
	outcome, err := r.presence.Join(ctx, req.RoomID, protocol.Member{
		UserID:      req.MemberID,
		DisplayName: req.DisplayName,
		Avatar:      req.Avatar,
		JoinedAt:    r.clock.Now().UTC(),
	}, capacity)
	if err != nil {
		return Snapshot{}, rtcerr.New("join", err)
	}
	if outcome == presence.Full {
		metrics.RoomJoinsTotal.WithLabelValues("full").Inc()
		r.logger.Info("join rejected, room full",
			zap.String("room", req.RoomID), zap.String("member", req.MemberID), zap.Int("max", capacity))
		return Snapshot{}, rtcerr.New("join", rtcerr.ErrCapacityExceeded)
	}
	r.cancelReap(req.RoomID)

	members, err := r.presence.Members(ctx, req.RoomID)
	if err != nil {
		return Snapshot{}, rtcerr.New("join", err)
	}
	snap := Snapshot{Room: *room, Members: members, Rejoined: outcome == presence.Rejoined}
	for _, m := range members {
		if m.UserID == req.MemberID {
			snap.Self = m
		}
	}

	if req.Conn != nil {
		r.fanout.Subscribe(req.RoomID, req.MemberID, req.Conn)
	}
	if req.OnJoined != nil {
		req.OnJoined(snap)
	}
	r.fanout.Publish(req.RoomID, protocol.MustEnvelope(protocol.TypeJoin, req.RoomID, req.MemberID, "", snap.Self), req.MemberID)

	metrics.RoomJoinsTotal.WithLabelValues(outcome.String()).Inc()
	if outcome == presence.Joined {
		metrics.MembersActive.Inc()
	}
	r.logger.Info("member joined",
		zap.String("room", req.RoomID), zap.String("member", req.MemberID),
		zap.Int("members", len(members)), zap.Bool("rejoin", snap.Rejoined))
	return snap, nil
}

// LeaveRoom removes the member. Leaving twice is a no-op.
func (r *Registry) LeaveRoom(ctx context.Context, roomID, memberID string) error {
	unlock := r.locks.lock(roomID)
	defer unlock()
	return r.leaveLocked(ctx, roomID, memberID)
}

// LeaveIfDisconnected removes the member only when no connection is subscribed
// for it. A member that rejoined on a new connection keeps its seat. It reports
// whether the member was removed.
func (r *Registry) LeaveIfDisconnected(ctx context.Context, roomID, memberID string) (bool, error) {
	unlock := r.locks.lock(roomID)
	defer unlock()
	if r.fanout.Subscribed(roomID, memberID) {
		r.logger.Info("member reconnected, keeping seat", zap.String("room", roomID), zap.String("member", memberID))
		return false, nil
	}
	if err := r.leaveLocked(ctx, roomID, memberID); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) leaveLocked(ctx context.Context, roomID, memberID string) error {
	left, err := r.presence.Leave(ctx, roomID, memberID)
	if err != nil {
		return rtcerr.New("leave", err)
	}
	r.fanout.Unsubscribe(roomID, memberID, nil)
	if !left {
		return nil
	}
	metrics.MembersActive.Dec()
	r.fanout.Publish(roomID, protocol.Envelope{RoomID: roomID, From: memberID, Type: protocol.TypeLeave}, memberID)
	r.logger.Info("member left", zap.String("room", roomID), zap.String("member", memberID))

	n, err := r.presence.Count(ctx, roomID)
	if err != nil {
		r.logger.Warn("presence count", zap.String("room", roomID), zap.Error(err))
		return nil
	}
	if n == 0 {
		if err := r.reaper.ScheduleReap(ctx, roomID, r.emptyGrace); err != nil {
			r.logger.Warn("schedule reap", zap.String("room", roomID), zap.Error(err))
		}
	}
	return nil
}

// UpdateMemberState merges patch into the member's flags and broadcasts the delta.
func (r *Registry) UpdateMemberState(ctx context.Context, roomID, memberID string, patch protocol.StatePatch) (protocol.Member, error) {
	// Sharing is announced with start/stop only, so the flag cannot be set here.
	patch.IsScreenSharing = nil
	unlock := r.locks.lock(roomID)
	defer unlock()
	return r.updateLocked(ctx, roomID, memberID, patch, protocol.TypeState)
}

// SetSharing flips isScreenSharing and broadcasts start or stop.
func (r *Registry) SetSharing(ctx context.Context, roomID, memberID string, on bool) (protocol.Member, error) {
	unlock := r.locks.lock(roomID)
	defer unlock()
	t := protocol.TypeStop
	if on {
		t = protocol.TypeStart
	}
	return r.updateLocked(ctx, roomID, memberID, protocol.StatePatch{IsScreenSharing: protocol.Bool(on)}, t)
}

func (r *Registry) updateLocked(ctx context.Context, roomID, memberID string, patch protocol.StatePatch, t protocol.MessageType) (protocol.Member, error) {
	if patch.Empty() {
		m, ok, err := r.presence.Get(ctx, roomID, memberID)
		if err != nil {
			return protocol.Member{}, rtcerr.New(string(t), err)
		}
		if !ok {
			return protocol.Member{}, rtcerr.New(string(t), rtcerr.ErrNotMember)
		}
		return m, nil
	}
	m, err := r.presence.Update(ctx, roomID, memberID, patch)
	if err != nil {
		return protocol.Member{}, rtcerr.New(string(t), err)
	}
	var payload interface{}
	if t == protocol.TypeState {
		payload = patch
	}
	r.fanout.Publish(roomID, protocol.MustEnvelope(t, roomID, memberID, "", payload), memberID)
	r.logger.Debug("member state", zap.String("room", roomID), zap.String("member", memberID), zap.String("type", string(t)))
	return m, nil
}

// ListActiveSharers returns the ids of members currently sharing.
func (r *Registry) ListActiveSharers(ctx context.Context, roomID string) ([]string, error) {
	members, err := r.presence.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, m := range members {
		if m.IsScreenSharing {
			out = append(out, m.UserID)
		}
	}
	return out, nil
}

// Snapshot returns the room with its current participants.
func (r *Registry) Snapshot(ctx context.Context, roomID string) (protocol.RoomView, error) {
	room, err := r.rooms.Get(ctx, roomID)
	if err != nil {
		return protocol.RoomView{}, err
	}
	members, err := r.presence.Members(ctx, roomID)
	if err != nil {
		return protocol.RoomView{}, err
	}
	view := protocol.RoomView{ID: room.ID, Name: room.Name, MaxMembers: room.MaxMembers, Participants: make([]protocol.Participant, 0, len(members))}
	for _, m := range members {
		view.Participants = append(view.Participants, protocol.ParticipantOf(m))
	}
	return view, nil
}

// Members returns the current roster.
func (r *Registry) Members(ctx context.Context, roomID string) ([]protocol.Member, error) {
	return r.presence.Members(ctx, roomID)
}

// IsMember reports whether memberID is present in roomID.
func (r *Registry) IsMember(ctx context.Context, roomID, memberID string) bool {
	_, ok, err := r.presence.Get(ctx, roomID, memberID)
	return err == nil && ok
}

// DeleteRoom destroys the room. Only its creator may delete it. Every member
// receives a leave for each participant before connections are closed.
func (r *Registry) DeleteRoom(ctx context.Context, roomID, requester string) error {
	unlock := r.locks.lock(roomID)
	defer unlock()

	room, err := r.rooms.Get(ctx, roomID)
	if err != nil {
		return rtcerr.New("delete room", err)
	}
	if room.CreatedBy != requester {
		return rtcerr.New("delete room", rtcerr.ErrForbidden)
	}

	members, err := r.presence.Members(ctx, roomID)
	if err != nil {
		return rtcerr.New("delete room", err)
	}
	for _, m := range members {
		r.fanout.Publish(roomID, protocol.Envelope{RoomID: roomID, From: m.UserID, Type: protocol.TypeLeave}, "")
	}
	r.fanout.CloseRoom(roomID)
	metrics.MembersActive.Sub(float64(len(members)))

	if err := r.presence.Reset(ctx, roomID); err != nil {
		return rtcerr.New("delete room", err)
	}
	if err := r.rooms.Delete(ctx, roomID); err != nil && !errors.Is(err, rooms.ErrNotFound) {
		return rtcerr.New("delete room", err)
	}
	r.cancelReap(roomID)
	r.logger.Info("room deleted", zap.String("room", roomID), zap.Int("members", len(members)))
	return nil
}

// ReapIfEmpty deletes the room when nobody is in it. It reports whether it did.
func (r *Registry) ReapIfEmpty(ctx context.Context, roomID string) (bool, error) {
	unlock := r.locks.lock(roomID)
	defer unlock()

	n, err := r.presence.Count(ctx, roomID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := r.presence.Reset(ctx, roomID); err != nil {
		return false, err
	}
	if err := r.rooms.Delete(ctx, roomID); err != nil {
		if errors.Is(err, rooms.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	metrics.RoomsReapedTotal.Inc()
	r.logger.Info("empty room reaped", zap.String("room", roomID))
	return true, nil
}

type timerReaper struct{ r *Registry }

func (t timerReaper) ScheduleReap(_ context.Context, roomID string, after time.Duration) error {
	r := t.r
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	if prev, ok := r.timers[roomID]; ok {
		prev.Stop()
	}
	r.timers[roomID] = r.clock.AfterFunc(after, func() {
		r.timersMu.Lock()
		delete(r.timers, roomID)
		r.timersMu.Unlock()
		if _, err := r.ReapIfEmpty(context.Background(), roomID); err != nil {
			r.logger.Warn("reap room", zap.String("room", roomID), zap.Error(err))
		}
	})
	return nil
}

func (r *Registry) cancelReap(roomID string) {
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	if t, ok := r.timers[roomID]; ok {
		t.Stop()
		delete(r.timers, roomID)
	}
}
