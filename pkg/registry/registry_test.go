package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"voicerooms/internal/app/rooms"
	"voicerooms/pkg/presence"
	"voicerooms/pkg/relay"
	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/webrtc/protocol"
)

// journal records every frame delivered to any connection, in delivery order.
type journal struct {
	mu      sync.Mutex
	entries []entry
}

type entry struct {
	to  string
	env protocol.Envelope
}

func (j *journal) conn(member string) *journalConn { return &journalConn{j: j, member: member} }

func (j *journal) received(member string) []protocol.Envelope {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range j.entries {
		if e.to == member {
			out = append(out, e.env)
		}
	}
	return out
}

type journalConn struct {
	j      *journal
	member string
	closed bool
}

func (c *journalConn) Send(data []byte) bool {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	c.j.mu.Lock()
	c.j.entries = append(c.j.entries, entry{to: c.member, env: env})
	c.j.mu.Unlock()
	return true
}

func (c *journalConn) Close() { c.closed = true }

type fixture struct {
	reg   *Registry
	pres  *presence.MemoryStore
	rooms *rooms.MemoryStore
	clock *clockwork.FakeClock
	log   *journal
	room  *rooms.Room
}

func newFixture(t *testing.T, maxMembers int) *fixture {
	t.Helper()
	f := &fixture{
		pres:  presence.NewMemoryStore(),
		rooms: rooms.NewMemoryStore(),
		clock: clockwork.NewFakeClock(),
		log:   &journal{},
	}
	f.reg = New(f.rooms, f.pres, relay.New(zaptest.NewLogger(t)), Options{
		Logger:         zaptest.NewLogger(t),
		Clock:          f.clock,
		EmptyRoomGrace: time.Minute,
	})
	room, err := f.reg.CreateRoom(context.Background(), rooms.Room{Name: "r1", WorkspaceID: "ws", MaxMembers: maxMembers, CreatedBy: "A"})
	require.NoError(t, err)
	f.room = room
	return f
}

func (f *fixture) join(t *testing.T, member string) Snapshot {
	t.Helper()
	snap, err := f.reg.JoinRoom(context.Background(), JoinRequest{
		RoomID: f.room.ID, MemberID: member, DisplayName: member, Conn: f.log.conn(member),
	})
	require.NoError(t, err)
	return snap
}

func types(envs []protocol.Envelope) []protocol.MessageType {
	out := make([]protocol.MessageType, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func TestJoinSnapshotIncludesSharingState(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.join(t, "A")
	f.join(t, "B")
	_, err := f.reg.SetSharing(ctx, f.room.ID, "A", true)
	require.NoError(t, err)

	snap := f.join(t, "C")
	require.Len(t, snap.Members, 3)
	byID := map[string]protocol.Member{}
	for _, m := range snap.Members {
		byID[m.UserID] = m
	}
	assert.True(t, byID["A"].IsScreenSharing)
	assert.False(t, byID["B"].IsScreenSharing)
	assert.Equal(t, "C", snap.Self.UserID)

	assert.Equal(t, []protocol.MessageType{protocol.TypeJoin, protocol.TypeStart, protocol.TypeJoin}, types(f.log.received("B")))
	assert.Empty(t, f.log.received("C"), "the joiner does not receive its own join")

	sharers, err := f.reg.ListActiveSharers(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sharers)
}

func TestCapacityRejectionHasNoSideEffects(t *testing.T) {
	f := newFixture(t, 2)
	f.join(t, "A")
	f.join(t, "B")
	before := len(f.log.received("A"))

	called := false
	_, err := f.reg.JoinRoom(context.Background(), JoinRequest{
		RoomID: f.room.ID, MemberID: "C", Conn: f.log.conn("C"),
		OnJoined: func(Snapshot) { called = true },
	})
	require.ErrorIs(t, err, rtcerr.ErrCapacityExceeded)
	assert.False(t, called)
	assert.Len(t, f.log.received("A"), before, "no join broadcast for a rejected member")
	assert.False(t, f.reg.IsMember(context.Background(), f.room.ID, "C"))

	members, err := f.reg.Members(context.Background(), f.room.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestRejoinBypassesCapacityAndRebroadcasts(t *testing.T) {
	f := newFixture(t, 2)
	f.join(t, "A")
	f.join(t, "B")

	snap := f.join(t, "B")
	assert.True(t, snap.Rejoined)
	assert.Equal(t, []protocol.MessageType{protocol.TypeJoin, protocol.TypeJoin}, types(f.log.received("A")))
}

func TestWelcomeHookRunsBeforeBroadcast(t *testing.T) {
	f := newFixture(t, 0)
	f.join(t, "A")

	var sawJoinFirst bool
	_, err := f.reg.JoinRoom(context.Background(), JoinRequest{
		RoomID: f.room.ID, MemberID: "B", Conn: f.log.conn("B"),
		OnJoined: func(s Snapshot) {
			sawJoinFirst = len(f.log.received("A")) > 0
			require.Len(t, s.Members, 2)
		},
	})
	require.NoError(t, err)
	assert.False(t, sawJoinFirst)
	assert.Len(t, f.log.received("A"), 1)
}

func TestConcurrentStateUpdatesMerge(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.join(t, "A")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.reg.UpdateMemberState(ctx, f.room.ID, "A", protocol.StatePatch{IsMuted: protocol.Bool(true)})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := f.reg.UpdateMemberState(ctx, f.room.ID, "A", protocol.StatePatch{IsVideoOn: protocol.Bool(true)})
		assert.NoError(t, err)
	}()
	wg.Wait()

	m, ok, err := f.pres.Get(ctx, f.room.ID, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, m.IsMuted)
	assert.True(t, m.IsVideoOn)
}

func TestLeaveIsIdempotentAndBroadcastsOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.join(t, "A")
	f.join(t, "B")

	require.NoError(t, f.reg.LeaveRoom(ctx, f.room.ID, "B"))
	require.NoError(t, f.reg.LeaveRoom(ctx, f.room.ID, "B"))
	assert.Equal(t, []protocol.MessageType{protocol.TypeJoin, protocol.TypeLeave}, types(f.log.received("A")))
}

func TestLeaveIfDisconnectedKeepsSubscribedMember(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.join(t, "A")
	f.join(t, "B")

	left, err := f.reg.LeaveIfDisconnected(ctx, f.room.ID, "B")
	require.NoError(t, err)
	assert.False(t, left)
	assert.True(t, f.reg.IsMember(ctx, f.room.ID, "B"))
	assert.Equal(t, []protocol.MessageType{protocol.TypeJoin}, types(f.log.received("A")))

	f.reg.fanout.Unsubscribe(f.room.ID, "B", nil)
	left, err = f.reg.LeaveIfDisconnected(ctx, f.room.ID, "B")
	require.NoError(t, err)
	assert.True(t, left)
	assert.False(t, f.reg.IsMember(ctx, f.room.ID, "B"))
	assert.Equal(t, []protocol.MessageType{protocol.TypeJoin, protocol.TypeLeave}, types(f.log.received("A")))
}

func TestStatePatchCannotSetSharing(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.join(t, "A")
	f.join(t, "B")

	m, err := f.reg.UpdateMemberState(ctx, f.room.ID, "B", protocol.StatePatch{
		IsMuted:         protocol.Bool(true),
		IsScreenSharing: protocol.Bool(true),
	})
	require.NoError(t, err)
	assert.True(t, m.IsMuted)
	assert.False(t, m.IsScreenSharing)

	sharers, err := f.reg.ListActiveSharers(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Empty(t, sharers)

	received := f.log.received("A")
	require.Len(t, received, 2)
	var patch protocol.StatePatch
	require.NoError(t, received[1].Decode(&patch))
	assert.Nil(t, patch.IsScreenSharing)

	_, err = f.reg.UpdateMemberState(ctx, f.room.ID, "B", protocol.StatePatch{IsScreenSharing: protocol.Bool(true)})
	require.NoError(t, err)
	assert.Len(t, f.log.received("A"), 2, "a sharing-only patch is not broadcast")
}

func TestEmptyRoomIsReapedAfterGrace(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.join(t, "A")
	require.NoError(t, f.reg.LeaveRoom(ctx, f.room.ID, "A"))

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(30 * time.Second)
	_, err := f.reg.GetRoom(ctx, f.room.ID)
	require.NoError(t, err, "room survives inside the grace window")

	f.clock.Advance(31 * time.Second)
	require.Eventually(t, func() bool {
		_, err := f.reg.GetRoom(ctx, f.room.ID)
		return rooms.IsNotFound(err)
	}, time.Second, 5*time.Millisecond)
}

func TestRejoinCancelsReap(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.join(t, "A")
	require.NoError(t, f.reg.LeaveRoom(ctx, f.room.ID, "A"))
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	f.join(t, "A")
	f.clock.Advance(2 * time.Minute)
	_, err := f.reg.GetRoom(ctx, f.room.ID)
	assert.NoError(t, err)
}

func TestDeleteRoom(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.join(t, "A")
	f.join(t, "B")

	err := f.reg.DeleteRoom(ctx, f.room.ID, "B")
	require.ErrorIs(t, err, rtcerr.ErrForbidden)

	require.NoError(t, f.reg.DeleteRoom(ctx, f.room.ID, "A"))
	got := f.log.received("B")
	require.GreaterOrEqual(t, len(got), 2)
	var leaves []string
	for _, e := range got {
		if e.Type == protocol.TypeLeave {
			leaves = append(leaves, e.From)
		}
	}
	assert.ElementsMatch(t, []string{"A", "B"}, leaves)

	_, err = f.reg.GetRoom(ctx, f.room.ID)
	assert.True(t, rooms.IsNotFound(err))
	_, err = f.reg.JoinRoom(ctx, JoinRequest{RoomID: f.room.ID, MemberID: "C"})
	assert.ErrorIs(t, err, rtcerr.ErrRoomNotFound)
}
