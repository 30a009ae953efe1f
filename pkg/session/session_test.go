package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"voicerooms/pkg/media"
	"voicerooms/pkg/notify"
	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/webrtc/peer"
	"voicerooms/pkg/webrtc/peer/peertest"
	"voicerooms/pkg/webrtc/protocol"
)

// stubTransport plays the relay: it records what the session sends and lets
// the test deliver envelopes and drops.
type stubTransport struct {
	mu           sync.Mutex
	handlers     []func(protocol.Envelope)
	onDisconnect []func(error)
	roster       []protocol.Member
	reconnectErr error
	// joinErr makes Join fail after the join request went out.
	joinErr error
	sent    chan protocol.Envelope
}

func newStubTransport(roster ...protocol.Member) *stubTransport {
	return &stubTransport{roster: roster, sent: make(chan protocol.Envelope, 256)}
}

func (t *stubTransport) Send(env protocol.Envelope) error {
	t.sent <- env
	return nil
}

func (t *stubTransport) OnMessage(h func(protocol.Envelope)) {
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
}

func (t *stubTransport) OnDisconnect(h func(error)) {
	t.mu.Lock()
	t.onDisconnect = append(t.onDisconnect, h)
	t.mu.Unlock()
}

func (t *stubTransport) Join(ctx context.Context, roomID, memberID string, info protocol.JoinInfo) (protocol.Welcome, error) {
	t.mu.Lock()
	if t.joinErr != nil {
		err := t.joinErr
		t.mu.Unlock()
		_ = t.Send(protocol.MustEnvelope(protocol.TypeJoin, roomID, memberID, "", info))
		return protocol.Welcome{}, err
	}
	w := protocol.Welcome{Room: protocol.RoomInfo{ID: roomID, Name: roomID}, Self: memberID, Members: append([]protocol.Member(nil), t.roster...)}
	t.mu.Unlock()
	t.deliver(protocol.MustEnvelope(protocol.TypeWelcome, roomID, "", memberID, w))
	return w, nil
}

func (t *stubTransport) Leave(ctx context.Context, roomID, memberID string) error {
	return t.Send(protocol.Envelope{RoomID: roomID, From: memberID, Type: protocol.TypeLeave})
}

func (t *stubTransport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnectErr
}

func (t *stubTransport) Close() error { return nil }

func (t *stubTransport) deliver(env protocol.Envelope) {
	t.mu.Lock()
	handlers := append([]func(protocol.Envelope){}, t.handlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (t *stubTransport) drop() {
	t.mu.Lock()
	handlers := append([]func(error){}, t.onDisconnect...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(rtcerr.ErrTransportDisconnected)
	}
}

func member(id string, joined time.Time) protocol.Member {
	return protocol.Member{UserID: id, DisplayName: id, JoinedAt: joined}
}

type fixture struct {
	t       *testing.T
	tr      *stubTransport
	net     *peertest.Network
	clock   *clockwork.FakeClock
	s       *Session
	notices chan notify.Notice
	states  chan LinkInfo
	remote  chan media.RemoteTrack

	mu     sync.Mutex
	tracks []*media.SampleTrack
	codec  string
	deny   bool
}

// newFixture joins "A" to room r1 alongside the other members.
func newFixture(t *testing.T, others ...string) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	roster := []protocol.Member{}
	for i, id := range others {
		roster = append(roster, member(id, clock.Now().Add(time.Duration(i)*time.Second)))
	}
	roster = append(roster, member("A", clock.Now().Add(time.Minute)))

	f := &fixture{
		t:       t,
		tr:      newStubTransport(roster...),
		net:     peertest.NewNetwork(),
		clock:   clock,
		notices: make(chan notify.Notice, 64),
		states:  make(chan LinkInfo, 256),
		remote:  make(chan media.RemoteTrack, 16),
		codec:   webrtc.MimeTypeVP8,
	}
	s, err := New(f.tr, Options{
		MemberID:          "A",
		DisplayName:       "A",
		Peers:             f.net,
		Capturer:          media.CapturerFunc(f.capture),
		Notify:            notify.SinkFunc(func(n notify.Notice) { f.notices <- n }),
		Clock:             clock,
		Logger:            zaptest.NewLogger(t),
		Grace:             3 * time.Second,
		ReconnectInterval: time.Second,
		OnLinkState:       func(info LinkInfo) { f.states <- info },
		OnRemoteTrack:     func(rt media.RemoteTrack) { f.remote <- rt },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	f.s = s

	members, err := s.Join(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, members, len(others)+1)
	return f
}

func (f *fixture) capture(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deny {
		return nil, rtcerr.New("capture", rtcerr.ErrPermissionDenied)
	}
	track, err := media.NewSampleTrack(media.KindVideo, f.codec, "screen", "s", media.TrackSettings{Width: 640, Height: 360})
	if err != nil {
		return nil, err
	}
	f.tracks = append(f.tracks, track)
	return media.NewStream(track), nil
}

func (f *fixture) track() *media.SampleTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.tracks)
	return f.tracks[len(f.tracks)-1]
}

// next returns the next sent envelope, skipping trickled candidates.
func (f *fixture) next() protocol.Envelope {
	f.t.Helper()
	for {
		select {
		case env := <-f.tr.sent:
			if env.Type == protocol.TypeICECandidate {
				continue
			}
			return env
		case <-time.After(2 * time.Second):
			f.t.Fatal("timed out waiting for a sent envelope")
			return protocol.Envelope{}
		}
	}
}

func (f *fixture) expect(typ protocol.MessageType, to string) protocol.Envelope {
	f.t.Helper()
	env := f.next()
	require.Equal(f.t, typ, env.Type, "envelope to %q", env.To)
	require.Equal(f.t, to, env.To)
	return env
}

// drained returns every envelope sent so far, candidates excluded.
func (f *fixture) drained() []protocol.Envelope {
	f.s.Members() // flush the loop
	var out []protocol.Envelope
	for {
		select {
		case env := <-f.tr.sent:
			if env.Type != protocol.TypeICECandidate {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func (f *fixture) notice(kind notify.Kind) notify.Notice {
	f.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-f.notices:
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			f.t.Fatalf("no %s notice", kind)
			return notify.Notice{}
		}
	}
}

func (f *fixture) deliver(typ protocol.MessageType, from, to string, payload interface{}) {
	f.tr.deliver(protocol.MustEnvelope(typ, "r1", from, to, payload))
}

func (f *fixture) answer(offer protocol.Envelope) {
	var sdp protocol.SessionDescription
	require.NoError(f.t, offer.Decode(&sdp))
	f.deliver(protocol.TypeAnswer, offer.To, "A", protocol.SessionDescription{Type: "answer", SDP: "answer:" + sdp.SDP})
}

func (f *fixture) share(opts ShareOptions) *media.Stream {
	f.t.Helper()
	stream, err := f.s.StartSharing(context.Background(), opts)
	require.NoError(f.t, err)
	f.expect(protocol.TypeStart, "")
	return stream
}

func linkStates(links []LinkInfo) map[LinkKey]LinkState {
	out := make(map[LinkKey]LinkState, len(links))
	for _, l := range links {
		out[l.LinkKey] = l.State
	}
	return out
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from LinkState
		ev   linkEvent
		to   LinkState
		ok   bool
	}{
		{StateIdle, evSendOffer, StateOfferSent, true},
		{StateIdle, evRecvOffer, StateOfferReceived, true},
		{StateOfferReceived, evSendAnswer, StateAnswerExchanged, true},
		{StateOfferSent, evRecvAnswer, StateAnswerExchanged, true},
		{StateAnswerExchanged, evConnected, StateConnected, true},
		{StateIdle, evRecvAnswer, StateIdle, false},
		{StateOfferSent, evConnected, StateOfferSent, false},
		{StateOfferSent, evSendOffer, StateOfferSent, false},
		{StateConnected, evRecvAnswer, StateConnected, false},
		{StateConnected, evStop, StateClosed, true},
		{StateIdle, evLeave, StateClosed, true},
		{StateOfferReceived, evTimeout, StateClosed, true},
		{StateAnswerExchanged, evError, StateClosed, true},
	}
	for _, tt := range tests {
		got, ok := transition(tt.from, tt.ev)
		assert.Equal(t, tt.to, got, "%s + %d", tt.from, tt.ev)
		assert.Equal(t, tt.ok, ok, "%s + %d", tt.from, tt.ev)
	}

	for ev := evSendOffer; ev <= evTimeout; ev++ {
		got, ok := transition(StateClosed, ev)
		assert.Equal(t, StateClosed, got)
		assert.False(t, ok)
	}
}

func TestTeardownWinsInAnyOrder(t *testing.T) {
	run := func(start LinkState, evs ...linkEvent) LinkState {
		s := start
		for _, e := range evs {
			s, _ = transition(s, e)
		}
		return s
	}
	for _, teardown := range []linkEvent{evStop, evLeave} {
		assert.Equal(t, StateClosed, run(StateOfferSent, evRecvAnswer, teardown))
		assert.Equal(t, StateClosed, run(StateOfferSent, teardown, evRecvAnswer))
		assert.Equal(t, StateClosed, run(StateOfferSent, teardown, evRecvAnswer, evConnected))
		assert.Equal(t, StateClosed, run(StateOfferReceived, evSendAnswer, teardown, evConnected))
		assert.Equal(t, StateClosed, run(StateOfferReceived, teardown, evSendAnswer))
	}
}

func TestStopSharingIsIdempotent(t *testing.T) {
	f := newFixture(t, "B", "C")
	stream := f.share(ShareOptions{})
	f.expect(protocol.TypeOffer, "B")
	f.expect(protocol.TypeOffer, "C")
	require.Len(t, f.s.Links(), 2)

	require.NoError(t, f.s.StopSharing())
	require.NoError(t, f.s.StopSharing())

	stops := 0
	for _, env := range f.drained() {
		if env.Type == protocol.TypeStop {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
	assert.Empty(t, f.s.Links())
	assert.False(t, f.s.Sharing())
	assert.Zero(t, f.net.Open())
	for _, tr := range stream.Tracks() {
		select {
		case <-tr.Ended():
		default:
			t.Fatalf("track %s still live", tr.ID())
		}
	}
	for _, m := range f.s.Members() {
		assert.False(t, m.IsScreenSharing, m.UserID)
	}
}

func TestLateAnswerAfterStopIsIgnored(t *testing.T) {
	f := newFixture(t, "B")
	f.share(ShareOptions{})
	offer := f.expect(protocol.TypeOffer, "B")

	require.NoError(t, f.s.StopSharing())
	f.answer(offer)

	assert.Empty(t, f.s.Links())
	conns := f.net.Conns("A", "B")
	require.Len(t, conns, 1)
	assert.False(t, conns[0].Connected())
}

func TestLeaveAfterAnswerClosesLink(t *testing.T) {
	f := newFixture(t, "B")
	f.share(ShareOptions{})
	offer := f.expect(protocol.TypeOffer, "B")

	f.answer(offer)
	states := linkStates(f.s.Links())
	assert.Equal(t, StateAnswerExchanged, states[LinkKey{Room: "r1", From: "A", To: "B"}])

	f.deliver(protocol.TypeLeave, "B", "", nil)
	assert.Empty(t, f.s.Links())
	for _, m := range f.s.Members() {
		assert.NotEqual(t, "B", m.UserID)
	}
	assert.Zero(t, f.net.Open())
}

func TestAtMostOneLinkPerPair(t *testing.T) {
	f := newFixture(t, "B")
	f.share(ShareOptions{})
	f.expect(protocol.TypeOffer, "B")

	joined := member("B", f.clock.Now())
	f.deliver(protocol.TypeJoin, "B", "", joined)
	f.deliver(protocol.TypeJoin, "B", "", joined)
	f.deliver(protocol.TypeViewerJoined, "B", "A", nil)

	links := f.s.Links()
	require.Len(t, links, 1)
	assert.Equal(t, LinkKey{Room: "r1", From: "A", To: "B"}, links[0].LinkKey)
	assert.Len(t, f.net.Conns("A", "B"), 4)
	assert.Equal(t, 1, f.net.Open())
}

func TestNoLinkWithoutMembership(t *testing.T) {
	f := newFixture(t, "B")

	f.deliver(protocol.TypeOffer, "X", "A", protocol.SessionDescription{Type: "offer", SDP: "offer:X->A#9"})
	assert.Empty(t, f.s.Links())

	f.deliver(protocol.TypeStart, "B", "", nil)
	f.deliver(protocol.TypeOffer, "B", "A", protocol.SessionDescription{Type: "offer", SDP: "offer:B->A#9"})
	require.Len(t, f.s.Links(), 1)

	f.deliver(protocol.TypeLeave, "B", "", nil)
	assert.Empty(t, f.s.Links())
	f.drained()

	f.share(ShareOptions{})
	f.deliver(protocol.TypeViewerJoined, "X", "A", nil)
	assert.Empty(t, f.s.Links())
	assert.Empty(t, f.net.Conns("A", "X"))
}

func TestViewerAnswersAndRoutesCandidates(t *testing.T) {
	f := newFixture(t, "B")
	f.deliver(protocol.TypeStart, "B", "", nil)
	f.deliver(protocol.TypeOffer, "B", "A", protocol.SessionDescription{Type: "offer", SDP: "offer:B->A#7"})

	env := f.expect(protocol.TypeAnswer, "B")
	var sdp protocol.SessionDescription
	require.NoError(t, env.Decode(&sdp))
	assert.Equal(t, "answer:offer:B->A#7", sdp.SDP)

	key := LinkKey{Room: "r1", From: "B", To: "A"}
	assert.Equal(t, StateAnswerExchanged, linkStates(f.s.Links())[key])

	f.deliver(protocol.TypeICECandidate, "B", "A", protocol.Candidate{Initiator: "B", Candidate: "candidate:1"})
	f.deliver(protocol.TypeICECandidate, "B", "A", protocol.Candidate{Initiator: "A", Candidate: "candidate:stray"})
	conns := f.net.Conns("A", "B")
	require.Len(t, conns, 1)
	cands := conns[0].Candidates()
	require.Len(t, cands, 1)
	assert.Equal(t, "candidate:1", cands[0].Candidate)

	f.deliver(protocol.TypeStop, "B", "", nil)
	assert.Empty(t, f.s.Links())
	for _, m := range f.s.Members() {
		assert.False(t, m.IsScreenSharing)
	}
}

func TestSignalingTimeoutClosesOnlyThatLink(t *testing.T) {
	f := newFixture(t, "B", "C")
	f.share(ShareOptions{})
	f.expect(protocol.TypeOffer, "B")
	offerC := f.expect(protocol.TypeOffer, "C")

	// C answers through a real counterpart so its link connects; B stays silent.
	var sdp protocol.SessionDescription
	require.NoError(t, offerC.Decode(&sdp))
	viewer, err := f.net.NewPeer(peer.Config{RoomID: "r1", LocalID: "C", RemoteID: "A"}, peer.Events{})
	require.NoError(t, err)
	_, err = viewer.Accept(context.Background(), sdp)
	require.NoError(t, err)
	f.answer(offerC)

	keyC := LinkKey{Room: "r1", From: "A", To: "C"}
	require.Eventually(t, func() bool {
		return linkStates(f.s.Links())[keyC] == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(DefaultSignalingTimeout)

	n := f.notice(notify.KindConnection)
	assert.True(t, errors.Is(n.Err, rtcerr.ErrSignalingTimeout))
	assert.Equal(t, "B", n.Peer)

	require.Eventually(t, func() bool { return len(f.s.Links()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, linkStates(f.s.Links())[keyC])
	assert.Equal(t, 2, f.net.Open(), "only the link to C and its far end remain")
	assert.True(t, f.s.Sharing(), "a link timeout does not stop sharing")

	var closed []LinkInfo
	for {
		select {
		case info := <-f.states:
			if info.State == StateClosed {
				closed = append(closed, info)
			}
			continue
		default:
		}
		break
	}
	require.Len(t, closed, 1)
	assert.Equal(t, "B", closed[0].To)
	assert.ErrorIs(t, closed[0].Err, rtcerr.ErrSignalingTimeout)
}

func TestPermissionDeniedCreatesNothing(t *testing.T) {
	f := newFixture(t, "B")
	f.deny = true

	_, err := f.s.StartSharing(context.Background(), ShareOptions{})
	assert.ErrorIs(t, err, rtcerr.ErrPermissionDenied)
	assert.False(t, f.s.Sharing())
	assert.Empty(t, f.s.Links())
	assert.Empty(t, f.drained())

	n := f.notice(notify.KindSharing)
	assert.Equal(t, notify.LevelError, n.Level)
	assert.Contains(t, n.Message, "permission")
}

func TestStartSharingTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.share(ShareOptions{})
	_, err := f.s.StartSharing(context.Background(), ShareOptions{})
	assert.ErrorIs(t, err, rtcerr.ErrAlreadySharing)
}

func TestCaptureEndedOutsideStopsSharing(t *testing.T) {
	f := newFixture(t, "B")
	f.share(ShareOptions{})
	f.expect(protocol.TypeOffer, "B")

	f.track().Stop()

	f.expect(protocol.TypeStop, "")
	require.Eventually(t, func() bool { return !f.s.Sharing() }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.s.Links())
	assert.Equal(t, "Screen sharing stopped.", f.notice(notify.KindSharing).Message)
}

func TestRecordingIsExportedAfterStop(t *testing.T) {
	f := newFixture(t)
	f.share(ShareOptions{RecordSession: true})
	assert.Equal(t, notify.LevelInfo, f.notice(notify.KindRecording).Level)

	track := f.track()
	require.NoError(t, track.WriteSample(media.Sample{Data: []byte{0x00, 0x10}, Duration: time.Second / 30}))
	f.clock.Advance(40 * time.Millisecond)
	require.NoError(t, track.WriteSample(media.Sample{Data: []byte{0x01, 0x11}, Duration: time.Second / 30}))
	require.NoError(t, f.s.StopSharing())

	var buf bytes.Buffer
	name, err := f.s.ExportRecording(&buf)
	require.NoError(t, err)
	assert.Equal(t, "r1-20260102T030405Z.webm", name)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte{0x1a, 0x45, 0xdf, 0xa3}))
}

func TestRecordingFailureKeepsSharing(t *testing.T) {
	f := newFixture(t, "B")
	f.codec = webrtc.MimeTypeH264
	f.share(ShareOptions{RecordSession: true})

	n := f.notice(notify.KindRecording)
	assert.ErrorIs(t, n.Err, rtcerr.ErrRecordingUnsupported)
	assert.True(t, f.s.Sharing())
	f.expect(protocol.TypeOffer, "B")

	_, err := f.s.ExportRecording(&bytes.Buffer{})
	assert.ErrorIs(t, err, rtcerr.ErrRecordingInactive)
}

func TestUpdateStateAppliesLocallyAndBroadcasts(t *testing.T) {
	f := newFixture(t, "B")
	require.NoError(t, f.s.UpdateState(protocol.StatePatch{IsMuted: protocol.Bool(true), IsScreenSharing: protocol.Bool(true)}))

	env := f.expect(protocol.TypeState, "")
	var patch protocol.StatePatch
	require.NoError(t, env.Decode(&patch))
	assert.Nil(t, patch.IsScreenSharing)
	require.NotNil(t, patch.IsMuted)

	for _, m := range f.s.Members() {
		if m.UserID == "A" {
			assert.True(t, m.IsMuted)
			assert.False(t, m.IsScreenSharing)
		}
	}

	f.deliver(protocol.TypeState, "B", "", protocol.StatePatch{IsVideoOn: protocol.Bool(true)})
	f.deliver(protocol.TypeState, "B", "", protocol.StatePatch{IsMuted: protocol.Bool(true)})
	for _, m := range f.s.Members() {
		if m.UserID == "B" {
			assert.True(t, m.IsVideoOn)
			assert.True(t, m.IsMuted)
		}
	}
}

func TestRequestStreamAsksSharerAgain(t *testing.T) {
	f := newFixture(t, "B")
	f.deliver(protocol.TypeOffer, "B", "A", protocol.SessionDescription{Type: "offer", SDP: "offer:B->A#1"})
	f.expect(protocol.TypeAnswer, "B")

	require.NoError(t, f.s.RequestStream("B"))
	f.expect(protocol.TypeViewerJoined, "B")
	assert.Empty(t, f.s.Links(), "the stale inbound link is dropped")

	assert.ErrorIs(t, f.s.RequestStream("X"), rtcerr.ErrNotMember)
}

func TestLeaveIsIdempotentAndReleasesCapture(t *testing.T) {
	f := newFixture(t, "B")
	stream := f.share(ShareOptions{})
	f.expect(protocol.TypeOffer, "B")

	require.NoError(t, f.s.Leave(context.Background()))
	<-stream.Tracks()[0].Ended()
	assert.Empty(t, f.s.Links())
	assert.Equal(t, "", f.s.Room())
	f.expect(protocol.TypeLeave, "")

	require.NoError(t, f.s.Leave(context.Background()))
	assert.Empty(t, f.drained())
}

func TestRemovedFromRoomByRelay(t *testing.T) {
	f := newFixture(t, "B")
	f.share(ShareOptions{})

	f.deliver(protocol.TypeLeave, "A", "", nil)
	assert.Equal(t, "", f.s.Room())
	assert.False(t, f.s.Sharing())
	assert.Equal(t, "You were removed from the room.", f.notice(notify.KindRoom).Message)
}

func TestDisconnectRejoinsAndOffersAgain(t *testing.T) {
	f := newFixture(t, "B")
	f.share(ShareOptions{})
	f.expect(protocol.TypeOffer, "B")

	f.tr.drop()
	assert.Equal(t, rtcerr.ErrTransportDisconnected, errors.Unwrap(f.notice(notify.KindConnection).Err))

	// The stub reconnects at once and welcomes the session back.
	f.expect(protocol.TypeStart, "")
	offer := f.expect(protocol.TypeOffer, "B")
	assert.True(t, strings.HasPrefix(string(offer.Payload), `{"type":"offer"`))
	assert.Equal(t, "Reconnected to the room.", f.notice(notify.KindConnection).Message)

	require.Len(t, f.s.Links(), 1)
	assert.Len(t, f.net.Conns("A", "B"), 2)
	assert.Equal(t, 1, f.net.Open())
}

func TestGraceExpiryLeavesLocally(t *testing.T) {
	f := newFixture(t, "B")
	stream := f.share(ShareOptions{})
	f.expect(protocol.TypeOffer, "B")

	f.tr.mu.Lock()
	f.tr.reconnectErr = rtcerr.New("connect", rtcerr.ErrTransportDisconnected)
	f.tr.mu.Unlock()
	f.tr.drop()
	require.Eventually(t, func() bool { return len(f.s.Links()) == 0 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
		f.clock.Advance(time.Second)
	}

	n := f.notice(notify.KindRoom)
	assert.Equal(t, notify.LevelError, n.Level)
	assert.ErrorIs(t, n.Err, rtcerr.ErrTransportDisconnected)
	require.Eventually(t, func() bool { return f.s.Room() == "" }, 2*time.Second, 10*time.Millisecond)
	<-stream.Tracks()[0].Ended()
	assert.Empty(t, f.s.Links())
}

func TestAbandonedJoinReleasesSeat(t *testing.T) {
	tr := newStubTransport()
	tr.joinErr = rtcerr.New("join", context.DeadlineExceeded)
	s, err := New(tr, Options{MemberID: "A", Peers: peertest.NewNetwork(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Join(context.Background(), "r1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "", s.Room())

	assert.Equal(t, protocol.TypeJoin, (<-tr.sent).Type)
	env := <-tr.sent
	assert.Equal(t, protocol.TypeLeave, env.Type)
	assert.Equal(t, "r1", env.RoomID)
	assert.Equal(t, "A", env.From)
}

func TestRejectedJoinSendsNoLeave(t *testing.T) {
	tr := newStubTransport()
	tr.joinErr = rtcerr.New("join", rtcerr.ErrCapacityExceeded)
	s, err := New(tr, Options{MemberID: "A", Peers: peertest.NewNetwork(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Join(context.Background(), "r1")
	require.ErrorIs(t, err, rtcerr.ErrCapacityExceeded)
	assert.Equal(t, protocol.TypeJoin, (<-tr.sent).Type)
	select {
	case env := <-tr.sent:
		t.Fatalf("unexpected %s after a rejected join", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
