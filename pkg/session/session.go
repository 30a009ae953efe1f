// Package session is the client side of a room: it owns the local capture, the
// PeerLinks fed by it, the inbound links from other sharers and the roster.
//
// Every transport message, peer callback, capture event and timer is executed
// on one event loop per Session, so session state needs no locking.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"voicerooms/pkg/lifecycle"
	"voicerooms/pkg/media"
	"voicerooms/pkg/notify"
	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/transport"
	"voicerooms/pkg/webrtc/peer"
	"voicerooms/pkg/webrtc/protocol"
)

const (
	DefaultSignalingTimeout  = 30 * time.Second
	DefaultReconnectInterval = time.Second
)

// ErrClosed is returned by a Session after Close.
var ErrClosed = errors.New("session closed")

// Options configures a Session.
type Options struct {
	MemberID    string
	DisplayName string
	Avatar      string

	Peers    peer.Factory
	Capturer media.Capturer
	Notify   notify.Sink
	Clock    clockwork.Clock
	Logger   *zap.Logger

	// ICEServers are used until a welcome advertises the relay's own.
	ICEServers []protocol.ICEServer

	SignalingTimeout time.Duration
	// Grace bounds how long the session keeps trying to reconnect before it
	// leaves the room locally.
	Grace             time.Duration
	ReconnectInterval time.Duration

	// Callbacks run on the session loop; they must not block or call back
	// into the Session.
	OnRemoteTrack func(t media.RemoteTrack)
	OnLinkState   func(info LinkInfo)
}

// Resolution is the requested capture size; zero means the source's own.
type Resolution struct {
	Width  int
	Height int
}

// ShareOptions are the options of StartSharing.
type ShareOptions struct {
	Source            media.Source
	IncludeAudio      bool
	Resolution        Resolution
	FrameRate         int
	RecordSession     bool
	RecordingMimeType string
}

func (o ShareOptions) constraints() media.Constraints {
	src := o.Source
	if src == "" {
		src = media.SourceScreen
	}
	return media.Constraints{
		Source:       src,
		IncludeAudio: o.IncludeAudio,
		Width:        o.Resolution.Width,
		Height:       o.Resolution.Height,
		FrameRate:    o.FrameRate,
	}
}

// Session is one client's presence in at most one room.
type Session struct {
	tr       transport.Transport
	self     string
	info     protocol.JoinInfo
	peers    peer.Factory
	capturer media.Capturer
	sink     notify.Sink
	clock    clockwork.Clock
	logger   *zap.Logger

	signalingTimeout  time.Duration
	grace             time.Duration
	reconnectInterval time.Duration
	onRemoteTrack     func(media.RemoteTrack)
	onLinkState       func(LinkInfo)

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	qmu    sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool

	// Owned by the loop.
	room         string
	joined       bool
	welcomed     chan struct{}
	members      map[string]protocol.Member
	iceServers   []protocol.ICEServer
	links        map[LinkKey]*link
	stream       *media.Stream
	shareOpts    ShareOptions
	capturing    bool
	recorder     *media.Recorder
	recording    *media.Recording
	reconnecting bool
	attempt      int
}

// New builds a session on tr. The transport must already be connected.
func New(tr transport.Transport, opts Options) (*Session, error) {
	if opts.MemberID == "" {
		return nil, errors.New("session: member id is required")
	}
	if opts.Peers == nil {
		return nil, errors.New("session: peer factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Notify
	if sink == nil {
		sink = notify.Discard
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := opts.SignalingTimeout
	if timeout <= 0 {
		timeout = DefaultSignalingTimeout
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = lifecycle.DefaultGrace
	}
	interval := opts.ReconnectInterval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		tr:                tr,
		self:              opts.MemberID,
		info:              protocol.JoinInfo{DisplayName: opts.DisplayName, Avatar: opts.Avatar},
		peers:             opts.Peers,
		capturer:          opts.Capturer,
		sink:              sink,
		clock:             clock,
		logger:            logger.With(zap.String("component", "session"), zap.String("member", opts.MemberID)),
		signalingTimeout:  timeout,
		grace:             grace,
		reconnectInterval: interval,
		onRemoteTrack:     opts.OnRemoteTrack,
		onLinkState:       opts.OnLinkState,
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
		wake:              make(chan struct{}, 1),
		members:           make(map[string]protocol.Member),
		iceServers:        opts.ICEServers,
		links:             make(map[LinkKey]*link),
		recorder:          media.NewRecorder(clock),
	}
	tr.OnMessage(func(env protocol.Envelope) {
		s.post(func() { s.dispatch(env) })
	})
	tr.OnDisconnect(func(err error) {
		s.post(func() { s.disconnected(err) })
	})
	go s.run()
	return s, nil
}

// Self returns the member id of the session.
func (s *Session) Self() string { return s.self }

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.qmu.Lock()
			batch := s.queue
			s.queue = nil
			s.qmu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}

// post schedules fn on the loop. It never blocks.
func (s *Session) post(fn func()) bool {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the loop and waits for it. It must not be called from the loop.
func (s *Session) do(fn func()) error {
	ran := make(chan struct{})
	if !s.post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Join enters roomID and returns the roster, including this member.
func (s *Session) Join(ctx context.Context, roomID string) ([]protocol.Member, error) {
	var (
		welcomed chan struct{}
		members  []protocol.Member
		err      error
	)
	if derr := s.do(func() {
		switch {
		case s.room == roomID && s.joined:
			members = s.roster()
		case s.room != "":
			err = rtcerr.New("join", fmt.Errorf("already in room %s", s.room))
		default:
			s.room = roomID
			s.welcomed = make(chan struct{})
			welcomed = s.welcomed
		}
	}); derr != nil {
		return nil, derr
	}
	if err != nil || members != nil {
		return members, err
	}

	if _, err := s.tr.Join(ctx, roomID, s.self, s.info); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// The join may still land on the relay; release the seat it would hold.
			leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			if lerr := s.tr.Leave(leaveCtx, roomID, s.self); lerr != nil {
				s.logger.Debug("leave after abandoned join", zap.String("room", roomID), zap.Error(lerr))
			}
			cancel()
		}
		_ = s.do(func() {
			if s.room == roomID && !s.joined && !s.reconnecting {
				s.resetRoom()
			}
		})
		s.notifyErr(err)
		return nil, err
	}

	select {
	case <-welcomed:
	case <-ctx.Done():
		return nil, rtcerr.New("join", ctx.Err())
	case <-s.done:
		return nil, ErrClosed
	}
	if derr := s.do(func() {
		if s.room != roomID || !s.joined {
			err = rtcerr.New("join", rtcerr.ErrNotJoined)
			return
		}
		members = s.roster()
	}); derr != nil {
		return nil, derr
	}
	return members, err
}

// Leave exits the current room. Local capture is released before it returns.
// Calling it when not in a room is a no-op.
func (s *Session) Leave(ctx context.Context) error {
	var room string
	if err := s.do(func() {
		if s.room == "" {
			return
		}
		room = s.room
		s.teardownLocal()
		s.resetRoom()
	}); err != nil {
		return err
	}
	if room == "" {
		return nil
	}
	err := s.tr.Leave(ctx, room, s.self)
	if errors.Is(err, rtcerr.ErrTransportDisconnected) {
		// The relay drops the seat once its grace period runs out.
		return nil
	}
	return err
}

// Close leaves the room and stops the loop. The transport is left to the caller.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Leave(ctx)
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	s.closeOnce.Do(func() {
		s.qmu.Lock()
		s.closed = true
		s.qmu.Unlock()
		s.cancel()
		close(s.done)
	})
	return err
}

// StartSharing captures local media, announces it and offers it to every
// member of the room. A refused capture fails with rtcerr.ErrPermissionDenied
// and leaves no link behind.
func (s *Session) StartSharing(ctx context.Context, opts ShareOptions) (*media.Stream, error) {
	var err error
	if derr := s.do(func() {
		switch {
		case !s.joined:
			err = rtcerr.New("start sharing", rtcerr.ErrNotJoined)
		case s.stream != nil || s.capturing:
			err = rtcerr.New("start sharing", rtcerr.ErrAlreadySharing)
		case s.capturer == nil:
			err = rtcerr.New("start sharing", errors.New("no capture source configured"))
		default:
			s.capturing = true
		}
	}); derr != nil {
		return nil, derr
	}
	if err != nil {
		s.notifyErr(err)
		return nil, err
	}

	stream, err := s.capturer.Capture(ctx, opts.constraints())
	if err != nil {
		_ = s.do(func() { s.capturing = false })
		err = rtcerr.New("start sharing", err)
		s.notifyErr(err)
		return nil, err
	}

	if derr := s.do(func() {
		s.capturing = false
		if !s.joined {
			err = rtcerr.New("start sharing", rtcerr.ErrNotJoined)
			return
		}
		s.stream, s.shareOpts = stream, opts
		s.setSharing(s.self, true)
		s.send(protocol.TypeStart, "", nil)
		for _, m := range s.roster() {
			s.openOutbound(m.UserID)
		}
		s.watchEnded(stream)
		if opts.RecordSession {
			_ = s.startRecording()
		}
	}); derr != nil {
		stream.Stop()
		return nil, derr
	}
	if err != nil {
		stream.Stop()
		s.notifyErr(err)
		return nil, err
	}
	s.logger.Info("sharing started", zap.String("room", s.Room()))
	return stream, nil
}

// StopSharing stops local tracks, closes all outbound links and broadcasts
// stop. A second call does nothing.
func (s *Session) StopSharing() error {
	return s.do(func() { s.stopSharing() })
}

// Sharing reports whether local media is being shared.
func (s *Session) Sharing() bool {
	var on bool
	_ = s.do(func() { on = s.stream != nil })
	return on
}

// Room returns the current room id, or "" when not in a room.
func (s *Session) Room() string {
	var room string
	_ = s.do(func() { room = s.room })
	return room
}

// UpdateState merges patch into this member's flags and broadcasts it. The
// sharing flag is owned by StartSharing/StopSharing and is ignored here.
func (s *Session) UpdateState(patch protocol.StatePatch) error {
	patch.IsScreenSharing = nil
	var err error
	if derr := s.do(func() {
		if !s.joined {
			err = rtcerr.New("update state", rtcerr.ErrNotJoined)
			return
		}
		if patch.Empty() {
			return
		}
		if m, ok := s.members[s.self]; ok {
			m.MediaState = m.MediaState.Apply(patch)
			s.members[s.self] = m
		}
		err = s.send(protocol.TypeState, "", patch)
	}); derr != nil {
		return derr
	}
	return err
}

// RequestStream asks a sharer for a fresh offer, replacing any inbound link
// from it.
func (s *Session) RequestStream(sharerID string) error {
	var err error
	if derr := s.do(func() {
		if !s.joined {
			err = rtcerr.New("request stream", rtcerr.ErrNotJoined)
			return
		}
		if _, ok := s.members[sharerID]; !ok || sharerID == s.self {
			err = rtcerr.WithPeer("request stream", sharerID, rtcerr.ErrNotMember)
			return
		}
		if l, ok := s.links[LinkKey{Room: s.room, From: sharerID, To: s.self}]; ok {
			l.Close()
		}
		err = s.send(protocol.TypeViewerJoined, sharerID, nil)
	}); derr != nil {
		return derr
	}
	return err
}

// Members returns the roster ordered by join time.
func (s *Session) Members() []protocol.Member {
	var out []protocol.Member
	_ = s.do(func() { out = s.roster() })
	return out
}

// Links returns the open PeerLinks, outbound first.
func (s *Session) Links() []LinkInfo {
	var out []LinkInfo
	_ = s.do(func() {
		for _, l := range s.links {
			out = append(out, l.info())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if (out[i].From == s.self) != (out[j].From == s.self) {
			return out[i].From == s.self
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// StartRecording records the shared stream. Failure is reported but sharing
// continues.
func (s *Session) StartRecording() error {
	var err error
	if derr := s.do(func() { err = s.startRecording() }); derr != nil {
		return derr
	}
	return err
}

// StopRecording ends the recording and keeps it for ExportRecording.
func (s *Session) StopRecording() (*media.Recording, error) {
	var (
		rec *media.Recording
		err error
	)
	if derr := s.do(func() {
		rec, err = s.recorder.Stop()
		if err == nil {
			s.recording = rec
		}
	}); derr != nil {
		return nil, derr
	}
	return rec, err
}

// ExportRecording writes the last recording as WebM and returns its artifact
// name. An active recording is stopped first.
func (s *Session) ExportRecording(w io.Writer) (string, error) {
	var rec *media.Recording
	if err := s.do(func() {
		if s.recorder.Active() {
			if r, err := s.recorder.Stop(); err == nil {
				s.recording = r
			}
		}
		rec = s.recording
	}); err != nil {
		return "", err
	}
	if rec == nil {
		err := rtcerr.New("export recording", rtcerr.ErrRecordingInactive)
		s.notifyErr(err)
		return "", err
	}
	if _, err := rec.WriteTo(w); err != nil {
		return "", rtcerr.New("export recording", err)
	}
	return rec.Name, nil
}

func (s *Session) startRecording() error {
	if s.stream == nil {
		err := rtcerr.New("start recording", fmt.Errorf("%w: nothing is being shared", rtcerr.ErrRecordingInactive))
		s.notifyErr(err)
		return err
	}
	if err := s.recorder.Start(s.room, s.stream, s.shareOpts.RecordingMimeType); err != nil {
		s.logger.Warn("recording unavailable", zap.Error(err))
		s.notifyErr(err)
		return err
	}
	s.sink.Notify(notify.Info(notify.KindRecording, "Recording started."))
	return nil
}

func (s *Session) stopSharing() bool {
	if s.stream == nil {
		return false
	}
	stream := s.stream
	s.stream = nil
	stream.Stop()
	if s.recorder.Active() {
		if rec, err := s.recorder.Stop(); err == nil {
			s.recording = rec
		}
	}
	for key, l := range s.links {
		if key.From == s.self {
			l.fire(evStop)
		}
	}
	s.setSharing(s.self, false)
	if s.joined {
		_ = s.send(protocol.TypeStop, "", nil)
	}
	s.logger.Info("sharing stopped", zap.String("room", s.room))
	return true
}

// watchEnded routes a track ending on its own through the stopSharing path.
func (s *Session) watchEnded(stream *media.Stream) {
	for _, t := range stream.Tracks() {
		go func(t media.Track) {
			select {
			case <-t.Ended():
			case <-s.done:
				return
			}
			s.post(func() {
				if s.stream != stream {
					return
				}
				s.logger.Info("capture ended outside the session", zap.String("track", t.ID()))
				s.stopSharing()
				s.sink.Notify(notify.Info(notify.KindSharing, "Screen sharing stopped."))
			})
		}(t)
	}
}

// teardownLocal releases capture and every link without telling the relay.
func (s *Session) teardownLocal() {
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
		if s.recorder.Active() {
			if rec, err := s.recorder.Stop(); err == nil {
				s.recording = rec
			}
		}
	}
	for _, l := range s.links {
		l.Close()
	}
}

func (s *Session) resetRoom() {
	s.room = ""
	s.joined = false
	s.reconnecting = false
	s.attempt++
	s.members = make(map[string]protocol.Member)
	if s.welcomed != nil {
		close(s.welcomed)
		s.welcomed = nil
	}
}

func (s *Session) dispatch(env protocol.Envelope) {
	if env.Type == protocol.TypeError {
		var p protocol.ErrorPayload
		if err := env.Decode(&p); err == nil {
			s.notifyErr(rtcerr.FromPayload(p))
		}
		return
	}
	if s.room == "" || env.RoomID != s.room {
		return
	}
	if env.Type == protocol.TypeWelcome {
		s.applyWelcome(env)
		return
	}
	if !s.joined {
		return
	}

	switch env.Type {
	case protocol.TypeJoin:
		s.memberJoined(env)
	case protocol.TypeLeave:
		s.memberLeft(env.From)
	case protocol.TypeStart, protocol.TypeStop:
		s.setSharing(env.From, env.Type == protocol.TypeStart)
		if env.Type == protocol.TypeStop {
			if l, ok := s.links[LinkKey{Room: s.room, From: env.From, To: s.self}]; ok {
				l.Signal(s.ctx, env)
			}
		}
	case protocol.TypeState:
		var patch protocol.StatePatch
		if err := env.Decode(&patch); err != nil {
			return
		}
		if m, ok := s.members[env.From]; ok {
			m.MediaState = m.MediaState.Apply(patch)
			s.members[env.From] = m
		}
	case protocol.TypeOffer:
		s.acceptOffer(env)
	case protocol.TypeAnswer:
		if l, ok := s.links[LinkKey{Room: s.room, From: s.self, To: env.From}]; ok {
			l.Signal(s.ctx, env)
		}
	case protocol.TypeICECandidate:
		var cand protocol.Candidate
		if err := env.Decode(&cand); err != nil {
			return
		}
		key := LinkKey{Room: s.room, From: env.From, To: s.self}
		if cand.Initiator == s.self {
			key = LinkKey{Room: s.room, From: s.self, To: env.From}
		}
		if l, ok := s.links[key]; ok {
			l.Signal(s.ctx, env)
		}
	case protocol.TypeViewerJoined:
		if s.stream != nil {
			s.openOutbound(env.From)
		}
	}
}

func (s *Session) applyWelcome(env protocol.Envelope) {
	var w protocol.Welcome
	if err := env.Decode(&w); err != nil {
		s.logger.Warn("bad welcome", zap.Error(err))
		return
	}
	s.members = make(map[string]protocol.Member, len(w.Members))
	for _, m := range w.Members {
		s.members[m.UserID] = m
	}
	if len(w.ICEServers) > 0 {
		s.iceServers = w.ICEServers
	}
	s.joined = true
	if s.welcomed != nil {
		close(s.welcomed)
		s.welcomed = nil
	}

	if s.reconnecting {
		s.reconnecting = false
		s.sink.Notify(notify.Info(notify.KindConnection, "Reconnected to the room."))
	}
	self := s.members[s.self]
	switch {
	case s.stream != nil:
		// Links are not resumable; announce again and offer from IDLE.
		s.setSharing(s.self, true)
		s.send(protocol.TypeStart, "", nil)
		for _, m := range s.roster() {
			s.openOutbound(m.UserID)
		}
	case self.IsScreenSharing:
		s.setSharing(s.self, false)
		s.send(protocol.TypeStop, "", nil)
	}
}

func (s *Session) memberJoined(env protocol.Envelope) {
	var m protocol.Member
	if err := env.Decode(&m); err != nil {
		return
	}
	if m.UserID == "" {
		m.UserID = env.From
	}
	if m.UserID == s.self {
		return
	}
	// A re-join means the other side dropped its links.
	s.closeLinksWith(m.UserID)
	s.members[m.UserID] = m
	if s.stream != nil {
		s.openOutbound(m.UserID)
	}
}

func (s *Session) memberLeft(id string) {
	if id == s.self {
		s.teardownLocal()
		s.resetRoom()
		s.sink.Notify(notify.Notice{Kind: notify.KindRoom, Level: notify.LevelWarn, Message: "You were removed from the room."})
		return
	}
	s.closeLinksWith(id)
	delete(s.members, id)
}

func (s *Session) setSharing(id string, on bool) {
	if m, ok := s.members[id]; ok {
		m.IsScreenSharing = on
		s.members[id] = m
	}
}

func (s *Session) closeLinksWith(id string) {
	for key, l := range s.links {
		if key.From == id || key.To == id {
			l.Close()
		}
	}
}

// openOutbound (re)creates the link from this member to viewer and offers.
func (s *Session) openOutbound(viewer string) {
	if viewer == s.self || s.stream == nil {
		return
	}
	if _, ok := s.members[viewer]; !ok {
		return
	}
	key := LinkKey{Room: s.room, From: s.self, To: viewer}
	if old, ok := s.links[key]; ok {
		old.Close()
	}
	l, err := s.newLink(key, true)
	if err != nil {
		s.notifyErr(err)
		return
	}
	l.offer(s.ctx)
}

func (s *Session) acceptOffer(env protocol.Envelope) {
	if env.From == s.self {
		return
	}
	if _, ok := s.members[env.From]; !ok {
		s.logger.Debug("offer from non-member dropped", zap.String("peer", env.From))
		return
	}
	key := LinkKey{Room: s.room, From: env.From, To: s.self}
	if old, ok := s.links[key]; ok {
		old.Close()
	}
	l, err := s.newLink(key, false)
	if err != nil {
		s.notifyErr(err)
		return
	}
	l.Signal(s.ctx, env)
}

func (s *Session) newLink(key LinkKey, initiator bool) (*link, error) {
	l := &link{s: s, key: key, initiator: initiator}
	l.logger = s.logger.With(zap.String("room", key.Room), zap.String("peer", l.remote()), zap.Bool("initiator", initiator))

	cfg := peer.Config{
		Initiator:  initiator,
		RoomID:     key.Room,
		LocalID:    s.self,
		RemoteID:   l.remote(),
		ICEServers: s.iceServers,
	}
	if initiator {
		cfg.Tracks = s.stream.Tracks()
	}
	conn, err := s.peers.NewPeer(cfg, peer.Events{
		OnICECandidate: func(c protocol.Candidate) {
			s.post(func() {
				if !l.closed() {
					_ = s.send(protocol.TypeICECandidate, l.remote(), c)
				}
			})
		},
		OnRemoteTrack: func(t media.RemoteTrack) {
			s.post(func() {
				if !l.closed() && s.onRemoteTrack != nil {
					s.onRemoteTrack(t)
				}
			})
		},
		OnConnected: func() {
			s.post(l.connected)
		},
		OnFailed: func(err error) {
			s.post(func() { l.fail(evError, rtcerr.WithPeer("connection", l.remote(), err)) })
		},
	})
	if err != nil {
		return nil, rtcerr.WithPeer("connection", l.remote(), errors.Join(rtcerr.ErrPeerFailed, err))
	}
	l.conn = conn
	s.links[key] = l
	s.linkChanged(l)
	return l, nil
}

func (s *Session) forget(l *link) {
	if s.links[l.key] == l {
		delete(s.links, l.key)
	}
}

func (s *Session) linkChanged(l *link) {
	if s.onLinkState != nil {
		s.onLinkState(l.info())
	}
}

func (s *Session) send(t protocol.MessageType, to string, payload interface{}) error {
	env, err := protocol.NewEnvelope(t, s.room, s.self, to, payload)
	if err != nil {
		s.logger.Error("encode envelope", zap.Error(err))
		return err
	}
	if err := s.tr.Send(env); err != nil {
		s.logger.Debug("send failed", zap.String("type", string(t)), zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) notifyErr(err error) {
	s.sink.Notify(notify.FromError(err))
}

func (s *Session) roster() []protocol.Member {
	out := make([]protocol.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
