package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"voicerooms/pkg/media"
	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/webrtc/protocol"
)

// PionFactory builds pion peer connections.
type PionFactory struct {
	api    *webrtc.API
	logger *zap.Logger
}

var _ Factory = (*PionFactory)(nil)

// NewPionFactory registers the default codecs (VP8/VP9/H264/Opus) and the
// default NACK/RTCP interceptors.
func NewPionFactory(logger *zap.Logger) (*PionFactory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	)
	return &PionFactory{api: api, logger: logger}, nil
}

func (f *PionFactory) NewPeer(cfg Config, ev Events) (Conn, error) {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &pionConn{
		pc:        pc,
		cfg:       cfg,
		ev:        ev,
		initiator: cfg.LocalID,
		logger: f.logger.With(zap.String("component", "peer"),
			zap.String("room", cfg.RoomID), zap.String("peer", cfg.RemoteID), zap.Bool("initiator", cfg.Initiator)),
	}
	if !cfg.Initiator {
		p.initiator = cfg.RemoteID
	}

	if cfg.Initiator {
		for _, t := range cfg.Tracks {
			lt, ok := t.(media.LocalTrack)
			if !ok {
				continue
			}
			sender, err := pc.AddTrack(lt.Local())
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			go drainRTCP(sender)
		}
	} else {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.OnICECandidate == nil {
			return
		}
		init := c.ToJSON()
		ev.OnICECandidate(protocol.Candidate{
			Initiator:        p.initiator,
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info("remote track", zap.String("codec", remote.Codec().MimeType))
		if ev.OnRemoteTrack == nil {
			return
		}
		kind := media.KindVideo
		if remote.Kind() == webrtc.RTPCodecTypeAudio {
			kind = media.KindAudio
		}
		ev.OnRemoteTrack(media.RemoteTrack{
			From:   cfg.RemoteID,
			ID:     remote.ID(),
			Kind:   kind,
			Codec:  remote.Codec().MimeType,
			Remote: remote,
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if ev.OnConnected != nil {
				ev.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if ev.OnFailed != nil {
				ev.OnFailed(rtcerr.ErrPeerFailed)
			}
		}
	})
	return p, nil
}

type pionConn struct {
	pc        *webrtc.PeerConnection
	cfg       Config
	ev        Events
	initiator string
	logger    *zap.Logger

	mu        sync.Mutex
	remoteSet bool
	held      []webrtc.ICECandidateInit
}

func (p *pionConn) CreateOffer(ctx context.Context) (protocol.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return protocol.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionConn) Accept(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return protocol.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return protocol.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionConn) SetAnswer(ctx context.Context, answer protocol.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

func (p *pionConn) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.mu.Lock()
	p.remoteSet = true
	held := p.held
	p.held = nil
	p.mu.Unlock()

	p.addHeld(held)
	return nil
}

// addHeld applies candidates that arrived before the remote description. A
// bad candidate is dropped; it does not fail the negotiation.
func (p *pionConn) addHeld(held []webrtc.ICECandidateInit) {
	for _, c := range held {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Debug("drop held candidate", zap.String("candidate", c.Candidate), zap.Error(err))
		}
	}
}

func (p *pionConn) AddCandidate(c protocol.Candidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	p.mu.Lock()
	if !p.remoteSet {
		p.held = append(p.held, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(init)
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}

// drainRTCP reads incoming RTCP so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
