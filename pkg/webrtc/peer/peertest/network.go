// Package peertest provides an in-process peer network with deterministic SDP,
// for exercising signaling without ICE or media.
package peertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"voicerooms/pkg/media"
	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/webrtc/peer"
	"voicerooms/pkg/webrtc/protocol"
)

// Network pairs the initiator and viewer ends of every link it creates.
type Network struct {
	mu      sync.Mutex
	seq     int
	conns   []*Conn
	stalled bool
}

var _ peer.Factory = (*Network)(nil)

func NewNetwork() *Network { return &Network{} }

// Stall makes new answers stop short of connecting, so links sit in
// ANSWER_EXCHANGED until they time out.
func (n *Network) Stall(on bool) {
	n.mu.Lock()
	n.stalled = on
	n.mu.Unlock()
}

func (n *Network) NewPeer(cfg peer.Config, ev peer.Events) (peer.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	c := &Conn{net: n, cfg: cfg, ev: ev, id: n.seq}
	n.conns = append(n.conns, c)
	return c, nil
}

// Conns returns every connection created with the given local and remote ids.
func (n *Network) Conns(local, remote string) []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Conn
	for _, c := range n.conns {
		if c.cfg.LocalID == local && c.cfg.RemoteID == remote {
			out = append(out, c)
		}
	}
	return out
}

// Open counts connections that have not been closed.
func (n *Network) Open() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	open := 0
	for _, c := range n.conns {
		if !c.isClosed() {
			open++
		}
	}
	return open
}

// Fail reports a failed connection on the newest open link between the two members.
func (n *Network) Fail(initiator, viewer string) {
	for _, c := range n.Conns(initiator, viewer) {
		if !c.isClosed() && c.ev.OnFailed != nil {
			go c.ev.OnFailed(rtcerr.ErrPeerFailed)
		}
	}
}

// counterpart finds the open viewer end that answered the initiator's current offer.
func (n *Network) counterpart(c *Conn) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.conns) - 1; i >= 0; i-- {
		o := n.conns[i]
		if o.cfg.Initiator || o.cfg.LocalID != c.cfg.RemoteID || o.cfg.RemoteID != c.cfg.LocalID {
			continue
		}
		if o.isClosed() {
			continue
		}
		if o.acceptedOffer() == c.currentOffer() {
			return o
		}
	}
	return nil
}

// Conn is one fake peer connection.
type Conn struct {
	net *Network
	cfg peer.Config
	ev  peer.Events
	id  int

	mu         sync.Mutex
	closed     bool
	offer      string
	accepted   string
	candidates []protocol.Candidate
	connected  bool
}

func (c *Conn) Config() peer.Config { return c.cfg }

func (c *Conn) initiatorID() string {
	if c.cfg.Initiator {
		return c.cfg.LocalID
	}
	return c.cfg.RemoteID
}

func (c *Conn) CreateOffer(ctx context.Context) (protocol.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SessionDescription{}, err
	}
	c.mu.Lock()
	c.offer = fmt.Sprintf("offer:%s->%s#%d", c.cfg.LocalID, c.cfg.RemoteID, c.id)
	sdp := c.offer
	c.mu.Unlock()
	c.emitCandidate()
	return protocol.SessionDescription{Type: "offer", SDP: sdp}, nil
}

func (c *Conn) Accept(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SessionDescription{}, err
	}
	if !strings.HasPrefix(offer.SDP, "offer:") {
		return protocol.SessionDescription{}, fmt.Errorf("malformed offer %q", offer.SDP)
	}
	c.mu.Lock()
	c.accepted = offer.SDP
	c.mu.Unlock()
	c.emitCandidate()
	return protocol.SessionDescription{Type: "answer", SDP: "answer:" + offer.SDP}, nil
}

func (c *Conn) SetAnswer(ctx context.Context, answer protocol.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if answer.SDP != "answer:"+c.currentOffer() {
		return fmt.Errorf("answer %q does not match offer", answer.SDP)
	}
	c.net.mu.Lock()
	stalled := c.net.stalled
	c.net.mu.Unlock()
	if stalled {
		return nil
	}
	viewer := c.net.counterpart(c)
	if viewer == nil {
		return nil
	}
	c.markConnected()
	viewer.markConnected()
	go func() {
		if c.ev.OnConnected != nil {
			c.ev.OnConnected()
		}
	}()
	go func() {
		if viewer.ev.OnRemoteTrack != nil {
			for _, t := range c.cfg.Tracks {
				viewer.ev.OnRemoteTrack(media.RemoteTrack{From: c.cfg.LocalID, ID: t.ID(), Kind: t.Kind()})
			}
		}
		if viewer.ev.OnConnected != nil {
			viewer.ev.OnConnected()
		}
	}()
	return nil
}

func (c *Conn) AddCandidate(cand protocol.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Candidates returns the remote candidates added so far.
func (c *Conn) Candidates() []protocol.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Candidate(nil), c.candidates...)
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) currentOffer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offer
}

func (c *Conn) acceptedOffer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepted
}

func (c *Conn) markConnected() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
}

func (c *Conn) emitCandidate() {
	if c.ev.OnICECandidate == nil {
		return
	}
	cand := protocol.Candidate{
		Initiator: c.initiatorID(),
		Candidate: fmt.Sprintf("candidate:%s#%d 1 udp 1 127.0.0.1 9 typ host", c.cfg.LocalID, c.id),
	}
	go c.ev.OnICECandidate(cand)
}
