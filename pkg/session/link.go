package session

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/webrtc/peer"
	"voicerooms/pkg/webrtc/protocol"
)

// LinkState is the signaling state of one PeerLink.
type LinkState int

const (
	StateIdle LinkState = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateConnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOfferSent:
		return "OFFER_SENT"
	case StateOfferReceived:
		return "OFFER_RECEIVED"
	case StateAnswerExchanged:
		return "ANSWER_EXCHANGED"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

type linkEvent int

const (
	evSendOffer linkEvent = iota
	evRecvOffer
	evSendAnswer
	evRecvAnswer
	evConnected
	evStop
	evLeave
	evError
	evTimeout
)

// transition returns the next state and whether the event applies in s.
// CLOSED absorbs everything; teardown events close from any other state.
func transition(s LinkState, e linkEvent) (LinkState, bool) {
	if s == StateClosed {
		return StateClosed, false
	}
	switch e {
	case evStop, evLeave, evError, evTimeout:
		return StateClosed, true
	}
	switch {
	case s == StateIdle && e == evSendOffer:
		return StateOfferSent, true
	case s == StateIdle && e == evRecvOffer:
		return StateOfferReceived, true
	case s == StateOfferReceived && e == evSendAnswer:
		return StateAnswerExchanged, true
	case s == StateOfferSent && e == evRecvAnswer:
		return StateAnswerExchanged, true
	case s == StateAnswerExchanged && e == evConnected:
		return StateConnected, true
	}
	return s, false
}

// LinkKey identifies a PeerLink: From is the initiator, To the viewer.
type LinkKey struct {
	Room string
	From string
	To   string
}

// LinkInfo is a snapshot of one PeerLink.
type LinkInfo struct {
	LinkKey
	State LinkState
	// Err is set when the link closed because of a failure.
	Err error
}

// link drives one PeerLink. All methods run on the session loop.
type link struct {
	s         *Session
	key       LinkKey
	initiator bool
	state     LinkState
	conn      peer.Conn
	timer     clockwork.Timer
	err       error
	logger    *zap.Logger
}

func (l *link) remote() string {
	if l.initiator {
		return l.key.To
	}
	return l.key.From
}

func (l *link) info() LinkInfo {
	return LinkInfo{LinkKey: l.key, State: l.state, Err: l.err}
}

// fire applies e and reports whether the state changed.
func (l *link) fire(e linkEvent) bool {
	next, ok := transition(l.state, e)
	if !ok {
		return false
	}
	prev := l.state
	l.state = next
	l.logger.Debug("link transition", zap.Stringer("from", prev), zap.Stringer("to", next))

	switch {
	case next == StateClosed:
		l.release()
	case prev == StateIdle:
		l.timer = l.s.clock.AfterFunc(l.s.signalingTimeout, func() {
			l.s.post(func() { l.expire() })
		})
	case next == StateConnected:
		l.stopTimer()
	}
	l.s.linkChanged(l)
	return true
}

func (l *link) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *link) release() {
	l.stopTimer()
	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			l.logger.Debug("close peer connection", zap.Error(err))
		}
	}
	l.s.forget(l)
}

func (l *link) closed() bool { return l.state == StateClosed }

func (l *link) expire() {
	if l.closed() || l.state == StateConnected {
		return
	}
	l.fail(evTimeout, rtcerr.WithPeer("signaling", l.remote(), rtcerr.ErrSignalingTimeout))
}

// fail closes the link with err and reports it to the user. Sibling links are
// unaffected.
func (l *link) fail(e linkEvent, err error) {
	if l.closed() {
		return
	}
	l.err = err
	l.logger.Warn("link failed", zap.Error(err))
	l.fire(e)
	l.s.notifyErr(err)
}

// Close tears the link down without reporting an error.
func (l *link) Close() {
	l.fire(evLeave)
}

// offer starts an outbound link: IDLE -> OFFER_SENT.
func (l *link) offer(ctx context.Context) {
	sdp, err := l.conn.CreateOffer(ctx)
	if err != nil {
		l.fail(evError, rtcerr.WithPeer("offer", l.remote(), errors.Join(rtcerr.ErrPeerFailed, err)))
		return
	}
	l.fire(evSendOffer)
	l.s.send(protocol.TypeOffer, l.key.To, sdp)
}

// Signal feeds one envelope addressed to this link.
func (l *link) Signal(ctx context.Context, env protocol.Envelope) {
	if l.closed() {
		return
	}
	switch env.Type {
	case protocol.TypeOffer:
		var sdp protocol.SessionDescription
		if err := env.Decode(&sdp); err != nil || l.initiator || !l.fire(evRecvOffer) {
			l.logger.Debug("ignoring offer", zap.Stringer("state", l.state))
			return
		}
		answer, err := l.conn.Accept(ctx, sdp)
		if err != nil {
			l.fail(evError, rtcerr.WithPeer("answer", l.remote(), errors.Join(rtcerr.ErrPeerFailed, err)))
			return
		}
		l.s.send(protocol.TypeAnswer, l.key.From, answer)
		l.fire(evSendAnswer)
	case protocol.TypeAnswer:
		var sdp protocol.SessionDescription
		if err := env.Decode(&sdp); err != nil || !l.initiator || l.state != StateOfferSent {
			l.logger.Debug("ignoring answer", zap.Stringer("state", l.state))
			return
		}
		if err := l.conn.SetAnswer(ctx, sdp); err != nil {
			l.fail(evError, rtcerr.WithPeer("answer", l.remote(), errors.Join(rtcerr.ErrPeerFailed, err)))
			return
		}
		l.fire(evRecvAnswer)
	case protocol.TypeICECandidate:
		var cand protocol.Candidate
		if err := env.Decode(&cand); err != nil {
			return
		}
		if err := l.conn.AddCandidate(cand); err != nil {
			l.logger.Debug("add candidate", zap.Error(err))
		}
	case protocol.TypeStop:
		l.fire(evStop)
	case protocol.TypeLeave:
		l.fire(evLeave)
	}
}

// connected is called when the peer connection reports media flowing.
func (l *link) connected() {
	l.fire(evConnected)
}
