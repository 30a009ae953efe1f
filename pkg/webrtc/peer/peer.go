// Package peer abstracts the media peer connection behind one PeerLink.
package peer

import (
	"context"

	"voicerooms/pkg/media"
	"voicerooms/pkg/webrtc/protocol"
)

// Config describes one directed link: the initiator sends media to the remote.
type Config struct {
	Initiator  bool
	RoomID     string
	LocalID    string
	RemoteID   string
	ICEServers []protocol.ICEServer
	// Tracks are attached on the initiator side only.
	Tracks []media.Track
}

// Events are callbacks fired by a Conn. They may run on any goroutine.
type Events struct {
	OnICECandidate func(c protocol.Candidate)
	OnRemoteTrack  func(t media.RemoteTrack)
	OnConnected    func()
	OnFailed       func(err error)
}

// Conn is one peer connection.
type Conn interface {
	// CreateOffer builds the local offer and applies it.
	CreateOffer(ctx context.Context) (protocol.SessionDescription, error)
	// Accept applies a remote offer and returns the local answer.
	Accept(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error)
	// SetAnswer applies the remote answer to a local offer.
	SetAnswer(ctx context.Context, answer protocol.SessionDescription) error
	// AddCandidate adds a remote ICE candidate. Candidates that arrive before the
	// remote description are held until it is set.
	AddCandidate(c protocol.Candidate) error
	Close() error
}

// Factory creates peer connections.
type Factory interface {
	NewPeer(cfg Config, ev Events) (Conn, error)
}
