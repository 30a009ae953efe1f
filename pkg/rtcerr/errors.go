// Package rtcerr defines the error taxonomy shared by the signaling server and clients.
package rtcerr

import (
	"errors"
	"fmt"

	"voicerooms/pkg/webrtc/protocol"
)

var (
	ErrPermissionDenied      = errors.New("media capture permission denied")
	ErrSignalingTimeout      = errors.New("signaling timeout")
	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrCapacityExceeded      = errors.New("room capacity exceeded")
	ErrRoomNotFound          = errors.New("room not found")
	ErrForbidden             = errors.New("forbidden")
	ErrNotMember             = errors.New("not a member of the room")
	ErrAlreadySharing        = errors.New("already sharing")
	ErrNotJoined             = errors.New("not joined to a room")
	ErrRecordingUnsupported  = errors.New("recording not supported for this stream")
	ErrRecordingInactive     = errors.New("no recording available")
	ErrPeerFailed            = errors.New("peer connection failed")
	ErrInvalidEnvelope       = protocol.ErrInvalidEnvelope
)

// Error attaches the failed operation and, when relevant, the remote participant.
type Error struct {
	Op   string
	Peer string
	Err  error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with an operation name.
func New(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// WithPeer wraps err with an operation name and a participant id.
func WithPeer(op, peer string, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}

var codes = []struct {
	code string
	err  error
}{
	{"permission_denied", ErrPermissionDenied},
	{"signaling_timeout", ErrSignalingTimeout},
	{"transport_disconnected", ErrTransportDisconnected},
	{"capacity_exceeded", ErrCapacityExceeded},
	{"room_not_found", ErrRoomNotFound},
	{"forbidden", ErrForbidden},
	{"not_member", ErrNotMember},
	{"already_sharing", ErrAlreadySharing},
	{"not_joined", ErrNotJoined},
	{"recording_unsupported", ErrRecordingUnsupported},
	{"recording_inactive", ErrRecordingInactive},
	{"peer_failed", ErrPeerFailed},
	{"invalid_envelope", ErrInvalidEnvelope},
}

// Code returns the wire code for err, or "internal" for unknown errors.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// FromCode maps a wire code back to its sentinel.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return errors.New(code)
}

// FromPayload rebuilds an error received in an error envelope.
func FromPayload(p protocol.ErrorPayload) error {
	return New(string(p.Op), FromCode(p.Code))
}

// Payload renders err for an error envelope.
func Payload(op protocol.MessageType, err error) protocol.ErrorPayload {
	return protocol.ErrorPayload{Code: Code(err), Message: Message(err), Op: op}
}

// Message is the user-facing sentence for err. It never includes transport details.
func Message(err error) string {
	var peer string
	var e *Error
	if errors.As(err, &e) {
		peer = e.Peer
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Screen sharing could not start: permission to capture was denied."
	case errors.Is(err, ErrSignalingTimeout):
		if peer != "" {
			return fmt.Sprintf("Connection to %s timed out.", peer)
		}
		return "Connection to a participant timed out."
	case errors.Is(err, ErrPeerFailed):
		if peer != "" {
			return fmt.Sprintf("Connection to %s failed.", peer)
		}
		return "Connection to a participant failed."
	case errors.Is(err, ErrTransportDisconnected):
		return "Lost connection to the server."
	case errors.Is(err, ErrCapacityExceeded):
		return "Could not join the room: it is full."
	case errors.Is(err, ErrRoomNotFound):
		return "Could not join the room: it no longer exists."
	case errors.Is(err, ErrForbidden):
		return "You do not have access to this room."
	case errors.Is(err, ErrNotMember), errors.Is(err, ErrNotJoined):
		return "You are not in this room."
	case errors.Is(err, ErrAlreadySharing):
		return "You are already sharing your screen."
	case errors.Is(err, ErrRecordingUnsupported):
		return "Recording is not supported for this stream; sharing continues without it."
	case errors.Is(err, ErrRecordingInactive):
		return "There is no recording to export."
	}
	return "Something went wrong."
}
