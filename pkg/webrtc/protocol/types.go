package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType names an envelope kind on the signaling wire.
type MessageType string

const (
	TypeJoin         MessageType = "join"
	TypeLeave        MessageType = "leave"
	TypeStart        MessageType = "start"
	TypeStop         MessageType = "stop"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeViewerJoined MessageType = "viewer-joined"

	// Server-originated.
	TypeWelcome MessageType = "welcome"
	TypeState   MessageType = "state"
	TypeError   MessageType = "error"
)

// PointToPoint reports whether the type must carry a recipient.
func (t MessageType) PointToPoint() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeViewerJoined:
		return true
	}
	return false
}

// Known reports whether t is part of the protocol.
func (t MessageType) Known() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeStart, TypeStop, TypeOffer, TypeAnswer,
		TypeICECandidate, TypeViewerJoined, TypeWelcome, TypeState, TypeError:
		return true
	}
	return false
}

// ErrInvalidEnvelope is returned by Validate for malformed envelopes.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// ICEServer describes STUN/TURN servers advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// Envelope is the single frame format exchanged between clients and the relay.
// To is empty for broadcast types.
type Envelope struct {
	RoomID  string          `json:"roomId"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the addressing rules and strips a recipient from broadcast types.
func (e *Envelope) Validate() error {
	if !e.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	if strings.TrimSpace(e.RoomID) == "" {
		return fmt.Errorf("%w: missing roomId", ErrInvalidEnvelope)
	}
	if e.Type.PointToPoint() {
		if strings.TrimSpace(e.To) == "" {
			return fmt.Errorf("%w: %s requires a recipient", ErrInvalidEnvelope, e.Type)
		}
		return nil
	}
	e.To = ""
	return nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// NewEnvelope builds an envelope with a JSON-encoded payload (nil payload stays absent).
func NewEnvelope(t MessageType, roomID, from, to string, payload interface{}) (Envelope, error) {
	env := Envelope{RoomID: roomID, From: from, To: to, Type: t}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that always marshal.
func MustEnvelope(t MessageType, roomID, from, to string, payload interface{}) Envelope {
	env, err := NewEnvelope(t, roomID, from, to, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// JoinInfo is the payload of a client join request.
type JoinInfo struct {
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// MediaState holds the transient per-member flags.
type MediaState struct {
	IsMuted         bool `json:"isMuted"`
	IsVideoOn       bool `json:"isVideoOn"`
	IsScreenSharing bool `json:"isScreenSharing"`
	IsSpeaking      bool `json:"isSpeaking"`
	IsDeafened      bool `json:"isDeafened"`
}

// StatePatch is a partial MediaState; nil fields are left untouched.
type StatePatch struct {
	IsMuted         *bool `json:"isMuted,omitempty"`
	IsVideoOn       *bool `json:"isVideoOn,omitempty"`
	IsScreenSharing *bool `json:"isScreenSharing,omitempty"`
	IsSpeaking      *bool `json:"isSpeaking,omitempty"`
	IsDeafened      *bool `json:"isDeafened,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p StatePatch) Empty() bool {
	return p.IsMuted == nil && p.IsVideoOn == nil && p.IsScreenSharing == nil &&
		p.IsSpeaking == nil && p.IsDeafened == nil
}

// Fields returns the patch as flag name -> value, in wire naming.
func (p StatePatch) Fields() map[string]bool {
	out := make(map[string]bool, 5)
	if p.IsMuted != nil {
		out["isMuted"] = *p.IsMuted
	}
	if p.IsVideoOn != nil {
		out["isVideoOn"] = *p.IsVideoOn
	}
	if p.IsScreenSharing != nil {
		out["isScreenSharing"] = *p.IsScreenSharing
	}
	if p.IsSpeaking != nil {
		out["isSpeaking"] = *p.IsSpeaking
	}
	if p.IsDeafened != nil {
		out["isDeafened"] = *p.IsDeafened
	}
	return out
}

// Apply merges the set fields of p into s.
func (s MediaState) Apply(p StatePatch) MediaState {
	if p.IsMuted != nil {
		s.IsMuted = *p.IsMuted
	}
	if p.IsVideoOn != nil {
		s.IsVideoOn = *p.IsVideoOn
	}
	if p.IsScreenSharing != nil {
		s.IsScreenSharing = *p.IsScreenSharing
	}
	if p.IsSpeaking != nil {
		s.IsSpeaking = *p.IsSpeaking
	}
	if p.IsDeafened != nil {
		s.IsDeafened = *p.IsDeafened
	}
	return s
}

// Bool returns a pointer to v, for building patches.
func Bool(v bool) *bool { return &v }

// Member is a user's presence in a room.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	MediaState
	JoinedAt time.Time `json:"joinedAt"`
}

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate carries one trickled ICE candidate. Initiator names the member that
// created the PeerLink so the receiver can tell its inbound and outbound links apart.
type Candidate struct {
	Initiator        string  `json:"initiator"`
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// RoomInfo is the public part of a room's metadata.
type RoomInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	WorkspaceID string `json:"workspaceId"`
	MaxMembers  int    `json:"maxMembers"`
}

// Welcome acknowledges a join and carries the roster at join time.
type Welcome struct {
	Room       RoomInfo    `json:"room"`
	Self       string      `json:"self"`
	Members    []Member    `json:"members"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`
	ICEMode    string      `json:"iceMode,omitempty"`
}

// ErrorPayload reports a rejected operation. Op is the message type that failed.
type ErrorPayload struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Op      MessageType `json:"op,omitempty"`
}

// Participant is one roster row of RoomView.
type Participant struct {
	UserID          string `json:"userId"`
	DisplayName     string `json:"displayName,omitempty"`
	IsMuted         bool   `json:"isMuted"`
	IsVideoOn       bool   `json:"isVideoOn"`
	IsScreenSharing bool   `json:"isScreenSharing"`
	IsSpeaking      bool   `json:"isSpeaking"`
	IsDeafened      bool   `json:"isDeafened"`
}

// RoomView is the body of GET /rooms/{roomId}.
type RoomView struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	MaxMembers   int           `json:"maxMembers"`
	Participants []Participant `json:"participants"`
}

// ParticipantOf projects a member onto its roster row.
func ParticipantOf(m Member) Participant {
	return Participant{
		UserID:          m.UserID,
		DisplayName:     m.DisplayName,
		IsMuted:         m.IsMuted,
		IsVideoOn:       m.IsVideoOn,
		IsScreenSharing: m.IsScreenSharing,
		IsSpeaking:      m.IsSpeaking,
		IsDeafened:      m.IsDeafened,
	}
}
