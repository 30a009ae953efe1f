package rtcerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"voicerooms/pkg/webrtc/protocol"
)

func TestCodeRoundTrip(t *testing.T) {
	for _, c := range codes {
		wrapped := fmt.Errorf("ctx: %w", New("op", c.err))
		assert.Equal(t, c.code, Code(wrapped))
		assert.ErrorIs(t, FromCode(c.code), c.err)
	}
	assert.Equal(t, "internal", Code(errors.New("boom")))
	assert.EqualError(t, FromCode("weird"), "weird")
}

func TestPayloadCarriesCodeAndMessage(t *testing.T) {
	p := Payload(protocol.TypeJoin, New("join", ErrCapacityExceeded))
	assert.Equal(t, "capacity_exceeded", p.Code)
	assert.Equal(t, "Could not join the room: it is full.", p.Message)

	err := FromPayload(p)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.EqualError(t, err, "join: room capacity exceeded")
}

func TestMessageNamesPeerWithoutInternals(t *testing.T) {
	err := WithPeer("signaling", "bob", ErrSignalingTimeout)
	assert.Equal(t, "signaling bob: signaling timeout", err.Error())
	assert.Equal(t, "Connection to bob timed out.", Message(err))
	assert.Equal(t, "Connection to a participant failed.", Message(ErrPeerFailed))
	assert.Equal(t, "Lost connection to the server.", Message(fmt.Errorf("read tcp 10.0.0.1: %w", ErrTransportDisconnected)))
	assert.Equal(t, "Something went wrong.", Message(errors.New("x")))
}
