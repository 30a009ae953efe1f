package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type leaves struct {
	mu        sync.Mutex
	seen      []string
	connected map[string]bool
}

func (l *leaves) LeaveIfDisconnected(_ context.Context, roomID, memberID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected[roomID+"/"+memberID] {
		return false, nil
	}
	l.seen = append(l.seen, roomID+"/"+memberID)
	return true, nil
}

func (l *leaves) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seen...)
}

func TestGraceExpiryForcesLeave(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := &leaves{}
	c := New(l, Options{Grace: 10 * time.Second, Clock: clock})

	c.Disconnected("r", "a")
	clock.Advance(9 * time.Second)
	assert.Empty(t, l.list())

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(l.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"r/a"}, l.list())
	assert.False(t, c.Reconnected("r", "a"), "expired timer is forgotten")
}

func TestReconnectWithinGraceCancels(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := &leaves{}
	c := New(l, Options{Grace: 10 * time.Second, Clock: clock})

	c.Disconnected("r", "a")
	clock.Advance(5 * time.Second)
	assert.True(t, c.Reconnected("r", "a"))
	assert.False(t, c.Reconnected("r", "a"))

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, l.list())
}

func TestRepeatedDisconnectRestartsTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := &leaves{}
	c := New(l, Options{Grace: 10 * time.Second, Clock: clock})

	c.Disconnected("r", "a")
	clock.Advance(8 * time.Second)
	c.Disconnected("r", "a")
	clock.Advance(8 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, l.list())

	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return len(l.list()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestExpiryKeepsMemberThatCameBack(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := &leaves{connected: map[string]bool{"r/a": true}}
	c := New(l, Options{Grace: 10 * time.Second, Clock: clock})

	// The rejoin landed without cancelling the timer, as when it races the expiry.
	c.Disconnected("r", "a")
	clock.Advance(11 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, l.list())
	assert.False(t, c.Reconnected("r", "a"))
}

func TestDefaultGrace(t *testing.T) {
	c := New(&leaves{}, Options{})
	assert.Equal(t, DefaultGrace, c.Grace())
	c.Stop()
}
