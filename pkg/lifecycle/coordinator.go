// Package lifecycle reconciles room membership with connectivity on the server.
// A member whose connection drops keeps its seat for a grace period; if it does
// not come back in time, it is removed as if it had left.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"voicerooms/internal/metrics"
)

// DefaultGrace is how long a dropped member keeps its seat.
const DefaultGrace = 15 * time.Second

// Leaver removes a member from a room unless it came back on a new connection.
type Leaver interface {
	LeaveIfDisconnected(ctx context.Context, roomID, memberID string) (bool, error)
}

type Options struct {
	Grace  time.Duration
	Clock  clockwork.Clock
	Logger *zap.Logger
}

type key struct{ room, member string }

type pending struct {
	timer clockwork.Timer
}

// Coordinator tracks grace timers for dropped members.
type Coordinator struct {
	leaver Leaver
	grace  time.Duration
	clock  clockwork.Clock
	logger *zap.Logger

	mu      sync.Mutex
	pending map[key]*pending
}

func New(leaver Leaver, opts Options) *Coordinator {
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		leaver:  leaver,
		grace:   grace,
		clock:   clock,
		logger:  logger.With(zap.String("component", "lifecycle")),
		pending: make(map[key]*pending),
	}
}

// Grace returns the configured grace period.
func (c *Coordinator) Grace() time.Duration { return c.grace }

// Disconnected starts the grace timer for the member. A timer already running
// for the same member is restarted.
func (c *Coordinator) Disconnected(roomID, memberID string) {
	k := key{roomID, memberID}
	p := &pending{}

	c.mu.Lock()
	if prev, ok := c.pending[k]; ok {
		prev.timer.Stop()
	}
	c.pending[k] = p
	p.timer = c.clock.AfterFunc(c.grace, func() { c.expire(k, p) })
	c.mu.Unlock()

	c.logger.Info("member disconnected, holding seat",
		zap.String("room", roomID), zap.String("member", memberID), zap.Duration("grace", c.grace))
}

// Reconnected cancels the member's grace timer. It reports whether one was running.
func (c *Coordinator) Reconnected(roomID, memberID string) bool {
	k := key{roomID, memberID}
	c.mu.Lock()
	p, ok := c.pending[k]
	if ok {
		delete(c.pending, k)
		p.timer.Stop()
	}
	c.mu.Unlock()
	if ok {
		c.logger.Info("member reconnected within grace", zap.String("room", roomID), zap.String("member", memberID))
	}
	return ok
}

// Stop cancels every grace timer without removing anybody.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, k)
	}
}

func (c *Coordinator) expire(k key, p *pending) {
	c.mu.Lock()
	if c.pending[k] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, k)
	c.mu.Unlock()

	// A rejoin racing with this expiry is settled by the leaver under the room lock.
	left, err := c.leaver.LeaveIfDisconnected(context.Background(), k.room, k.member)
	if err != nil {
		c.logger.Warn("forced leave", zap.String("room", k.room), zap.String("member", k.member), zap.Error(err))
		return
	}
	if left {
		metrics.GraceExpiredTotal.Inc()
		c.logger.Info("grace expired, member removed", zap.String("room", k.room), zap.String("member", k.member))
	}
}
