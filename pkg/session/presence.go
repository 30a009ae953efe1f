package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"voicerooms/pkg/notify"
	"voicerooms/pkg/rtcerr"
)

// disconnected closes every link (they cannot be resumed) and starts
// reconnecting until the grace period runs out.
func (s *Session) disconnected(err error) {
	if s.room == "" || s.reconnecting {
		return
	}
	s.logger.Warn("lost connection to relay", zap.String("room", s.room), zap.Error(err))
	for _, l := range s.links {
		l.err = rtcerr.WithPeer("connection", l.remote(), rtcerr.ErrTransportDisconnected)
		l.fire(evError)
	}
	s.joined = false
	s.reconnecting = true
	s.attempt++
	s.notifyErr(rtcerr.New("connection", rtcerr.ErrTransportDisconnected))

	go s.reconnect(s.room, s.attempt, s.clock.Now().Add(s.grace))
}

func (s *Session) stillReconnecting(attempt int) bool {
	var ok bool
	if err := s.do(func() { ok = s.reconnecting && s.attempt == attempt }); err != nil {
		return false
	}
	return ok
}

// reconnect retries every reconnectInterval. A successful join completes in
// applyWelcome, which rebuilds the roster and re-offers when sharing.
func (s *Session) reconnect(room string, attempt int, deadline time.Time) {
	for s.stillReconnecting(attempt) {
		err := s.tr.Reconnect(s.ctx)
		if err == nil {
			ctx, cancel := context.WithTimeout(s.ctx, s.signalingTimeout)
			_, err = s.tr.Join(ctx, room, s.self, s.info)
			cancel()
			if err == nil {
				return
			}
			if !errors.Is(err, rtcerr.ErrTransportDisconnected) && !errors.Is(err, context.DeadlineExceeded) {
				s.post(func() {
					if s.attempt == attempt && s.reconnecting {
						s.forcedExit(err)
					}
				})
				return
			}
		}
		s.logger.Debug("reconnect failed", zap.Error(err))

		if !s.clock.Now().Before(deadline) {
			s.post(func() {
				if s.attempt == attempt && s.reconnecting {
					s.forcedExit(rtcerr.New("reconnect", rtcerr.ErrTransportDisconnected))
				}
			})
			return
		}
		select {
		case <-s.clock.After(s.reconnectInterval):
		case <-s.done:
			return
		}
	}
}

// forcedExit leaves the room locally after the relay could not be reached
// again or refused the rejoin.
func (s *Session) forcedExit(err error) {
	room := s.room
	s.teardownLocal()
	s.resetRoom()
	s.logger.Warn("left room after losing the relay", zap.String("room", room), zap.Error(err))
	s.sink.Notify(notify.Notice{
		Kind:    notify.KindRoom,
		Level:   notify.LevelError,
		Message: "You left the room because the connection could not be restored.",
		Err:     err,
	})
}
