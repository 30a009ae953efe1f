// Package notify carries user-visible notices (toasts) out of the session core.
package notify

import (
	"errors"

	"go.uber.org/zap"

	"voicerooms/pkg/rtcerr"
)

type Kind string

const (
	KindSharing    Kind = "sharing"
	KindConnection Kind = "connection"
	KindRoom       Kind = "room"
	KindRecording  Kind = "recording"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warning"
	LevelError Level = "error"
)

// Notice is one message for the user.
type Notice struct {
	Kind    Kind
	Level   Level
	Peer    string
	Message string
	Err     error
}

// Sink receives notices. Implementations must not block.
type Sink interface {
	Notify(n Notice)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notice)

func (f SinkFunc) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Sink = SinkFunc(func(Notice) {})

// FromError classifies err into a notice with a human-readable message.
func FromError(err error) Notice {
	n := Notice{Level: LevelError, Message: rtcerr.Message(err), Err: err}
	var e *rtcerr.Error
	if errors.As(err, &e) {
		n.Peer = e.Peer
	}
	switch {
	case errors.Is(err, rtcerr.ErrPermissionDenied), errors.Is(err, rtcerr.ErrAlreadySharing):
		n.Kind = KindSharing
	case errors.Is(err, rtcerr.ErrSignalingTimeout), errors.Is(err, rtcerr.ErrPeerFailed):
		n.Kind, n.Level = KindConnection, LevelWarn
	case errors.Is(err, rtcerr.ErrTransportDisconnected):
		n.Kind, n.Level = KindConnection, LevelWarn
	case errors.Is(err, rtcerr.ErrRecordingUnsupported), errors.Is(err, rtcerr.ErrRecordingInactive):
		n.Kind, n.Level = KindRecording, LevelWarn
	default:
		n.Kind = KindRoom
	}
	return n
}

// Info builds an informational notice.
func Info(kind Kind, msg string) Notice {
	return Notice{Kind: kind, Level: LevelInfo, Message: msg}
}

// NewZapSink logs notices, useful for headless clients.
func NewZapSink(logger *zap.Logger) Sink {
	logger = logger.With(zap.String("component", "notify"))
	return SinkFunc(func(n Notice) {
		fields := []zap.Field{zap.String("kind", string(n.Kind))}
		if n.Peer != "" {
			fields = append(fields, zap.String("peer", n.Peer))
		}
		if n.Err != nil {
			fields = append(fields, zap.Error(n.Err))
		}
		switch n.Level {
		case LevelError:
			logger.Error(n.Message, fields...)
		case LevelWarn:
			logger.Warn(n.Message, fields...)
		default:
			logger.Info(n.Message, fields...)
		}
	})
}
