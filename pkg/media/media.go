// Package media models local capture: streams of tracks produced by a Capturer,
// fed to peer connections and optionally recorded.
package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Source is what is being captured.
type Source string

const (
	SourceScreen Source = "screen"
	SourceCamera Source = "camera"
)

// Constraints are the capture options requested by the caller.
type Constraints struct {
	Source       Source
	IncludeAudio bool
	Width        int
	Height       int
	FrameRate    int
}

// Track is one capture track. Ended is closed when the track stops for any
// reason, including the capture source going away on its own.
type Track interface {
	ID() string
	Kind() Kind
	Stop()
	Ended() <-chan struct{}
}

// LocalTrack is a Track that can be attached to a pion peer connection.
type LocalTrack interface {
	Track
	Local() webrtc.TrackLocal
}

// RemoteTrack is media received from a sharer.
type RemoteTrack struct {
	From   string
	ID     string
	Kind   Kind
	Codec  string
	Remote *webrtc.TrackRemote
}

// Stream groups the tracks of one capture.
type Stream struct {
	id     string
	tracks []Track
	once   sync.Once
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns the stream's tracks. The slice must not be modified.
func (s *Stream) Tracks() []Track { return s.tracks }

// Stop stops every track. It is safe to call more than once.
func (s *Stream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

// Capturer acquires a stream. It fails with rtcerr.ErrPermissionDenied when the
// user refuses capture.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (*Stream, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context, c Constraints) (*Stream, error)

func (f CapturerFunc) Capture(ctx context.Context, c Constraints) (*Stream, error) {
	return f(ctx, c)
}
