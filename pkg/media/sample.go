package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Sample is one encoded frame written to a track.
type Sample struct {
	Data     []byte
	Duration time.Duration
}

// ChunkSource is implemented by tracks whose encoded output can be observed.
type ChunkSource interface {
	MimeType() string
	OnSample(fn func(Sample)) (cancel func())
}

// TrackSettings describes the encoded format of a track.
type TrackSettings struct {
	Width     int
	Height    int
	FrameRate int
}

// SampleTrack is a local track fed with encoded samples.
type SampleTrack struct {
	local    *webrtc.TrackLocalStaticSample
	kind     Kind
	settings TrackSettings

	stopOnce sync.Once
	ended    chan struct{}

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(Sample)
}

var (
	_ LocalTrack  = (*SampleTrack)(nil)
	_ ChunkSource = (*SampleTrack)(nil)
)

// NewSampleTrack builds a track with the given codec mime type (e.g. webrtc.MimeTypeVP8).
func NewSampleTrack(kind Kind, mimeType, id, streamID string, settings TrackSettings) (*SampleTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: mimeType}
	switch mimeType {
	case webrtc.MimeTypeOpus:
		capability.ClockRate, capability.Channels = 48000, 2
	default:
		capability.ClockRate = 90000
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &SampleTrack{
		local:     local,
		kind:      kind,
		settings:  settings,
		ended:     make(chan struct{}),
		listeners: make(map[int]func(Sample)),
	}, nil
}

func (t *SampleTrack) ID() string               { return t.local.ID() }
func (t *SampleTrack) Kind() Kind               { return t.kind }
func (t *SampleTrack) Local() webrtc.TrackLocal { return t.local }
func (t *SampleTrack) MimeType() string         { return t.local.Codec().MimeType }
func (t *SampleTrack) Settings() TrackSettings  { return t.settings }
func (t *SampleTrack) Ended() <-chan struct{}   { return t.ended }

// Stop ends the track. Later writes are rejected.
func (t *SampleTrack) Stop() {
	t.stopOnce.Do(func() { close(t.ended) })
}

// WriteSample sends s to every bound peer connection and every sample listener.
func (t *SampleTrack) WriteSample(s Sample) error {
	select {
	case <-t.ended:
		return fmt.Errorf("track %s ended", t.ID())
	default:
	}
	if err := t.local.WriteSample(pionmedia.Sample{Data: s.Data, Duration: s.Duration}); err != nil {
		return err
	}
	t.mu.Lock()
	listeners := make([]func(Sample), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
	return nil
}

// OnSample registers fn for every written sample.
func (t *SampleTrack) OnSample(fn func(Sample)) (cancel func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}
