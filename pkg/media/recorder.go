package media

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"

	"voicerooms/pkg/rtcerr"
)

// DefaultRecordingMimeType is used when the caller does not ask for one.
const DefaultRecordingMimeType = "video/webm;codecs=vp8"

var supportedRecordingTypes = map[string]bool{
	"video/webm":                 true,
	"video/webm;codecs=vp8":      true,
	"video/webm;codecs=vp9":      true,
	"video/webm;codecs=vp8,opus": true,
	"video/webm;codecs=vp9,opus": true,
}

// SupportedRecordingType reports whether mimeType can be recorded.
func SupportedRecordingType(mimeType string) bool {
	return supportedRecordingTypes[strings.ReplaceAll(strings.ToLower(mimeType), " ", "")]
}

// Chunk is one recorded sample, stamped relative to the start of the recording.
type Chunk struct {
	TrackID  string
	Kind     Kind
	Codec    string
	At       time.Duration
	Keyframe bool
	Data     []byte
}

// Recording is a finished capture ready to be exported.
type Recording struct {
	Name      string
	MimeType  string
	StartedAt time.Time
	EndedAt   time.Time
	Chunks    []Chunk
	Width     int
	Height    int
}

// Recorder collects samples from a stream's tracks into timestamped chunks.
type Recorder struct {
	clock clockwork.Clock

	mu       sync.Mutex
	active   bool
	roomID   string
	mimeType string
	started  time.Time
	chunks   []Chunk
	cancels  []func()
	settings TrackSettings
}

func NewRecorder(clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{clock: clock}
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Start records every observable track of stream. It fails with
// ErrRecordingUnsupported when the mime type or the stream's codecs cannot be
// recorded; the stream itself is unaffected.
func (r *Recorder) Start(roomID string, stream *Stream, mimeType string) error {
	if mimeType == "" {
		mimeType = DefaultRecordingMimeType
	}
	if !SupportedRecordingType(mimeType) {
		return rtcerr.New("start recording", fmt.Errorf("%w: %s", rtcerr.ErrRecordingUnsupported, mimeType))
	}

	var sources []Track
	for _, t := range stream.Tracks() {
		src, ok := t.(ChunkSource)
		if !ok {
			continue
		}
		switch src.MimeType() {
		case webrtc.MimeTypeVP8, webrtc.MimeTypeVP9, webrtc.MimeTypeOpus:
			sources = append(sources, t)
		}
	}
	if len(sources) == 0 {
		return rtcerr.New("start recording", rtcerr.ErrRecordingUnsupported)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return nil
	}
	r.active, r.roomID, r.mimeType = true, roomID, mimeType
	r.started = r.clock.Now()
	r.chunks = nil
	r.settings = TrackSettings{}
	for _, t := range sources {
		t := t
		src := t.(ChunkSource)
		codec := src.MimeType()
		if s, ok := t.(interface{ Settings() TrackSettings }); ok && t.Kind() == KindVideo {
			r.settings = s.Settings()
		}
		r.cancels = append(r.cancels, src.OnSample(func(s Sample) {
			r.add(Chunk{
				TrackID:  t.ID(),
				Kind:     t.Kind(),
				Codec:    codec,
				Keyframe: isKeyframe(codec, s.Data),
				Data:     append([]byte(nil), s.Data...),
			})
		}))
	}
	return nil
}

func (r *Recorder) add(c Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	c.At = r.clock.Since(r.started)
	r.chunks = append(r.chunks, c)
}

// Stop ends the recording and returns it. It fails with ErrRecordingInactive
// when nothing is being recorded.
func (r *Recorder) Stop() (*Recording, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil, rtcerr.New("stop recording", rtcerr.ErrRecordingInactive)
	}
	cancels := r.cancels
	r.cancels = nil
	r.active = false
	end := r.clock.Now()
	rec := &Recording{
		Name:      ArtifactName(r.roomID, r.started),
		MimeType:  r.mimeType,
		StartedAt: r.started,
		EndedAt:   end,
		Chunks:    r.chunks,
		Width:     r.settings.Width,
		Height:    r.settings.Height,
	}
	r.chunks = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return rec, nil
}

// ArtifactName is "{roomId}-{UTC timestamp}.webm".
func ArtifactName(roomID string, at time.Time) string {
	return fmt.Sprintf("%s-%s.webm", roomID, at.UTC().Format("20060102T150405Z"))
}

// WriteTo muxes the recording into a WebM container.
func (rec *Recording) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	var tracks []webm.TrackEntry
	index := map[string]int{}
	for _, c := range rec.Chunks {
		if _, ok := index[c.TrackID]; ok {
			continue
		}
		entry := webm.TrackEntry{
			Name:        c.TrackID,
			TrackNumber: uint64(len(tracks) + 1),
			TrackUID:    uint64(len(tracks) + 1),
		}
		switch c.Codec {
		case webrtc.MimeTypeOpus:
			entry.CodecID, entry.TrackType = "A_OPUS", 2
			entry.Audio = &webm.Audio{SamplingFrequency: 48000, Channels: 2}
		case webrtc.MimeTypeVP9:
			entry.CodecID, entry.TrackType = "V_VP9", 1
			entry.Video = &webm.Video{PixelWidth: uint64(rec.Width), PixelHeight: uint64(rec.Height)}
		default:
			entry.CodecID, entry.TrackType = "V_VP8", 1
			entry.Video = &webm.Video{PixelWidth: uint64(rec.Width), PixelHeight: uint64(rec.Height)}
		}
		index[c.TrackID] = len(tracks)
		tracks = append(tracks, entry)
	}
	if len(tracks) == 0 {
		return 0, rtcerr.New("export recording", rtcerr.ErrRecordingInactive)
	}

	writers, err := webm.NewSimpleBlockWriter(cw, tracks)
	if err != nil {
		return cw.n, fmt.Errorf("webm writer: %w", err)
	}
	for _, c := range rec.Chunks {
		if _, err := writers[index[c.TrackID]].Write(c.Keyframe, c.At.Milliseconds(), c.Data); err != nil {
			return cw.n, fmt.Errorf("write chunk: %w", err)
		}
	}
	for _, bw := range writers {
		if err := bw.Close(); err != nil {
			return cw.n, err
		}
	}
	return cw.n, nil
}

// countingWriter also satisfies io.Closer for the webm writer; closing it is a no-op.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) Close() error { return nil }

func isKeyframe(codec string, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	switch codec {
	case webrtc.MimeTypeVP8:
		return data[0]&0x01 == 0
	case webrtc.MimeTypeVP9:
		return vp9Keyframe(data[0])
	case webrtc.MimeTypeOpus:
		return true
	}
	return false
}

// vp9Keyframe reads frame_type from the first byte of a VP9 uncompressed
// header: frame_marker(2) profile_low(1) profile_high(1) [reserved(1) when
// profile is 3] show_existing_frame(1) frame_type(1), where 0 is a key frame.
func vp9Keyframe(b byte) bool {
	bit := func(i uint) byte { return (b >> (7 - i)) & 1 }
	if b>>6 != 2 {
		return false
	}
	i := uint(4)
	if bit(2) == 1 && bit(3) == 1 {
		i++
	}
	if bit(i) == 1 {
		return false
	}
	return bit(i+1) == 0
}
