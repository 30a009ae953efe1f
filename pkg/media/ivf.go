package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"go.uber.org/zap"

	"voicerooms/pkg/rtcerr"
)

// minFrameDuration caps pacing at 1000 frames per second.
const minFrameDuration = time.Millisecond

// IVFCapturer "captures the screen" by streaming a VP8/VP9 IVF file. Reaching
// the end of the file ends the track, as if the user had stopped sharing from
// outside the application.
type IVFCapturer struct {
	Path   string
	Loop   bool
	Clock  clockwork.Clock
	Logger *zap.Logger
	// Open overrides how the file is opened (tests use an in-memory reader).
	Open func(path string) (io.ReadCloser, error)
}

var _ Capturer = (*IVFCapturer)(nil)

func (c *IVFCapturer) Capture(ctx context.Context, cons Constraints) (*Stream, error) {
	open := c.Open
	if open == nil {
		open = func(path string) (io.ReadCloser, error) { return os.Open(path) }
	}
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := open(c.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, rtcerr.New("capture", rtcerr.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("open %s: %w", c.Path, err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read ivf header: %w", err)
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	default:
		_ = f.Close()
		return nil, fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}

	frameDur := frameDuration(header.TimebaseNumerator, header.TimebaseDenominator, cons.FrameRate)

	track, err := NewSampleTrack(KindVideo, mime, "screen", "voicerooms", TrackSettings{
		Width:     int(header.Width),
		Height:    int(header.Height),
		FrameRate: int(time.Second / frameDur),
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	go c.pump(f, reader, track, frameDur, clock, logger)
	return NewStream(track), nil
}

// frameDuration is the pacing interval: the requested frame rate if set,
// else the file's timebase, else 30fps. It never drops below minFrameDuration.
func frameDuration(num, den uint32, fps int) time.Duration {
	d := time.Second / 30
	if num > 0 && den > 0 {
		d = time.Duration(float64(time.Second) * float64(num) / float64(den))
	}
	if fps > 0 {
		d = time.Second / time.Duration(fps)
	}
	if d < minFrameDuration {
		d = minFrameDuration
	}
	return d
}

func (c *IVFCapturer) pump(f io.ReadCloser, reader *ivfreader.IVFReader, track *SampleTrack, frameDur time.Duration, clock clockwork.Clock, logger *zap.Logger) {
	defer func() { _ = f.Close() }()
	defer track.Stop()

	ticker := clock.NewTicker(frameDur)
	defer ticker.Stop()
	for {
		select {
		case <-track.Ended():
			return
		case <-ticker.Chan():
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if !c.Loop {
				logger.Info("capture source finished", zap.String("path", c.Path))
				return
			}
			seeker, ok := f.(io.Seeker)
			if !ok {
				return
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return
			}
			if reader, _, err = ivfreader.NewWith(f); err != nil {
				return
			}
			continue
		}
		if err != nil {
			logger.Warn("read ivf frame", zap.Error(err))
			return
		}
		if err := track.WriteSample(Sample{Data: frame, Duration: frameDur}); err != nil {
			return
		}
	}
}
