package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"voicerooms/internal/logging"
	"voicerooms/pkg/media"
	"voicerooms/pkg/notify"
	"voicerooms/pkg/session"
	"voicerooms/pkg/transport"
	"voicerooms/pkg/webrtc/peer"
)

const transportTimeout = 5 * time.Second

var (
	flagRoom      string
	flagIVF       string
	flagLoop      bool
	flagRecord    bool
	flagOutDir    string
	flagFrameRate int
	flagLogLevel  string
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Join a room as a headless viewer and log received screen shares",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := logging.New("development", flagLogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		s, err := joinRoom(cmd.Context(), logger, nil, func(t media.RemoteTrack) {
			logger.Info("receiving screen share",
				zap.String("peer", t.From),
				zap.String("track", t.ID),
				zap.String("codec", t.Codec))
			if t.Remote != nil {
				go countPackets(t, logger)
			}
		})
		if err != nil {
			return err
		}
		defer s.Close()

		<-cmd.Context().Done()
		return leave(s)
	},
}

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Join a room and share an IVF file as the screen",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagIVF == "" {
			return fmt.Errorf("--ivf is required")
		}
		logger, err := logging.New("development", flagLogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		capturer := &media.IVFCapturer{Path: flagIVF, Loop: flagLoop, Logger: logger}
		s, err := joinRoom(cmd.Context(), logger, capturer, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		stream, err := s.StartSharing(cmd.Context(), session.ShareOptions{
			Source:        media.SourceScreen,
			FrameRate:     flagFrameRate,
			RecordSession: flagRecord,
		})
		if err != nil {
			return err
		}
		logger.Info("sharing", zap.String("room", flagRoom), zap.String("stream", stream.ID()))

		ended := make(chan struct{})
		go func() {
			for _, t := range stream.Tracks() {
				<-t.Ended()
			}
			close(ended)
		}()
		select {
		case <-cmd.Context().Done():
		case <-ended:
			logger.Info("capture finished")
		}

		if err := s.StopSharing(); err != nil {
			logger.Warn("stop sharing", zap.Error(err))
		}
		if flagRecord {
			if err := exportRecording(s, logger); err != nil {
				logger.Warn("export recording", zap.Error(err))
			}
		}
		return leave(s)
	},
}

func init() {
	for _, c := range []*cobra.Command{viewCmd, shareCmd} {
		c.Flags().StringVar(&flagRoom, "room", "", "room id to join")
		c.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level")
		_ = c.MarkFlagRequired("room")
	}
	f := shareCmd.Flags()
	f.StringVar(&flagIVF, "ivf", "", "VP8/VP9 IVF file to share")
	f.BoolVar(&flagLoop, "loop", false, "restart the file instead of ending the share at EOF")
	f.BoolVar(&flagRecord, "record", false, "record the share and export it as WebM")
	f.StringVar(&flagOutDir, "out", ".", "directory for the exported recording")
	f.IntVar(&flagFrameRate, "fps", 0, "frame rate (0 uses the file's own)")
}

func joinRoom(ctx context.Context, logger *zap.Logger, capturer media.Capturer, onTrack func(media.RemoteTrack)) (*session.Session, error) {
	api := newAPIClient()
	if api.user == "" {
		return nil, fmt.Errorf("--user is required to join a room")
	}
	settings, err := api.settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch settings: %w", err)
	}
	wsURL, header, err := api.wsURL(settings.WSURL)
	if err != nil {
		return nil, err
	}

	tr := transport.NewClient(transport.WebSocketDialer(wsURL, header), transport.ClientOptions{Logger: logger})
	if err := tr.Connect(ctx); err != nil {
		return nil, err
	}
	peers, err := peer.NewPionFactory(logger)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	name := api.name
	if name == "" {
		name = api.user
	}
	s, err := session.New(tr, session.Options{
		MemberID:      api.user,
		DisplayName:   name,
		Peers:         peers,
		Capturer:      capturer,
		Notify:        notify.NewZapSink(logger),
		Logger:        logger,
		ICEServers:    settings.ICEServers,
		OnRemoteTrack: onTrack,
		OnLinkState: func(info session.LinkInfo) {
			logger.Debug("link state",
				zap.String("from", info.From),
				zap.String("to", info.To),
				zap.Stringer("state", info.State))
		},
	})
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	members, err := s.Join(ctx, flagRoom)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Info("joined", zap.String("room", flagRoom), zap.Int("members", len(members)))
	return s, nil
}

func leave(s *session.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()
	return s.Leave(ctx)
}

func exportRecording(s *session.Session, logger *zap.Logger) error {
	var buf bytes.Buffer
	name, err := s.ExportRecording(&buf)
	if err != nil {
		return err
	}
	path := filepath.Join(flagOutDir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return err
	}
	logger.Info("recording exported", zap.String("path", path), zap.Int("bytes", buf.Len()))
	return nil
}

func countPackets(t media.RemoteTrack, logger *zap.Logger) {
	count := 0
	for {
		pkt, _, err := t.Remote.ReadRTP()
		if err != nil {
			logger.Info("screen share ended", zap.String("peer", t.From), zap.Int("packets", count))
			return
		}
		count++
		if count%500 == 0 {
			logger.Debug("packets received", zap.String("peer", t.From), zap.Int("packets", count), zap.Uint16("seq", pkt.SequenceNumber))
		}
	}
}
