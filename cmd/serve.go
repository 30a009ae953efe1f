package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"voicerooms/internal/app/httpapi"
	"voicerooms/internal/app/rooms"
	"voicerooms/internal/auth"
	"voicerooms/internal/config"
	"voicerooms/internal/logging"
	"voicerooms/internal/worker"
	"voicerooms/pkg/lifecycle"
	"voicerooms/pkg/presence"
	"voicerooms/pkg/registry"
	"voicerooms/pkg/relay"
	"voicerooms/pkg/webrtc/ice"
	"voicerooms/pkg/webrtc/signaling"
)

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay and room API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if flagAddr != "" {
			cfg.Addr = flagAddr
		}
		logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()
		for _, w := range cfg.Warnings {
			logger.Warn(w)
		}
		return serve(cmd.Context(), cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides ADDR)")
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var (
		roomStore     rooms.Store
		presenceStore presence.Store
		health        func(context.Context) error
	)
	switch cfg.Store {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		roomStore = rooms.NewRedisStore(rdb, cfg.Redis.Prefix)
		presenceStore = presence.NewRedisStore(rdb, cfg.Redis.Prefix)
		health = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	default:
		roomStore = rooms.NewMemoryStore()
		presenceStore = presence.NewMemoryStore()
	}

	regOpts := registry.Options{
		Logger:            logger,
		EmptyRoomGrace:    cfg.EmptyRoomGrace,
		DefaultMaxMembers: cfg.DefaultMaxMembers,
	}
	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	if cfg.Reaper == config.ReaperAsynq {
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		regOpts.Reaper = worker.NewReapScheduler(client, logger)
	}

	fanout := relay.New(logger)
	reg := registry.New(roomStore, presenceStore, fanout, regOpts)

	if cfg.Reaper == config.ReaperAsynq {
		w := worker.NewServer(redisOpt, reg, logger)
		if err := w.Start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		defer w.Shutdown()
	}

	coord := lifecycle.New(reg, lifecycle.Options{Grace: cfg.GracePeriod, Logger: logger})
	defer coord.Stop()

	iceMode, iceServers := ice.Resolve(cfg.ICE, logger)
	hub := signaling.NewHub(reg, fanout, signaling.HubOptions{
		ICEServers: iceServers,
		ICEMode:    iceMode,
		Logger:     logger,
		Lifecycle:  coord,
	})

	var verifier auth.Verifier = auth.DevVerifier{}
	if cfg.JWTSecret != "" {
		v, err := auth.NewJWTVerifier(cfg.JWTSecret)
		if err != nil {
			return err
		}
		verifier = v
	} else if cfg.Production() {
		return errors.New("JWT_SECRET is required in production")
	} else {
		logger.Warn("JWT_SECRET not set; trusting X-User-ID headers")
	}

	router := httpapi.NewRouter(httpapi.Options{
		Rooms:    reg,
		Hub:      hub,
		Verifier: verifier,
		Settings: httpapi.Settings{
			ICEMode:     iceMode,
			ICEServers:  iceServers,
			PublicWSURL: cfg.PublicWSURL,
		},
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
		Health:      health,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.Store),
			zap.String("reaper", cfg.Reaper),
			zap.String("ice_mode", iceMode),
			zap.Int("ice_servers", len(iceServers)),
			zap.Bool("turn_configured", ice.TURNConfigured(iceServers)),
			zap.Duration("grace", coord.Grace()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	hub.Shutdown()
	return err
}
