// Package httpapi exposes the room API, the signaling websocket and the client
// settings over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"voicerooms/internal/app/rooms"
	"voicerooms/internal/auth"
	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/webrtc/protocol"
	"voicerooms/pkg/webrtc/signaling"
)

const requestTimeout = 3 * time.Second

type Settings struct {
	ICEMode     string
	ICEServers  []protocol.ICEServer
	PublicWSURL string
}

// Rooms is the registry surface the API needs.
type Rooms interface {
	CreateRoom(ctx context.Context, room rooms.Room) (*rooms.Room, error)
	Snapshot(ctx context.Context, roomID string) (protocol.RoomView, error)
	DeleteRoom(ctx context.Context, roomID, requester string) error
	ListActiveSharers(ctx context.Context, roomID string) ([]string, error)
}

// Upgrader turns a request into a signaling connection.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, opts signaling.ConnOptions) error
}

type Options struct {
	Rooms       Rooms
	Hub         Upgrader
	Verifier    auth.Verifier
	Settings    Settings
	CORSOrigins []string
	Logger      *zap.Logger
	// Health reports backing store reachability for /healthz.
	Health func(ctx context.Context) error
}

type api struct {
	rooms    Rooms
	hub      Upgrader
	verifier auth.Verifier
	settings Settings
	health   func(ctx context.Context) error
	logger   *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &api{
		rooms:    opts.Rooms,
		hub:      opts.Hub,
		verifier: opts.Verifier,
		settings: opts.Settings,
		health:   opts.Health,
		logger:   logger.With(zap.String("component", "httpapi")),
	}
	if a.verifier == nil {
		a.verifier = auth.DevVerifier{}
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(a.logRequests)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-User-ID", "X-User-Name", "X-User-Avatar"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/settings", a.getSettings)
	r.Get("/debug/ice", a.debugICE)
	r.With(a.authenticate).Get("/ws", a.websocket)

	r.Route("/rooms", func(r chi.Router) {
		r.With(a.authenticate).Post("/", a.createRoom)
		r.Route("/{roomId}", func(r chi.Router) {
			r.Get("/", a.getRoom)
			r.With(a.authenticate).Delete("/", a.deleteRoom)
			r.Get("/sharers", a.getSharers)
		})
	})
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}

// authenticate resolves the caller once and stores it on the request context.
func (a *api) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.verifier.Identify(r)
		if err != nil {
			a.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func identity(r *http.Request) (auth.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return auth.Identity{}, auth.ErrMissingToken
	}
	return id, nil
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := a.health(ctx); err != nil {
			a.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"wsURL":      resolveWSURL(a.settings, r),
		"iceMode":    a.settings.ICEMode,
		"iceServers": a.settings.ICEServers,
	})
}

func (a *api) debugICE(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":       a.settings.ICEMode,
		"iceServers": a.settings.ICEServers,
	})
}

func (a *api) websocket(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	// The connection outlives the request, so it does not inherit r.Context().
	_ = a.hub.Upgrade(w, r, signaling.ConnOptions{
		ID:          id.UserID,
		DisplayName: id.DisplayName,
		Avatar:      id.Avatar,
	})
}

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	WorkspaceID string `json:"workspaceId"`
	MaxMembers  int    `json:"maxMembers"`
}

func (a *api) createRoom(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, badRequest("invalid request body"))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		a.writeError(w, badRequest("name is required"))
		return
	}
	if req.MaxMembers < 0 {
		a.writeError(w, badRequest("maxMembers must not be negative"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	room, err := a.rooms.CreateRoom(ctx, rooms.Room{
		Name:        req.Name,
		Description: req.Description,
		WorkspaceID: req.WorkspaceID,
		MaxMembers:  req.MaxMembers,
		CreatedBy:   id.UserID,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (a *api) getRoom(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	view, err := a.rooms.Snapshot(ctx, chi.URLParam(r, "roomId"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) deleteRoom(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := a.rooms.DeleteRoom(ctx, chi.URLParam(r, "roomId"), id.UserID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) getSharers(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if _, err := a.rooms.Snapshot(ctx, roomID); err != nil {
		a.writeError(w, err)
		return
	}
	sharers, err := a.rooms.ListActiveSharers(ctx, roomID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"roomId": roomID, "sharers": sharers})
}

type errBadRequest string

func (e errBadRequest) Error() string { return string(e) }

func badRequest(msg string) error { return errBadRequest(msg) }

// statusOf maps an error onto its HTTP status.
func statusOf(err error) int {
	var bad errBadRequest
	switch {
	case errors.As(err, &bad), errors.Is(err, rtcerr.ErrInvalidEnvelope):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, rtcerr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, rtcerr.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, rtcerr.ErrCapacityExceeded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	body := map[string]string{"error": http.StatusText(status)}
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized:
		body["message"] = err.Error()
	case http.StatusInternalServerError:
		a.logger.Error("request failed", zap.Error(err))
		body["message"] = "internal error"
	default:
		body["code"] = rtcerr.Code(err)
		body["message"] = rtcerr.Message(err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func resolveWSURL(settings Settings, r *http.Request) string {
	if settings.PublicWSURL != "" {
		return settings.PublicWSURL
	}

	proto := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "wss"
	}

	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}

	return fmt.Sprintf("%s://%s/ws", proto, host)
}
