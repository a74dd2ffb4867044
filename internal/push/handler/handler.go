// Package handler exposes the push session lifecycle over HTTP: handshake,
// subscribe, long poll and disconnect.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"livecache/internal/platform/metrics"
	"livecache/internal/platform/middleware"
	"livecache/internal/push"
	"livecache/internal/transport/http/shared"
	dErrors "livecache/pkg/domain-errors"
	"livecache/pkg/platform/sentinel"
)

const (
	defaultPollTimeout = 30 * time.Second
	maxPollTimeout     = 60 * time.Second
)

// Service defines the interface for push session operations.
type Service interface {
	Handshake(userID string) push.ClientID
	Subscribe(clientID push.ClientID, key push.InterestKey, token string) error
	Poll(ctx context.Context, clientID push.ClientID, timeout time.Duration) ([]string, error)
	Disconnect(clientID push.ClientID) error
}

// Handler handles push-related endpoints.
type Handler struct {
	logger       *slog.Logger
	push         Service
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

// New creates a new push Handler.
func New(
	push Service,
	logger *slog.Logger,
	metrics *metrics.Metrics,
	jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		push:         push,
		metrics:      metrics,
		jwtValidator: jwtValidator,
	}
}

// Register registers the push routes with the chi router. The poll route
// skips the request timeout middleware; its own deadline governs it.
func (h *Handler) Register(r chi.Router) {
	pushRouter := chi.NewRouter()
	pushRouter.Use(middleware.Recovery(h.logger))
	pushRouter.Use(middleware.RequestID)
	pushRouter.Use(middleware.Logger(h.logger))
	pushRouter.Use(middleware.ContentTypeJSON)
	pushRouter.Use(middleware.LatencyMiddleware(h.metrics))
	pushRouter.Use(middleware.RequireAuth(h.jwtValidator, h.logger))

	pushRouter.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Post("/push/handshake", h.handleHandshake)
		r.Post("/push/subscribe", h.handleSubscribe)
		r.Post("/push/disconnect", h.handleDisconnect)
	})
	pushRouter.Get("/push/poll", h.handlePoll)

	r.Mount("/", pushRouter)
}

// handleHandshake opens a push session for the authenticated user.
func (h *Handler) handleHandshake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	if userID == "" {
		h.logger.ErrorContext(ctx, "userID missing from context despite auth middleware",
			"request_id", middleware.GetRequestID(ctx),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return
	}

	clientID := h.push.Handshake(userID)
	shared.WriteJSON(w, http.StatusOK, HandshakeResponse{ClientID: string(clientID)})
}

// handleSubscribe registers a one-shot interest on an existing session. An
// unknown or expired session is 404; the client must handshake again.
func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		h.logger.WarnContext(ctx, "invalid subscribe request",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	err := h.push.Subscribe(req.ParsedClientID(), req.ParsedKey(), req.Token)
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrSessionExpired):
			shared.WriteError(w, dErrors.New(dErrors.CodeNotFound, "push session not found"))
		case errors.Is(err, sentinel.ErrInvalidArgument):
			shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, err.Error()))
		default:
			h.logger.ErrorContext(ctx, "failed to subscribe",
				"request_id", requestID,
				"error", err.Error(),
			)
			shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to subscribe"))
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handlePoll blocks until a notification batch or the timeout. A session
// that is gone at poll time is 410; the client must handshake again.
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	clientID, err := push.ParseClientID(r.URL.Query().Get("client_id"))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "client_id must be a valid session identifier"))
		return
	}
	timeout, err := parsePollTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	tokens, err := h.push.Poll(ctx, clientID, timeout)
	if err != nil {
		if errors.Is(err, sentinel.ErrSessionExpired) {
			shared.WriteError(w, dErrors.New(dErrors.CodeGone, "push session expired"))
			return
		}
		h.logger.ErrorContext(ctx, "poll failed",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "poll failed"))
		return
	}
	if tokens == nil {
		tokens = []string{}
	}
	shared.WriteJSON(w, http.StatusOK, PollResponse{Tokens: tokens})
}

// handleDisconnect tears a session down. Disconnecting a session that is
// already gone is 410, mirroring poll.
func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		shared.WriteError(w, err)
		return
	}

	if err := h.push.Disconnect(req.ParsedClientID()); err != nil {
		if errors.Is(err, sentinel.ErrSessionExpired) {
			shared.WriteError(w, dErrors.New(dErrors.CodeGone, "push session expired"))
			return
		}
		h.logger.ErrorContext(ctx, "failed to disconnect",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to disconnect"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parsePollTimeout reads the timeout query parameter in seconds, clamped to
// the server maximum.
func parsePollTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultPollTimeout, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, "timeout must be a non-negative number of seconds")
	}
	timeout := time.Duration(secs) * time.Second
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}
	return timeout, nil
}
