package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"evmarket/web/internal/config"
	"evmarket/web/internal/rate"
	"evmarket/web/internal/session"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Handler serves the payment callback routes.
type Handler struct {
	sessions        *session.Manager
	cfg             *config.Config
	logger          *slog.Logger
	callbackLimiter *rate.WindowLimiter
}

// New creates a handler. Callback hits are limited to cfg.CallbackRateLimit per minute per IP.
func New(sessions *session.Manager, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions:        sessions,
		cfg:             cfg,
		logger:          logger,
		callbackLimiter: rate.NewWindowLimiter(cfg.CallbackRateLimit, time.Minute),
	}
}

func (h *Handler) loggerForRequest(r *http.Request) *slog.Logger {
	logger := h.logger
	if reqID := chimw.GetReqID(r.Context()); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	return logger
}
