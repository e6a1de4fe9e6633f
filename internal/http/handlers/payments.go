package handlers

import (
	"math"
	"net/http"
	"strconv"

	"evmarket/web/internal/http/middleware"
	"evmarket/web/internal/payments/callback"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const viewCookieName = "evm_view"

// RegisterPaymentRoutes mounts the callback page and its session API.
func (h *Handler) RegisterPaymentRoutes(r chi.Router) {
	r.Get("/payments/{gateway}/callback", h.PaymentCallback)
	r.Get("/payments/sessions/{id}", h.GetSession)
	r.Post("/payments/sessions/{id}/retry", h.RetrySession)
	r.Delete("/payments/sessions/{id}", h.CloseSession)
	r.Post("/payments/sessions/{id}/close", h.CloseSession)
}

// PaymentCallback is where the gateway sends the customer after checkout.
// It starts a reconciliation session and renders the result page for it.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	ip := middleware.ClientIP(r)
	if ok, wait := h.callbackLimiter.Reserve(ip); !ok {
		logger.Warn("action", "action", "payment_callback", "status", "rate_limited", "ip", ip)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	cc := callback.Parse(chi.URLParam(r, "gateway"), r.URL.Query())
	sess := h.sessions.Start(h.viewKey(w, r), cc)
	logger.Info("action",
		"action", "payment_callback",
		"status", "session_started",
		"session_id", sess.ID,
		"gateway", cc.Gateway,
		"order_id", cc.OrderID,
		"result_code", cc.ResultCode,
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := paymentPageTemplate.Execute(w, newPageData(sess.Snapshot(), h.cfg.LandingURL)); err != nil {
		logger.Error("action", "action", "payment_callback", "status", "render_error", "error", err)
	}
}

// GetSession returns the session snapshot. The page polls it, which also
// keeps the session alive.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess.Snapshot()))
}

// RetrySession asks a parked session for one more status poll.
func (h *Handler) RetrySession(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	id := chi.URLParam(r, "id")
	found, accepted := h.sessions.Retry(id)
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !accepted {
		writeError(w, http.StatusConflict, "session is not waiting for a retry")
		return
	}
	logger.Info("action", "action", "payment_retry", "status", "accepted", "session_id", id)
	sess, ok := h.sessions.Get(id)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusAccepted, newSessionView(sess.Snapshot()))
}

// CloseSession tears a session down.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Close(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// viewKey identifies the browser view. A new callback under the same key
// replaces the previous session.
func (h *Handler) viewKey(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(viewCookieName); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}
	key := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     viewCookieName,
		Value:    key,
		Path:     "/payments",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return key
}
