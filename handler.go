package connector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forcebridge/mcp-salesforce/instrumentation"
	"github.com/forcebridge/mcp-salesforce/security"
)

// SessionCookieName is the HttpOnly cookie carrying the session identifier
const SessionCookieName = "sf_session"

// Handler is a thin HTTP adapter for the connector Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	if server.instrumentor != nil {
		h.tracer = server.instrumentor.Tracer("http")
	}

	return h
}

// Routes returns the auth surface mux with request-ID middleware applied
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", h.ServeLogin)
	mux.HandleFunc("/auth/callback", h.ServeCallback)
	mux.HandleFunc("/auth/status", h.ServeStatus)
	mux.HandleFunc("/auth/logout", h.ServeLogout)
	mux.HandleFunc("/healthz", h.ServeHealthz)
	mux.HandleFunc("/readyz", h.ServeReadyz)
	return security.RequestIDMiddleware(mux)
}

// ServeLogin handles GET /auth/login?user_id=&return_url=.
// It issues a state token and a session cookie, then redirects the browser
// to the IdP authorize endpoint.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "connector.http.login")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("login", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP) {
		return
	}

	done, err := h.server.coordinator.Begin()
	if err != nil {
		h.recordHTTPMetrics("login", r.Method, http.StatusServiceUnavailable, startTime)
		h.writeError(w, ErrShutdownInProgress("server is shutting down"))
		return
	}
	defer done()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.recordHTTPMetrics("login", r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, errors.New("missing user_id"))
		h.writeError(w, NewError(ErrorCodeInvalidOrExpiredState, "user_id is required", http.StatusBadRequest))
		return
	}
	returnURL := r.URL.Query().Get("return_url")

	sessionID := h.ensureSessionCookie(w, r)

	redirectURL, err := h.server.BeginLogin(ctx, userID, sessionID, returnURL, clientIP)
	if err != nil {
		h.logger.Error("Failed to begin login", "error", err)
		h.recordHTTPMetrics("login", r.Method, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, NewError("ServerError", "failed to start login flow", http.StatusInternalServerError))
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrAuthFlowStep, "login"))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("login", r.Method, http.StatusFound, startTime)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeCallback handles GET /auth/callback?code=&state=&error=.
// An IdP error parameter fails fast before the state token is consumed;
// the abandoned state is left to TTL expiry.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "connector.http.callback")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("callback", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP) {
		return
	}

	done, err := h.server.coordinator.Begin()
	if err != nil {
		h.recordHTTPMetrics("callback", r.Method, http.StatusServiceUnavailable, startTime)
		h.writeError(w, ErrShutdownInProgress("server is shutting down"))
		return
	}
	defer done()

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	errorParam := r.URL.Query().Get("error")

	if errorParam != "" {
		errorDesc := r.URL.Query().Get("error_description")
		h.logger.Warn("IdP returned error", "error", errorParam, "description", errorDesc)
		if h.server.auditor != nil {
			h.server.auditor.LogCallbackRejected(clientIP, errorParam)
		}
		h.recordHTTPMetrics("callback", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrAuthErrorCode, errorParam))
		h.writeError(w, NewError(errorParam, errorDesc, http.StatusBadRequest))
		return
	}

	if state == "" || code == "" {
		h.recordHTTPMetrics("callback", r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, errors.New("missing state or code"))
		h.writeError(w, ErrInvalidOrExpiredState("state and code are required"))
		return
	}

	result, err := h.server.CompleteCallback(ctx, state, code, clientIP)
	if err != nil {
		h.recordHTTPMetrics("callback", r.Method, errorStatus(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrAuthFlowStep, "callback"))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("callback", r.Method, http.StatusFound, startTime)
	http.Redirect(w, r, h.server.RedirectURL(result), http.StatusFound)
}

// ServeStatus handles GET /auth/status, keyed by the session cookie
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("status", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	done, err := h.server.coordinator.Begin()
	if err != nil {
		h.recordHTTPMetrics("status", r.Method, http.StatusServiceUnavailable, startTime)
		h.writeError(w, ErrShutdownInProgress("server is shutting down"))
		return
	}
	defer done()

	status := &StatusInfo{Connected: false}
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		status = h.server.Status(r.Context(), cookie.Value)
	}

	h.recordHTTPMetrics("status", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, status)
}

// ServeLogout handles POST /auth/logout: it removes the session's credential
// and clears the session cookie.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("logout", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	done, err := h.server.coordinator.Begin()
	if err != nil {
		h.recordHTTPMetrics("logout", r.Method, http.StatusServiceUnavailable, startTime)
		h.writeError(w, ErrShutdownInProgress("server is shutting down"))
		return
	}
	defer done()

	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		h.recordHTTPMetrics("logout", r.Method, http.StatusNotFound, startTime)
		h.writeError(w, ErrNoActiveConnection("no session"))
		return
	}

	if err := h.server.Logout(r.Context(), cookie.Value); err != nil {
		h.recordHTTPMetrics("logout", r.Method, errorStatus(err), startTime)
		h.writeError(w, err)
		return
	}

	h.clearSessionCookie(w)
	h.recordHTTPMetrics("logout", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// ServeHealthz handles GET /healthz (liveness)
func (h *Handler) ServeHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServeReadyz handles GET /readyz; it reports 503 once draining starts so
// load balancers stop routing new requests during shutdown
func (h *Handler) ServeReadyz(w http.ResponseWriter, r *http.Request) {
	if h.server.coordinator.Draining() {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ensureSessionCookie returns the request's session ID, issuing a new
// HttpOnly cookie when the request carries none
func (h *Handler) ensureSessionCookie(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	sessionID := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.server.config.Security.SessionCookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return sessionID
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.server.config.Security.SessionCookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.config.Security.TrustProxy, h.server.config.Security.TrustedProxyCount)
}

// checkRateLimit checks if the client IP is rate limited. Returns true if
// the request was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.rateLimiter == nil || h.server.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	if h.server.instrumentor != nil {
		h.server.instrumentor.Metrics().RecordRateLimitExceeded(context.Background(), r.URL.Path)
	}
	if h.server.auditor != nil {
		h.server.auditor.LogRateLimitExceeded(clientIP, r.URL.Path)
	}
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrRateLimitExceeded("rate limit exceeded, please try again later"))
	return true
}

// writeError writes a structured {code, message} JSON body. Errors that are
// not *Error are mapped to a generic 500.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var connErr *Error
	if !errors.As(err, &connErr) {
		connErr = NewError("ServerError", "internal server error", http.StatusInternalServerError)
	}
	h.writeJSON(w, connErr.Status, connErr)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorStatus extracts the HTTP status from a structured error, defaulting
// to 500
func errorStatus(err error) int {
	var connErr *Error
	if errors.As(err, &connErr) {
		return connErr.Status
	}
	return http.StatusInternalServerError
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.instrumentor == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000
	h.server.instrumentor.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
