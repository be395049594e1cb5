package realtime

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anonto42/nano-social/backend/internal/auth"
	"github.com/anonto42/nano-social/backend/pkg/logger"
	"github.com/anonto42/nano-social/backend/pkg/metrics"
)

// CloseTryAgainLater is the close code for rate limited handshakes.
const CloseTryAgainLater = 1013

// HandshakeLimiter decides whether a client address may open another socket.
type HandshakeLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Handler upgrades GET requests to notification sockets. The credential
// travels as the "token" query parameter because browsers cannot set headers
// on a websocket handshake.
type Handler struct {
	registry *Registry
	verifier auth.TokenVerifier
	limiter  HandshakeLimiter
	upgrader websocket.Upgrader
	log      *logger.Logger
	metrics  *metrics.RealtimeMetrics

	// trustForwarded keys clients on X-Forwarded-For instead of RemoteAddr.
	trustForwarded bool
}

type HandlerOption func(*Handler)

func WithHandshakeLimiter(l HandshakeLimiter) HandlerOption {
	return func(h *Handler) { h.limiter = l }
}

// WithTrustedProxy makes the handler read the client address from the first
// X-Forwarded-For entry. Only enable it behind a proxy that overwrites the header.
func WithTrustedProxy() HandlerOption {
	return func(h *Handler) { h.trustForwarded = true }
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) HandlerOption {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

func NewHandler(registry *Registry, verifier auth.TokenVerifier, log *logger.Logger, m *metrics.RealtimeMetrics, opts ...HandlerOption) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	h := &Handler{
		registry: registry,
		verifier: verifier,
		log:      log,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the token query parameter authenticates the socket, not the origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.log.Warn(h.log.WithField(r.Context(), "error", err.Error()), "websocket upgrade failed")
		return
	}

	ip := clientIP(r, h.trustForwarded)
	ctx := h.log.WithField(r.Context(), "remote_ip", ip)
	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, ip)
		if err != nil {
			h.log.Error(ctx, "handshake rate limiter unavailable", err)
		} else if !allowed {
			h.reject(ctx, conn, CloseTryAgainLater, ReasonRateLimited, "rate_limited")
			return
		}
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		h.reject(ctx, conn, websocket.ClosePolicyViolation, ReasonAuthRequired, "missing_token")
		return
	}

	userID, err := h.verifier.VerifyToken(ctx, token)
	if err != nil {
		h.reject(ctx, conn, websocket.ClosePolicyViolation, ReasonInvalidToken, "invalid_token")
		return
	}

	h.registry.Accept(conn, userID)
}

func (h *Handler) reject(ctx context.Context, conn *websocket.Conn, code int, reason, metric string) {
	h.metrics.HandshakeRejected(metric)
	h.log.Info(h.log.WithField(ctx, "reason", reason), "rejecting notification socket")
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if fwd := r.Header.Get("X-Forwarded-For"); trustForwarded && fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
