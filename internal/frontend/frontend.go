// Package frontend implements the HTTP surface exposed on the WebSocket
// listener: the /socket upgrade point, a plain-text banner at /, and 404
// for everything else.
package frontend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/cortexuvula/wssocksd/internal/channelbus"
	"github.com/cortexuvula/wssocksd/internal/metrics"
	"github.com/cortexuvula/wssocksd/internal/registry"
	"github.com/cortexuvula/wssocksd/internal/relay"
	"github.com/cortexuvula/wssocksd/internal/security"
	"github.com/cortexuvula/wssocksd/internal/wsession"
)

const banner = "wssocksd: SOCKS5-over-WebSocket relay\n"

// Handler is the http.Handler mounted on the WebSocket listener.
type Handler struct {
	Registry    *registry.Registry
	Bus         *channelbus.Bus
	Forward     relay.ForwardDialer
	ActiveSocks *metrics.ActiveGauge
	Log         *slog.Logger

	// RateLimiter, if set, gates new connection attempts per source IP
	// before the WebSocket upgrade happens.
	RateLimiter *security.RateLimiter
	// Conns, if set, enforces global and per-IP connection caps alongside
	// RateLimiter.
	Conns               *security.ConnGuard
	MaxConnections      int
	MaxConnectionsPerIP int

	// TokenLimiter, if set, gates inbound data frames per auth token once a
	// session is established — a second, independently-keyed instance of
	// the same security.RateLimiter used above for per-IP connection gating.
	TokenLimiter *security.RateLimiter

	// ShutdownCtx governs the lifetime of every accepted session; cancel
	// it to begin draining.
	ShutdownCtx context.Context

	// OnSessionStarted is called after a session authenticates, letting
	// the coordinator lazily start a reverse token's SocksSupervisor.
	OnSessionStarted func(*wsession.Session)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/socket":
		h.handleUpgrade(w, r)
	case "/":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(banner))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}

	ip := security.ExtractClientIP(r.RemoteAddr)

	if h.RateLimiter != nil && !h.RateLimiter.Allow(ip) {
		log.Warn("websocket connection rate limited", "remote", ip)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	if h.Conns != nil {
		if reason := h.Conns.TryAcquire(ip, h.MaxConnections, h.MaxConnectionsPerIP); reason != "" {
			log.Warn("websocket connection rejected", "remote", ip, "reason", reason)
			http.Error(w, reason, http.StatusServiceUnavailable)
			return
		}
		defer h.Conns.Release(ip)
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess, err := wsession.Accept(h.ShutdownCtx, conn, h.Registry, h.Bus, h.Forward, h.ActiveSocks, h.TokenLimiter, log)
	if err != nil {
		log.Warn("session auth failed", "error", err, "remote", r.RemoteAddr)
		var authErr *wsession.AuthError
		if errors.As(err, &authErr) {
			conn.Close(authErr.Code, authErr.Reason)
		} else {
			conn.Close(websocket.StatusPolicyViolation, "invalid auth message")
		}
		return
	}

	if h.OnSessionStarted != nil {
		h.OnSessionStarted(sess)
	}

	sess.Serve(h.ShutdownCtx)
}
