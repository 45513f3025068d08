package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/aymnn34/calls/internal/signaling"
)

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
}

// originAllowed accepts any origin when the allow list is empty, and
// requests without an Origin header (native clients) always.
func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	normalized := strings.ToLower(u.Scheme + "://" + u.Host)
	return slices.ContainsFunc(allowed, func(a string) bool {
		return a == "*" || strings.EqualFold(strings.TrimRight(a, "/"), normalized)
	})
}

// ServeWs returns an http.HandlerFunc that upgrades the request and hands
// the connection to the hub.
func ServeWs(hub *signaling.Hub, opts signaling.ClientOptions, allowedOrigins []string, logger *slog.Logger) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "err", err)
			return
		}

		client := signaling.NewClient(hub, conn, opts)
		if !client.Serve() {
			logger.Warn("hub stopped, rejecting connection", "remote", r.RemoteAddr)
		}
	}
}
