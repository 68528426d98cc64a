package handler

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"prefix-proxy-go/internal/client"
	"prefix-proxy-go/internal/config"
	"prefix-proxy-go/internal/metrics"
	"prefix-proxy-go/internal/prefix"
	"prefix-proxy-go/internal/relay"
)

// WebSocketHandler relays WebSocket sessions to the upstream app.
type WebSocketHandler struct {
	client   *client.UpstreamClient
	resolver *prefix.Resolver
	tracker  *relay.Tracker
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a WebSocketHandler. The metrics parameter is optional.
func NewWebSocketHandler(c *client.UpstreamClient, resolver *prefix.Resolver, tracker *relay.Tracker, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *WebSocketHandler {
	return &WebSocketHandler{
		client:   c,
		resolver: resolver,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger.With("component", "ws_handler"),
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The gateway in front authenticates; the app checks its own origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Matches reports whether the request belongs to this handler: any upgrade
// request, and any request to a configured WebSocket path.
func (h *WebSocketHandler) Matches(req *http.Request) bool {
	if websocket.IsWebSocketUpgrade(req) {
		return true
	}
	upstreamPath, _ := prefix.Strip(h.resolver.Resolve(req), req.URL.EscapedPath())
	return slices.Contains(h.cfg.Upstream.WebSocketPaths, upstreamPath)
}

// Handle dials the upstream first so a refusal can still be reported as a
// plain HTTP error, then upgrades the client and relays until either side
// closes.
func (h *WebSocketHandler) Handle(c echo.Context) error {
	req := c.Request()
	upstreamPath, _ := prefix.Strip(h.resolver.Resolve(req), req.URL.EscapedPath())
	c.Set(metrics.UpstreamPathKey, upstreamPath)

	if !websocket.IsWebSocketUpgrade(req) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "websocket upgrade required",
		})
	}

	target := upstreamPath
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	up, resp, err := h.client.DialWebSocket(req.Context(), target, h.dialHeaders(req.Header), websocket.Subprotocols(req))
	if err != nil {
		h.logger.Warn("websocket upstream dial failed", "path", upstreamPath, "err", err)
		if h.metrics != nil {
			h.metrics.UpstreamFailures.WithLabelValues("websocket_dial").Inc()
		}
		status := http.StatusBadGateway
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			status = resp.StatusCode
		} else {
			c.Response().Header().Set("Retry-After", retryAfterSeconds)
		}
		return c.JSON(status, map[string]string{
			"error": "upstream websocket unavailable",
		})
	}

	conn, err := h.upgrader.Upgrade(c.Response(), req, upgradeHeaders(up, resp))
	if err != nil {
		// The upgrader has already written an error response.
		_ = up.Close()
		h.logger.Debug("websocket upgrade failed", "path", upstreamPath, "err", err)
		return nil
	}
	c.Response().Status = http.StatusSwitchingProtocols

	s := relay.NewSession(conn, up, relay.Options{
		PingInterval:    h.cfg.WebSocket.PingInterval(),
		MaxMessageBytes: h.cfg.WebSocket.MaxMessageBytes,
	}, h.logger, h.metrics)
	h.tracker.Add(s)
	defer h.tracker.Remove(s)

	start := time.Now()
	h.logger.Debug("websocket session opened", "path", upstreamPath)
	err = s.Run(req.Context())
	h.logger.Debug("websocket session closed",
		"path", upstreamPath,
		"duration_ms", time.Since(start).Milliseconds(),
		"err", err,
	)
	return nil
}

// dialHeaders copies the client handshake headers minus the ones the
// dialer generates itself.
func (h *WebSocketHandler) dialHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vv := range src {
		switch lk := strings.ToLower(k); {
		case lk == "upgrade", lk == "connection", lk == "host",
			strings.HasPrefix(lk, "sec-websocket-"):
			continue
		}
		dst[k] = slices.Clone(vv)
	}
	if h.cfg.Upstream.RewriteOrigin && dst.Get("Origin") != "" {
		dst.Set("Origin", "http://"+h.client.Addr())
	}
	return dst
}

// upgradeHeaders carries the negotiated subprotocol and any cookies the
// upstream set during its handshake back to the client.
func upgradeHeaders(up *websocket.Conn, resp *http.Response) http.Header {
	header := http.Header{}
	if proto := up.Subprotocol(); proto != "" {
		header.Set("Sec-Websocket-Protocol", proto)
	}
	if resp != nil {
		for _, v := range resp.Header.Values("Set-Cookie") {
			header.Add("Set-Cookie", v)
		}
	}
	return header
}
