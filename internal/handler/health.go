package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"prefix-proxy-go/internal/config"
	"prefix-proxy-go/internal/prefix"
	"prefix-proxy-go/internal/relay"
	"prefix-proxy-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	resolver *prefix.Resolver
	service  *service.ProxyService
	tracker  *relay.Tracker
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, resolver *prefix.Resolver, svc *service.ProxyService, tracker *relay.Tracker) *HealthHandler {
	return &HealthHandler{
		cfg:      cfg,
		version:  v,
		resolver: resolver,
		service:  svc,
		tracker:  tracker,
	}
}

// Healthz returns a simple OK response for liveness probes. It does not
// depend on the upstream app being up.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of GET /proxy/status.
type StatusResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	Upstream          string `json:"upstream"`
	Prefix            string `json:"prefix"`
	PrefixHeader      string `json:"prefix_header,omitempty"`
	RewriteEnabled    bool   `json:"rewrite_enabled"`
	RulesVersion      string `json:"rules_version"`
	WebSocketSessions int    `json:"websocket_sessions"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:            "ok",
		Version:           string(h.version),
		Upstream:          h.cfg.Upstream.Addr(),
		Prefix:            h.resolver.Static(),
		PrefixHeader:      h.resolver.HeaderName(),
		RewriteEnabled:    !h.cfg.Rewrite.Disabled,
		RulesVersion:      h.service.RulesVersion(),
		WebSocketSessions: h.tracker.Count(),
	})
}
