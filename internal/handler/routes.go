package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prefix-proxy-go/internal/config"
	"prefix-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The proxy's
// own endpoints are matched on the raw path, below server.admin_prefix, so
// they are never forwarded; everything else goes to the upstream app. A root
// deployment whose app serves /healthz needs an admin prefix to reach it.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, ws *WebSocketHandler, health *HealthHandler) {
	e.GET(cfg.Server.AdminRoute("/healthz"), health.Healthz)
	e.GET(cfg.Server.AdminRoute("/proxy/status"), health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		})))
	}

	e.Any("/*", func(c echo.Context) error {
		if ws.Matches(c.Request()) {
			return ws.Handle(c)
		}
		return proxy.Handle(c)
	})
}
