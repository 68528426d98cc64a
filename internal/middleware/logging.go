// Package middleware provides Echo middleware for logging, metrics and
// header hygiene.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"prefix-proxy-go/internal/metrics"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			status := res.Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				status = he.Code
			}

			level := slog.LevelInfo
			if isHealthCheck(c) {
				level = slog.LevelDebug
			}

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if up, ok := c.Get(metrics.UpstreamPathKey).(string); ok {
				attrs = append(attrs, "upstream_path", up)
			}

			logger.Log(context.Background(), level, "request", attrs...)

			return err
		}
	}
}

// isHealthCheck reports whether c was routed to the proxy's own health
// endpoint, which the gateway polls. Upstream paths that happen to end in
// /healthz go through the catch-all route and are logged normally.
func isHealthCheck(c echo.Context) bool {
	return strings.HasSuffix(c.Path(), "/healthz")
}
