package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"prefix-proxy-go/internal/client"
	"prefix-proxy-go/internal/config"
	"prefix-proxy-go/internal/handler"
	"prefix-proxy-go/internal/metrics"
	"prefix-proxy-go/internal/middleware"
	"prefix-proxy-go/internal/prefix"
	"prefix-proxy-go/internal/relay"
	"prefix-proxy-go/internal/rewrite"
	"prefix-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("prefix-proxy"),
		kong.Description("Serves a root-assuming web app under a gateway path prefix."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newResolver,
			newRuleSet,
			client.NewUpstreamClient,
			service.NewProxyService,
			relay.NewTracker,
			handler.NewProxyHandler,
			handler.NewWebSocketHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, probeUpstream, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newResolver(cfg *config.Config, logger *slog.Logger) *prefix.Resolver {
	return prefix.NewResolver(cfg.Prefix.Value, cfg.Prefix.Header, logger)
}

func newRuleSet(cfg *config.Config, logger *slog.Logger) (*rewrite.RuleSet, error) {
	rs, err := rewrite.Load(cfg.Rewrite.RulesFile)
	if err != nil {
		return nil, err
	}
	logger.Info("rewrite rules loaded",
		"version", rs.Version,
		"rules", len(rs.Rules),
		"file", cfg.Rewrite.RulesFile,
	)
	return rs, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// ReadTimeout and WriteTimeout stay disabled (0): uploads, downloads and
	// event streams run for as long as they need. Slow clients are bounded by
	// ReadHeaderTimeout and IdleTimeout.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	e.Use(middleware.StripHopByHop())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// probeUpstream reports at startup whether the upstream app is listening yet.
// The app often starts after the proxy, so a failure is only a warning.
func probeUpstream(lc fx.Lifecycle, c *client.UpstreamClient, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := c.Probe(ctx); err != nil {
				logger.Warn("upstream not reachable yet; requests will return 502 until it is",
					"upstream", c.Addr(),
					"err", err,
				)
				return nil
			}
			logger.Info("upstream reachable", "upstream", c.Addr())
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, resolver *prefix.Resolver, tracker *relay.Tracker, logger *slog.Logger) {
	// http.Server.Shutdown does not touch hijacked connections.
	e.Server.RegisterOnShutdown(tracker.CloseAll)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"prefix", resolver.Static(),
				"prefix_header", resolver.HeaderName(),
				"admin_prefix", cfg.Server.AdminPrefix,
				"upstream", cfg.Upstream.Addr(),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "websocket_sessions", tracker.Count())
			return e.Shutdown(ctx)
		},
	})
}
