package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"prefix-proxy-go/internal/metrics"
	"prefix-proxy-go/internal/model"
	"prefix-proxy-go/internal/prefix"
	"prefix-proxy-go/internal/service"
)

// retryAfterSeconds is sent with 502 responses while the upstream app is
// starting or restarting.
const retryAfterSeconds = "5"

// ProxyHandler forwards HTTP requests to the upstream app.
type ProxyHandler struct {
	service  *service.ProxyService
	resolver *prefix.Resolver
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, resolver *prefix.Resolver, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		resolver: resolver,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream app and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	p := h.resolver.Resolve(req)
	path := req.URL.EscapedPath()

	// Relative references in the app's index page only resolve under the
	// prefix when the URL ends in a slash.
	if (req.Method == http.MethodGet || req.Method == http.MethodHead) && prefix.IsBare(p, path) {
		target := p
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}
		return c.Redirect(http.StatusPermanentRedirect, target)
	}

	upstreamPath, _ := prefix.Strip(p, path)
	c.Set(metrics.UpstreamPathKey, upstreamPath)

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          path,
		RawQuery:      req.URL.RawQuery,
		Prefix:        p,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	header.Del(echo.HeaderContentLength)
	if resp.ContentLength >= 0 {
		header.Set(echo.HeaderContentLength, strconv.FormatInt(resp.ContentLength, 10))
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a failed copy can only truncate the response.
	if err := h.copyBody(c.Response(), resp); err != nil {
		if req.Context().Err() != nil {
			h.logger.Debug("client went away during response", "path", upstreamPath)
			return nil
		}
		h.logger.Error("streaming response body",
			"err", err,
			"path", upstreamPath,
		)
	}

	return nil
}

// copyBody streams the upstream body. Bodies of unknown length (server-sent
// events, progress streams) are flushed after every read.
func (h *ProxyHandler) copyBody(w *echo.Response, resp *model.ProxyResponse) error {
	if resp.ContentLength >= 0 {
		_, err := io.Copy(w, resp.Body)
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, service.ErrClientGone):
		h.logger.Debug("client disconnected before upstream answered", "path", path)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})

	case errors.Is(err, service.ErrUpstreamTimeout):
		h.logger.Error("proxy error", "err", err, "path", path)
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})

	case errors.Is(err, service.ErrUpstreamUnavailable):
		h.logger.Error("proxy error", "err", err, "path", path)
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream unavailable",
		})
	}

	h.logger.Error("proxy error", "err", err, "path", path)
	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
