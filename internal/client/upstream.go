// Package client provides the HTTP and WebSocket clients for the upstream app.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"prefix-proxy-go/internal/config"
	"prefix-proxy-go/internal/metrics"
	"prefix-proxy-go/internal/model"
)

// UpstreamClient sends requests to the upstream app on its loopback address.
type UpstreamClient struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	addr       string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// The request timeout bounds dialing and the wait for response headers, not
// the body: large downloads and long-lived streams must not be cut off.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	timeout := cfg.Upstream.Timeout()
	netDialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		DialContext:           netDialer.DialContext,
		// Compression is negotiated end to end; the client's Accept-Encoding is
		// forwarded verbatim and the response body is left encoded.
		DisableCompression: true,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Upstream redirects go back to the browser with Location rewritten.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer: &websocket.Dialer{
			NetDialContext:   netDialer.DialContext,
			HandshakeTimeout: timeout,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
		addr:    cfg.Upstream.Addr(),
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Addr returns the upstream host:port.
func (c *UpstreamClient) Addr() string {
	return c.addr
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, method, path string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.addr+path, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	req.Host = c.addr
	if body != nil && body != http.NoBody {
		req.ContentLength = contentLength
	}

	return c.Do(req)
}

// DialWebSocket opens the upstream leg of a WebSocket session. On a failed
// handshake the upstream's response, if any, is returned with the error so
// its status can be relayed; that body does not need to be closed.
func (c *UpstreamClient) DialWebSocket(ctx context.Context, path string, header http.Header, subprotocols []string) (*websocket.Conn, *http.Response, error) {
	d := *c.dialer
	d.Subprotocols = subprotocols

	conn, resp, err := d.DialContext(ctx, "ws://"+c.addr+path, header)
	if err != nil {
		return nil, resp, fmt.Errorf("dial upstream websocket: %w", err)
	}
	return conn, resp, nil
}

// Probe dials the upstream once to report whether it is accepting connections.
func (c *UpstreamClient) Probe(ctx context.Context) error {
	var d net.Dialer
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("probe upstream %s: %w", c.addr, err)
	}
	return conn.Close()
}
