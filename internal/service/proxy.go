// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"prefix-proxy-go/internal/client"
	"prefix-proxy-go/internal/config"
	"prefix-proxy-go/internal/metrics"
	"prefix-proxy-go/internal/model"
	"prefix-proxy-go/internal/prefix"
	"prefix-proxy-go/internal/rewrite"
)

var (
	// ErrUpstreamUnavailable is returned when the upstream refused, reset or
	// could not be resolved.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamTimeout is returned when the upstream did not send response
	// headers within the configured timeout.
	ErrUpstreamTimeout = errors.New("upstream timed out")
	// ErrClientGone is returned when the inbound request was canceled before
	// the upstream answered.
	ErrClientGone = errors.New("client disconnected")
)

// Rewrite outcomes, used as metric labels.
const (
	outcomeRewritten       = "rewritten"
	outcomeUnchanged       = "unchanged"
	outcomeSkippedSize     = "skipped_too_large"
	outcomeSkippedEncoding = "skipped_encoding"
	outcomeSkippedCharset  = "skipped_charset"
)

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.UpstreamClient
	rules   *rewrite.RuleSet
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, rules *rewrite.RuleSet, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:  c,
		rules:   rules,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// RulesVersion returns the version of the active rewrite rule set.
func (s *ProxyService) RulesVersion() string {
	return s.rules.Version
}

// Forward sends a ProxyRequest to the upstream app and returns the response,
// with redirects and textual bodies translated into the request's prefix.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamPath, _ := prefix.Strip(pr.Prefix, pr.Path)
	target := upstreamPath
	if pr.RawQuery != "" {
		target += "?" + pr.RawQuery
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", upstreamPath,
		"prefix", pr.Prefix,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target, s.requestHeaders(pr.Header), pr.Body, pr.ContentLength)
	if err != nil {
		err = classify(pr.Ctx, err)
		s.fail(err)
		return nil, err
	}

	resp.Header = s.responseHeaders(resp.Header, pr.Prefix)

	if !s.shouldRewrite(pr, resp) {
		return resp, nil
	}
	if pr.Method == http.MethodHead {
		s.headOfRewritable(resp)
		return resp, nil
	}
	return s.rewriteBody(pr, resp, upstreamPath)
}

// requestHeaders copies the client headers for the upstream request.
// Hop-by-hop headers have already been removed by middleware.
func (s *ProxyService) requestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	if s.cfg.Upstream.RewriteOrigin && dst.Get("Origin") != "" {
		dst.Set("Origin", "http://"+s.client.Addr())
	}
	return dst
}

// responseHeaders drops hop-by-hop headers and maps upstream redirect
// targets into the prefix.
func (s *ProxyService) responseHeaders(src http.Header, p string) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	model.RemoveHopByHop(dst)
	for _, h := range []string{"Location", "Content-Location"} {
		if v := dst.Get(h); v != "" {
			dst.Set(h, rewrite.Location(v, p, s.client.Addr()))
		}
	}
	return dst
}

func (s *ProxyService) shouldRewrite(pr *model.ProxyRequest, resp *model.ProxyResponse) bool {
	if s.cfg.Rewrite.Disabled || pr.Prefix == prefix.Root {
		return false
	}
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified:
		return false
	}
	return resp.StatusCode >= http.StatusOK
}

// headOfRewritable adjusts a HEAD response whose GET body would go through
// the rewriter: the upstream length and validator describe a body the
// client will never receive.
func (s *ProxyService) headOfRewritable(resp *model.ProxyResponse) {
	kind, err := rewrite.Classify(resp.Header.Get("Content-Type"))
	if !s.rules.Covers(kind) || err != nil {
		return
	}
	resp.Header.Del("Content-Length")
	resp.Header.Del("ETag")
	resp.ContentLength = -1
}

// rewriteBody buffers a textual body, rewrites it, and replaces the
// response body. Any condition that makes the rewrite unsafe passes the
// original bytes through unchanged.
func (s *ProxyService) rewriteBody(pr *model.ProxyRequest, resp *model.ProxyResponse, upstreamPath string) (*model.ProxyResponse, error) {
	p := pr.Prefix
	kind, err := rewrite.Classify(resp.Header.Get("Content-Type"))
	if !s.rules.Covers(kind) {
		return resp, nil
	}
	if err != nil {
		s.skipped(kind, outcomeSkippedCharset, upstreamPath, err)
		return resp, nil
	}

	limit := s.cfg.Rewrite.MaxBodyBytes
	if resp.ContentLength > limit {
		s.skipped(kind, outcomeSkippedSize, upstreamPath, fmt.Errorf("content length %d exceeds %d", resp.ContentLength, limit))
		return resp, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		_ = resp.Body.Close()
		err = classify(pr.Ctx, fmt.Errorf("read body: %w", err))
		s.fail(err)
		return nil, err
	}
	if int64(len(raw)) > limit {
		s.skipped(kind, outcomeSkippedSize, upstreamPath, fmt.Errorf("body exceeds %d bytes", limit))
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(raw), resp.Body), resp.Body}
		return resp, nil
	}
	_ = resp.Body.Close()

	// From here on the whole body is in memory.
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	resp.ContentLength = int64(len(raw))
	resp.Header.Set("Content-Length", strconv.Itoa(len(raw)))

	decoded, err := decodeBody(resp.Header.Get("Content-Encoding"), raw, limit)
	if err != nil {
		outcome := outcomeSkippedEncoding
		if errors.Is(err, errDecodedTooLarge) {
			outcome = outcomeSkippedSize
		}
		s.skipped(kind, outcome, upstreamPath, err)
		return resp, nil
	}

	out, n := s.rules.Rewrite(kind, decoded, p)

	if left := rewrite.Leftovers(kind, out, p); len(left) > 0 {
		s.logger.Warn("root-relative references left after rewrite",
			"path", upstreamPath,
			"kind", kind.String(),
			"rewritten", n,
			"count", len(left),
			"sample", left[0],
		)
	}

	if n == 0 {
		s.count(kind, outcomeUnchanged)
		return resp, nil
	}
	s.count(kind, outcomeRewritten)

	// The body now depends on the prefix; the upstream validator no longer
	// identifies it.
	resp.Header.Del("ETag")
	resp.Header.Del("Content-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))

	s.logger.Debug("body rewritten",
		"path", upstreamPath,
		"kind", kind.String(),
		"references", n,
	)
	return resp, nil
}

func (s *ProxyService) skipped(kind rewrite.Kind, outcome, path string, reason error) {
	s.count(kind, outcome)
	s.logger.Warn("rewrite skipped",
		"path", path,
		"kind", kind.String(),
		"reason", outcome,
		"err", reason,
	)
}

func (s *ProxyService) count(kind rewrite.Kind, outcome string) {
	if s.metrics != nil {
		s.metrics.Rewrites.WithLabelValues(kind.String(), outcome).Inc()
	}
}

func (s *ProxyService) fail(err error) {
	if s.metrics == nil {
		return
	}
	reason := "unavailable"
	switch {
	case errors.Is(err, ErrClientGone):
		reason = "client_gone"
	case errors.Is(err, ErrUpstreamTimeout):
		reason = "timeout"
	}
	s.metrics.UpstreamFailures.WithLabelValues(reason).Inc()
}

// classify maps a transport error to one of the package sentinels.
func classify(ctx context.Context, err error) error {
	if ctx != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrClientGone, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}

// readCloser pairs a reader with the closer of the stream it drains.
type readCloser struct {
	io.Reader
	io.Closer
}
