package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"prefix-proxy-go/internal/config"
	"prefix-proxy-go/internal/metrics"
)

// testConfig points the upstream settings at a test server URL.
func testConfig(t *testing.T, serverURL string, timeoutSeconds int) *config.Config {
	t.Helper()
	host, port := "127.0.0.1", 1
	if serverURL != "" {
		hostPort := strings.TrimPrefix(serverURL, "http://")
		h, p, err := net.SplitHostPort(hostPort)
		if err != nil {
			t.Fatalf("split %q: %v", hostPort, err)
		}
		host = h
		port, _ = strconv.Atoi(p)
	}
	return &config.Config{
		Upstream: config.UpstreamConfig{
			Host:            host,
			Port:            port,
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpstreamClient_DoStream(t *testing.T) {
	var gotHost, gotQuery, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL, 10)
	m := metrics.New()
	c := NewUpstreamClient(cfg, discardLogger(), m)

	resp, err := c.DoStream(context.Background(), http.MethodGet, "/view/a%20b?filename=x%2Fy&type=output", http.Header{}, http.NoBody, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
	if gotHost != c.Addr() {
		t.Errorf("upstream Host = %q, want %q", gotHost, c.Addr())
	}
	if gotPath != "/view/a%20b" {
		t.Errorf("upstream path = %q, want %q", gotPath, "/view/a%20b")
	}
	if gotQuery != "filename=x%2Fy&type=output" {
		t.Errorf("upstream query = %q, want raw query preserved", gotQuery)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "prefix_proxy_upstream_responses_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected prefix_proxy_upstream_responses_total to be recorded")
	}
}

func TestUpstreamClient_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(t, srv.URL, 10), discardLogger(), nil)
	resp, err := c.DoStream(context.Background(), http.MethodGet, "/", http.Header{}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "/login" {
		t.Errorf("Location = %q, want %q", loc, "/login")
	}
}

func TestUpstreamClient_DoStream_Error(t *testing.T) {
	c := NewUpstreamClient(testConfig(t, "", 1), discardLogger(), nil)

	_, err := c.DoStream(context.Background(), http.MethodGet, "/nonexistent", http.Header{}, nil, 0)
	if err == nil {
		t.Fatal("DoStream() expected error for unreachable host, got nil")
	}
}

func TestUpstreamClient_DoStream_HeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewUpstreamClient(testConfig(t, srv.URL, 1), discardLogger(), nil)

	start := time.Now()
	_, err := c.DoStream(context.Background(), http.MethodGet, "/slow", http.Header{}, nil, 0)
	if err == nil {
		t.Fatal("DoStream() expected timeout error, got nil")
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("error = %v, want a timeout net.Error", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v, want about 1s", elapsed)
	}
}

func TestUpstreamClient_DoStream_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(t, srv.URL, 30), discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.DoStream(ctx, http.MethodGet, "/slow", http.Header{}, nil, 0)
	if err == nil {
		t.Fatal("DoStream() expected error for canceled context, got nil")
	}
}

func TestUpstreamClient_DialWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotPath, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotCookie = r.Header.Get("Cookie")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, msg)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(t, srv.URL, 5), discardLogger(), nil)

	header := http.Header{"Cookie": {"session=abc"}}
	conn, _, err := c.DialWebSocket(context.Background(), "/ws?clientId=42", header, nil)
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(msg) != "ping" {
		t.Errorf("echo = %q, want %q", msg, "ping")
	}
	if gotPath != "/ws?clientId=42" {
		t.Errorf("upstream request URI = %q, want %q", gotPath, "/ws?clientId=42")
	}
	if gotCookie != "session=abc" {
		t.Errorf("upstream Cookie = %q, want %q", gotCookie, "session=abc")
	}
}

func TestUpstreamClient_DialWebSocket_BadHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(t, srv.URL, 5), discardLogger(), nil)

	_, resp, err := c.DialWebSocket(context.Background(), "/ws", http.Header{}, nil)
	if err == nil {
		t.Fatal("DialWebSocket() expected error, got nil")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("handshake response = %v, want status 403", resp)
	}
}

func TestUpstreamClient_Probe(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := NewUpstreamClient(testConfig(t, srv.URL, 5), discardLogger(), nil)
	if err := c.Probe(context.Background()); err != nil {
		t.Errorf("Probe() error = %v, want nil", err)
	}

	srv.Close()
	if err := c.Probe(context.Background()); err == nil {
		t.Error("Probe() after close: expected error, got nil")
	}
}
