package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"prefix-proxy-go/internal/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startProxy serves a relay in front of upstream and returns its URL.
func startProxy(t *testing.T, upstream *httptest.Server, tracker *Tracker, opts Options) string {
	t.Helper()
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up, _, err := websocket.DefaultDialer.Dial(wsURL(upstream), nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			_ = up.Close()
			return
		}
		s := NewSession(c, up, opts, discardLogger(), nil)
		tracker.Add(s)
		defer tracker.Remove(s)
		_ = s.Run(r.Context())
	}))
	t.Cleanup(proxy.Close)
	return wsURL(proxy)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSession_RelaysInOrderBothWays(t *testing.T) {
	const greetings = 5
	const n = 50

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for i := range greetings {
			if err := c.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("status-%d", i))); err != nil {
				return
			}
		}
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	tracker := NewTracker(nil)
	conn := dial(t, startProxy(t, upstream, tracker, Options{}))

	for i := range greetings {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read greeting %d: %v", i, err)
		}
		if want := fmt.Sprintf("status-%d", i); string(msg) != want {
			t.Fatalf("greeting %d = %q, want %q", i, msg, want)
		}
	}

	for i := range n {
		mt := websocket.TextMessage
		if i%2 == 1 {
			mt = websocket.BinaryMessage
		}
		if err := conn.WriteMessage(mt, []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	for i := range n {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if want := fmt.Sprintf("msg-%d", i); string(msg) != want {
			t.Fatalf("message %d = %q, want %q", i, msg, want)
		}
		wantType := websocket.TextMessage
		if i%2 == 1 {
			wantType = websocket.BinaryMessage
		}
		if mt != wantType {
			t.Errorf("message %d type = %d, want %d", i, mt, wantType)
		}
	}
}

func TestSession_ClientCloseReleasesUpstream(t *testing.T) {
	upstreamClosed := make(chan error, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				upstreamClosed <- err
				return
			}
		}
	}))
	defer upstream.Close()

	tracker := NewTracker(nil)
	conn := dial(t, startProxy(t, upstream, tracker, Options{}))
	waitFor(t, "session registration", func() bool { return tracker.Count() == 1 })

	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("write close: %v", err)
	}

	select {
	case err := <-upstreamClosed:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("upstream read error = %v, want normal closure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream leg was not closed after client close")
	}

	waitFor(t, "session removal", func() bool { return tracker.Count() == 0 })
}

func TestSession_UpstreamCloseCodeReachesClient(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4000, "restarting"),
			time.Now().Add(time.Second))
		// Wait for the close handshake to complete.
		_, _, _ = c.ReadMessage()
	}))
	defer upstream.Close()

	conn := dial(t, startProxy(t, upstream, NewTracker(nil), Options{}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, 4000) {
		t.Fatalf("client read error = %v, want close 4000", err)
	}
}

func TestTracker_CloseAll(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	m := metrics.New()
	tracker := NewTracker(m)
	url := startProxy(t, upstream, tracker, Options{})
	a := dial(t, url)
	b := dial(t, url)
	waitFor(t, "two sessions", func() bool { return tracker.Count() == 2 })

	tracker.CloseAll()

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := conn.ReadMessage()
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Errorf("client %s read error = %v, want going away", name, err)
		}
	}
	waitFor(t, "sessions to drain", func() bool { return tracker.Count() == 0 })
}

func TestSession_DeadLegIsDetected(t *testing.T) {
	upstreamClosed := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				close(upstreamClosed)
				return
			}
		}
	}))
	defer upstream.Close()

	tracker := NewTracker(nil)
	// The client never reads, so it never answers pings.
	_ = dial(t, startProxy(t, upstream, tracker, Options{PingInterval: 50 * time.Millisecond}))

	select {
	case <-upstreamClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("silent client leg was not detected")
	}
	waitFor(t, "session removal", func() bool { return tracker.Count() == 0 })
}

func TestSession_ContextCancelEndsSession(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up, _, err := websocket.DefaultDialer.Dial(wsURL(upstream), nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			_ = up.Close()
			return
		}
		result <- NewSession(c, up, Options{}, discardLogger(), nil).Run(ctx)
	}))
	defer proxy.Close()

	_ = dial(t, wsURL(proxy))
	cancel()

	select {
	case <-result:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestTracker_RemoveUnknownIsNoop(t *testing.T) {
	m := metrics.New()
	tracker := NewTracker(m)
	tracker.Remove(&Session{})
	if got := tracker.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}
