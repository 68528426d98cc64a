// Package relay joins a client WebSocket and an upstream WebSocket into one
// session whose two legs live and die together.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"prefix-proxy-go/internal/metrics"
)

// Message directions, used as metric labels.
const (
	ClientToUpstream = "client_to_upstream"
	UpstreamToClient = "upstream_to_client"
)

const writeWait = 10 * time.Second

// Options tune a session.
type Options struct {
	// PingInterval is how often both legs are pinged. A leg that sends
	// nothing, not even a pong, for twice this long is considered dead.
	// Zero disables keepalive.
	PingInterval time.Duration
	// MaxMessageBytes caps a single inbound message on either leg. Zero
	// means no limit.
	MaxMessageBytes int64
}

// Session is one relayed WebSocket connection.
type Session struct {
	client   *websocket.Conn
	upstream *websocket.Conn
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	closeOnce sync.Once
}

// NewSession links client and upstream. The metrics parameter is optional.
func NewSession(client, upstream *websocket.Conn, opts Options, logger *slog.Logger, m *metrics.Metrics) *Session {
	return &Session{
		client:   client,
		upstream: upstream,
		opts:     opts,
		logger:   logger.With("component", "ws_relay"),
		metrics:  m,
	}
}

// Run relays messages in both directions until either leg ends or ctx is
// done. The first leg to end has its close forwarded to the other, both
// sockets are closed, and Run returns once both directions have stopped.
// A normal closure from either side returns nil.
func (s *Session) Run(ctx context.Context) error {
	for _, c := range []*websocket.Conn{s.client, s.upstream} {
		s.prepare(c)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- s.pump(s.client, s.upstream, ClientToUpstream) }()
	go func() { errCh <- s.pump(s.upstream, s.client, UpstreamToClient) }()

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(ctx, done)

	first := <-errCh
	s.Close()
	<-errCh

	if isNormalClose(first) {
		return nil
	}
	return first
}

// Close ends the session, telling both peers the proxy is going away.
// It is safe to call more than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = s.client.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.upstream.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.client.Close()
		_ = s.upstream.Close()
	})
}

func (s *Session) prepare(c *websocket.Conn) {
	if s.opts.MaxMessageBytes > 0 {
		c.SetReadLimit(s.opts.MaxMessageBytes)
	}
	if s.opts.PingInterval <= 0 {
		return
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
	})
}

// pump copies messages from src to dst until one of them fails. Messages
// are streamed frame by frame without an intermediate queue, so a slow dst
// stops reads from src.
func (s *Session) pump(src, dst *websocket.Conn, direction string) error {
	for {
		mt, r, err := src.NextReader()
		if err != nil {
			forwardClose(dst, err)
			return err
		}
		w, err := dst.NextWriter(mt)
		if err != nil {
			forwardClose(src, err)
			return err
		}
		if _, err := io.Copy(w, r); err != nil {
			forwardClose(src, err)
			return err
		}
		if err := w.Close(); err != nil {
			forwardClose(src, err)
			return err
		}

		if s.opts.PingInterval > 0 {
			_ = src.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
		}
		if s.metrics != nil {
			s.metrics.WebSocketMessages.WithLabelValues(direction).Inc()
		}
	}
}

func (s *Session) keepalive(ctx context.Context, done <-chan struct{}) {
	var tick <-chan time.Time
	if s.opts.PingInterval > 0 {
		t := time.NewTicker(s.opts.PingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			s.Close()
			return
		case <-tick:
			deadline := time.Now().Add(writeWait)
			for _, c := range []*websocket.Conn{s.client, s.upstream} {
				if err := c.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					s.logger.Debug("websocket ping failed", "err", err)
				}
			}
		}
	}
}

// forwardClose tells peer why the other leg ended. Close codes that may not
// appear on the wire are replaced.
func forwardClose(peer *websocket.Conn, cause error) {
	code, text := websocket.CloseGoingAway, ""
	var ce *websocket.CloseError
	if errors.As(cause, &ce) {
		switch ce.Code {
		case websocket.CloseNoStatusReceived:
			code = websocket.CloseNormalClosure
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			code = websocket.CloseGoingAway
		default:
			code, text = ce.Code, ce.Text
		}
	}
	_ = peer.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second))
}

func isNormalClose(err error) bool {
	return err == nil || websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}

// Tracker records live sessions so they can be closed on shutdown. Hijacked
// connections are not closed by http.Server.Shutdown.
type Tracker struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	metrics  *metrics.Metrics
}

// NewTracker creates an empty Tracker. The metrics parameter is optional.
func NewTracker(m *metrics.Metrics) *Tracker {
	return &Tracker{
		sessions: make(map[*Session]struct{}),
		metrics:  m,
	}
}

// Add registers s.
func (t *Tracker) Add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s] = struct{}{}
	if t.metrics != nil {
		t.metrics.WebSocketSessions.Inc()
	}
}

// Remove unregisters s. Removing an unknown session is a no-op.
func (t *Tracker) Remove(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[s]; !ok {
		return
	}
	delete(t.sessions, s)
	if t.metrics != nil {
		t.metrics.WebSocketSessions.Dec()
	}
}

// Count returns the number of live sessions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CloseAll closes every live session. Sessions remove themselves as their
// Run returns.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	live := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		live = append(live, s)
	}
	t.mu.Unlock()

	for _, s := range live {
		s.Close()
	}
}
