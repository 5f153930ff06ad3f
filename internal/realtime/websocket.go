package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// subscribeFrame asks the gateway to start streaming a table.
type subscribeFrame struct {
	Action string `json:"action"`
	Table  string `json:"table"`
}

// WebSocket is a Channel reading JSON event frames from a realtime
// gateway. Each subscription holds its own connection and redials after a
// dropped connection.
type WebSocket struct {
	url       string
	header    http.Header
	dialer    *websocket.Dialer
	reconnect time.Duration
	logger    *slog.Logger
}

var _ Channel = (*WebSocket)(nil)

// WebSocketOption configures a WebSocket channel.
type WebSocketOption func(*WebSocket)

// WithHeader sets headers sent on every dial, such as an API key.
func WithHeader(h http.Header) WebSocketOption {
	return func(w *WebSocket) { w.header = h }
}

// WithReconnectWait sets the pause between redial attempts.
func WithReconnectWait(d time.Duration) WebSocketOption {
	return func(w *WebSocket) { w.reconnect = d }
}

// WithWebSocketLogger sets the logger.
func WithWebSocketLogger(l *slog.Logger) WebSocketOption {
	return func(w *WebSocket) { w.logger = l }
}

// NewWebSocket creates a channel dialing url (ws:// or wss://).
func NewWebSocket(url string, opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		reconnect: 2 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Subscribe dials the gateway and sends a subscribe frame for table. The
// first dial must succeed; later drops are retried until unsubscribed.
func (w *WebSocket) Subscribe(ctx context.Context, table string, h Handler) (Subscription, error) {
	conn, err := w.dial(ctx, table)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &wsSubscription{conn: conn, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		w.readLoop(subCtx, sub, table, h)
	}()
	return sub, nil
}

func (w *WebSocket) dial(ctx context.Context, table string) (*websocket.Conn, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: dial %s: %w", table, w.url, err)
	}
	frame, err := json.Marshal(subscribeFrame{Action: "subscribe", Table: table})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: send frame: %w", table, err)
	}
	return conn, nil
}

func (w *WebSocket) readLoop(ctx context.Context, sub *wsSubscription, table string, h Handler) {
	for {
		conn := sub.current()
		if conn == nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("change feed connection lost", "table", table, "error", err)
			if !w.redial(ctx, sub, table) {
				return
			}
			continue
		}

		ev, err := DecodeEvent(msg, table)
		if err != nil {
			w.logger.Warn("dropping malformed change event", "table", table, "error", err)
			continue
		}
		if ev.Table != table {
			continue
		}
		h(ev)
	}
}

// redial reconnects until it succeeds or ctx is done.
func (w *WebSocket) redial(ctx context.Context, sub *wsSubscription, table string) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.reconnect):
		}
		conn, err := w.dial(ctx, table)
		if err != nil {
			w.logger.Debug("change feed redial failed", "table", table, "error", err)
			continue
		}
		if !sub.swap(conn) {
			conn.Close()
			return false
		}
		return true
	}
}

type wsSubscription struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *wsSubscription) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// swap installs a fresh connection. Returns false if the subscription was
// cancelled meanwhile.
func (s *wsSubscription) swap(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	return true
}

func (s *wsSubscription) Unsubscribe() error {
	s.mu.Lock()
	var err error
	if !s.closed {
		s.closed = true
		s.cancel()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = s.conn.Close()
		}
	}
	s.mu.Unlock()
	<-s.done
	return err
}
