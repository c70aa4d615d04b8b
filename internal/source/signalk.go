package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/obsidianstack/combiner/internal/config"
	"github.com/obsidianstack/combiner/pkg/types"
)

const (
	writeTimeout      = 5 * time.Second
	reconnectInitial  = 1 * time.Second
	reconnectMax      = 60 * time.Second
	maxMessageSize    = 1 << 20
	unsubscribeAllMsg = `{"context":"*","unsubscribe":[{"path":"*"}]}`
)

// SignalK subscribes to paths on a Signal K server's websocket stream.
type SignalK struct {
	src        config.Source
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff // injectable for tests
}

// NewSignalK returns a Subscriber for the Signal K stream at src.Endpoint.
func NewSignalK(src config.Source) *SignalK {
	return &SignalK{
		src: src,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultDialTimeout,
			TLSClientConfig:  src.TLS.Config(),
		},
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitial
	b.MaxInterval = reconnectMax
	b.MaxElapsedTime = 0 // retry until the subscription is closed
	return b
}

// subscribeMessage is the client->server subscription request.
type subscribeMessage struct {
	Context   string          `json:"context"`
	Subscribe []subscribePath `json:"subscribe"`
	RequestID string          `json:"requestId,omitempty"`
}

type subscribePath struct {
	Path   string `json:"path"`
	Period int64  `json:"period,omitempty"`
}

// serverMessage covers every server->client message shape on the stream:
// the hello sent on connect, request responses and deltas.
type serverMessage struct {
	types.Delta
	Name       string `json:"name,omitempty"`
	Version    string `json:"version,omitempty"`
	Self       string `json:"self,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	State      string `json:"state,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// Subscribe sends the subscription and starts delivering deltas. An invalid
// endpoint is returned as an error; connection failures, including the first
// one, are reported through h.OnError and retried with exponential backoff.
func (s *SignalK) Subscribe(ctx context.Context, req Request, h Handler) (Subscription, error) {
	if _, err := streamURL(s.src.Endpoint); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &skSubscription{
		s:      s,
		req:    req,
		h:      h,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	conn, err := s.connect(runCtx, req)
	if err != nil {
		slog.Warn("source: initial connect failed, will retry", "err", err)
		h.err(err)
	}
	sub.conn = conn
	go sub.run(runCtx, conn)
	return sub, nil
}

// connect dials the stream with subscribe=none and sends req.
func (s *SignalK) connect(ctx context.Context, req Request) (*websocket.Conn, error) {
	u, err := streamURL(s.src.Endpoint)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(dialCtx, u, s.src.Auth.Header())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("source: dial %s: %w (status %d)", u, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("source: dial %s: %w", u, err)
	}
	conn.SetReadLimit(maxMessageSize)

	msg := subscribeMessage{
		Context:   req.Context,
		Subscribe: make([]subscribePath, 0, len(req.Paths)),
		RequestID: uuid.NewString(),
	}
	for _, p := range req.Paths {
		msg.Subscribe = append(msg.Subscribe, subscribePath{Path: p.Path, Period: p.Period.Milliseconds()})
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("source: send subscribe: %w", err)
	}

	slog.Info("source: subscribed",
		"endpoint", u, "context", req.Context, "paths", len(req.Paths), "request_id", msg.RequestID)
	return conn, nil
}

// streamURL adds subscribe=none so the server sends nothing we did not ask for.
func streamURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("source: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("source: unsupported endpoint scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("subscribe", "none")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// skSubscription owns one live stream connection at a time.
type skSubscription struct {
	s   *SignalK
	req Request
	h   Handler

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

// run reads from conn until it fails, then reconnects until ctx ends. A nil
// conn starts with a reconnect.
func (sub *skSubscription) run(ctx context.Context, conn *websocket.Conn) {
	defer close(sub.done)

	for {
		if conn != nil {
			err := sub.read(conn)
			if ctx.Err() != nil {
				return
			}
			sub.h.err(fmt.Errorf("source: stream lost: %w", err))
		}

		conn = sub.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

// read dispatches messages from conn until a read fails.
func (sub *skSubscription) read(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		sub.dispatch(data)
	}
}

func (sub *skSubscription) dispatch(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		sub.h.err(fmt.Errorf("source: decode message: %w", err))
		return
	}

	switch {
	case msg.Self != "" && msg.Updates == nil:
		slog.Info("source: connected to server",
			"name", msg.Name, "version", msg.Version, "self", msg.Self)
	case msg.RequestID != "" && msg.Updates == nil:
		slog.Debug("source: request response",
			"request_id", msg.RequestID, "state", msg.State, "status", msg.StatusCode)
	default:
		d := msg.Delta
		sub.h.delta(&d)
	}
}

// reconnect retries connect with backoff. It returns nil once ctx is done.
func (sub *skSubscription) reconnect(ctx context.Context) *websocket.Conn {
	var conn *websocket.Conn
	op := func() error {
		c, err := sub.s.connect(ctx, sub.req)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("source: reconnect failed, will retry", "err", err, "retry_in", wait)
		sub.h.err(err)
	}

	b := backoff.WithContext(sub.s.newBackOff(), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil || conn == nil {
		return nil
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if ctx.Err() != nil {
		conn.Close()
		return nil
	}
	sub.conn = conn
	slog.Info("source: reconnected", "endpoint", sub.s.src.Endpoint)
	return conn
}

// Close unsubscribes best-effort, closes the connection and waits for the
// reader goroutine to exit. It must not be called from a Handler callback.
func (sub *skSubscription) Close() error {
	sub.once.Do(func() {
		sub.cancel()

		sub.mu.Lock()
		if c := sub.conn; c != nil {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.SetWriteDeadline(time.Now().Add(writeTimeout))                 //nolint:errcheck
			c.WriteMessage(websocket.TextMessage, []byte(unsubscribeAllMsg)) //nolint:errcheck
			c.WriteMessage(websocket.CloseMessage, closeMsg)                 //nolint:errcheck
			c.Close()
		}
		sub.mu.Unlock()

		<-sub.done
		slog.Info("source: unsubscribed", "endpoint", sub.s.src.Endpoint)
	})
	return nil
}
