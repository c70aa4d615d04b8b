package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/obsidianstack/combiner/internal/config"
	"github.com/obsidianstack/combiner/pkg/types"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	dialTimeout    = 10 * time.Second
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("sink: closed")

// Conn is one open connection to a delta consumer.
type Conn interface {
	Send(ctx context.Context, d *types.Delta) error
	Close() error
}

// dialFunc opens a Conn. Abstracted so tests can dial an httptest server.
type dialFunc func(ctx context.Context) (Conn, error)

// Shipper buffers deltas and writes them to a connection it keeps open.
// Send is non-blocking; when the buffer is full the oldest delta is evicted.
// Run must be called in a goroutine to drain the buffer and reconnect.
type Shipper struct {
	buf        chan *types.Delta
	dialFn     dialFunc
	newBackOff func() backoff.BackOff

	stop     chan struct{}
	stopOnce sync.Once
}

// NewShipper returns a Shipper holding at most size deltas while disconnected.
func NewShipper(size int, dial dialFunc) *Shipper {
	if size <= 0 {
		size = config.DefaultBufferSize
	}
	return &Shipper{
		buf:        make(chan *types.Delta, size),
		dialFn:     dial,
		newBackOff: defaultBackOff,
		stop:       make(chan struct{}),
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.MaxInterval = backoffMax
	b.MaxElapsedTime = 0
	return b
}

// Send enqueues d.
func (s *Shipper) Send(_ context.Context, d *types.Delta) error {
	select {
	case <-s.stop:
		return ErrClosed
	default:
	}
	select {
	case s.buf <- d:
	default:
		select {
		case <-s.buf:
			slog.Warn("sink: buffer full, evicted oldest delta", "buffer_cap", cap(s.buf))
		default:
		}
		select {
		case s.buf <- d:
		default:
		}
	}
	return nil
}

// Buffered reports how many deltas are waiting to be written.
func (s *Shipper) Buffered() int {
	return len(s.buf)
}

// Close stops Run. Buffered deltas are dropped.
func (s *Shipper) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// Run drains the buffer, reconnecting with exponential backoff when the
// connection fails. It blocks until ctx is cancelled or Close is called.
func (s *Shipper) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	bo := backoff.WithContext(s.newBackOff(), ctx)
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dialFn(ctx)
		if err != nil {
			if !s.wait(ctx, bo, "dial failed", err) {
				return
			}
			continue
		}

		slog.Info("sink: connected")
		bo.Reset()

		err = s.drain(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if !s.wait(ctx, bo, "connection lost", err) {
			return
		}
	}
}

// wait sleeps for the next backoff interval. It returns false once ctx is done.
func (s *Shipper) wait(ctx context.Context, bo backoff.BackOff, msg string, err error) bool {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	slog.Warn("sink: "+msg+", will retry", "err", err, "retry_in", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// drain writes buffered deltas until a write fails or ctx is cancelled.
func (s *Shipper) drain(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-s.buf:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := conn.Send(sendCtx, d)
			cancel()
			if err == nil {
				slog.Debug("sink: delta delivered", "values", valueCount(d))
				continue
			}
			if isPermanentError(err) {
				slog.Error("sink: permanent send error, discarding delta", "err", err)
				continue
			}
			// Put it back if there is room; the next connection retries it.
			select {
			case s.buf <- d:
			default:
			}
			return fmt.Errorf("send: %w", err)
		}
	}
}

// errPermanent marks deltas that can never be written.
var errPermanent = errors.New("permanent")

func isPermanentError(err error) bool {
	return errors.Is(err, errPermanent)
}

func valueCount(d *types.Delta) int {
	n := 0
	for _, u := range d.Updates {
		n += len(u.Values)
	}
	return n
}

// DialSignalK returns a dial function opening a websocket to a Signal K
// server stream. Deltas written to it are applied by the server as if they
// came from a local provider.
func DialSignalK(cfg config.Sink) dialFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: dialTimeout,
		TLSClientConfig:  cfg.TLS.Config(),
	}
	return func(ctx context.Context) (Conn, error) {
		u, err := streamURL(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		c, resp, err := dialer.DialContext(ctx, u, cfg.Auth.Header())
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("sink: dial %s: %w (status %d)", u, err, resp.StatusCode)
			}
			return nil, fmt.Errorf("sink: dial %s: %w", u, err)
		}
		wc := &wsConn{c: c, done: make(chan struct{})}
		go wc.discard()
		return wc, nil
	}
}

// streamURL maps http(s) to ws(s) and asks the server not to stream anything
// back to us.
func streamURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("sink: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("sink: unsupported endpoint scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("subscribe", "none")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// wsConn writes deltas as JSON text frames.
type wsConn struct {
	c    *websocket.Conn
	done chan struct{}
	err  error
}

// discard reads and drops server messages so control frames are handled and
// a dropped connection is noticed.
func (w *wsConn) discard() {
	defer close(w.done)
	for {
		if _, _, err := w.c.NextReader(); err != nil {
			w.err = err
			return
		}
	}
}

func (w *wsConn) Send(ctx context.Context, d *types.Delta) error {
	select {
	case <-w.done:
		return fmt.Errorf("connection closed: %w", w.err)
	default:
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(sendTimeout)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: encode delta: %v", errPermanent, err)
	}
	w.c.SetWriteDeadline(deadline) //nolint:errcheck
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
	return w.c.Close()
}
