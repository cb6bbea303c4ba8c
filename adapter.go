package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/concierge/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
)

// Adapter exposes one websocket connection as a Conn.
//
// A single goroutine owns reads. It starts on the first Receive and stops when
// the connection goes away, so a Receive abandoned through its context never
// leaves a second reader behind.
type Adapter struct {
	conn   *websocket.Conn
	source Source
	logger shared.LoggerAdapter

	idleTimeout  time.Duration
	writeTimeout time.Duration

	readOnce sync.Once
	frames   chan Frame
	readErr  error
	seq      uint64

	writeMu      sync.Mutex
	disconnected atomic.Bool
	closeOnce    sync.Once
	closed       chan struct{}
}

var _ Conn = (*Adapter)(nil)

type AdapterOption func(*Adapter)

// WithIdleTimeout ends the stream when nothing arrives for d.
func WithIdleTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.idleTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.writeTimeout = d
		}
	}
}

func WithReadLimit(n int64) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.conn.SetReadLimit(n)
		}
	}
}

func WithAdapterLogger(logger shared.LoggerAdapter) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdapter wraps conn. Frames read from it are attributed to source.
func NewAdapter(conn *websocket.Conn, source Source, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		conn:         conn,
		source:       source,
		logger:       shared.NewNopLogger(),
		writeTimeout: DefaultWriteTimeout,
		frames:       make(chan Frame),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Receive blocks until the next frame, a disconnect (io.EOF) or ctx is done.
func (a *Adapter) Receive(ctx context.Context) (Frame, error) {
	a.readOnce.Do(func() { go a.readLoop() })
	select {
	case f, ok := <-a.frames:
		if !ok {
			return Frame{}, a.readErr
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (a *Adapter) readLoop() {
	defer close(a.frames)
	for {
		if a.idleTimeout > 0 {
			_ = a.conn.SetReadDeadline(time.Now().Add(a.idleTimeout))
		}
		msgType, data, err := a.conn.ReadMessage()
		if err != nil {
			a.disconnected.Store(true)
			if isDisconnect(err) {
				a.logger.Debug("websocket peer went away", zap.String("source", string(a.source)), zap.Error(err))
				a.readErr = io.EOF
			} else {
				a.readErr = fmt.Errorf("reading %s frame: %w", a.source, err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		a.seq++
		f := Frame{
			Source:  a.source,
			Seq:     a.seq,
			Binary:  msgType == websocket.BinaryMessage,
			Payload: data,
		}
		select {
		case a.frames <- f:
		case <-a.closed:
			a.readErr = io.EOF
			return
		}
	}
}

// Send writes one frame. It fails with shared.ErrConnectionClosed once the
// remote side is gone or the adapter was closed.
func (a *Adapter) Send(ctx context.Context, f Frame) error {
	if a.disconnected.Load() {
		return shared.ErrConnectionClosed
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	deadline := time.Now().Add(a.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := a.conn.SetWriteDeadline(deadline); err != nil {
		a.disconnected.Store(true)
		return fmt.Errorf("%w: %v", shared.ErrConnectionClosed, err)
	}
	msgType := websocket.TextMessage
	if f.Binary {
		msgType = websocket.BinaryMessage
	}
	if err := a.conn.WriteMessage(msgType, f.Payload); err != nil {
		a.disconnected.Store(true)
		return fmt.Errorf("%w: %v", shared.ErrConnectionClosed, err)
	}
	return nil
}

// Close sends a normal close frame and releases the connection. Safe to call
// more than once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		wasDisconnected := a.disconnected.Swap(true)
		if !wasDisconnected {
			a.writeMu.Lock()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
			a.writeMu.Unlock()
		}
		err = a.conn.Close()
	})
	return err
}

func isDisconnect(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
