package realtime

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/concierge/shared"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// fakeConn is an in-memory Conn. Frames pushed with deliver are returned by
// Receive; frames passed to Send are collected in sent.
type fakeConn struct {
	source Source
	in     chan Frame
	sent   chan Frame

	mu      sync.Mutex
	seq     uint64
	sendErr error

	remoteOnce sync.Once
	remoteGone chan struct{}
	closeOnce  sync.Once
	closed     chan struct{}
}

var _ Conn = (*fakeConn)(nil)

func newFakeConn(source Source) *fakeConn {
	return &fakeConn{
		source:     source,
		in:         make(chan Frame),
		sent:       make(chan Frame, 256),
		remoteGone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

func (c *fakeConn) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.remoteGone:
		return Frame{}, io.EOF
	case <-c.closed:
		return Frame{}, io.EOF
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *fakeConn) Send(_ context.Context, f Frame) error {
	select {
	case <-c.closed:
		return shared.ErrConnectionClosed
	case <-c.remoteGone:
		return shared.ErrConnectionClosed
	default:
	}
	c.mu.Lock()
	err := c.sendErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.sent <- f
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// deliver hands one frame to the session and blocks until it is read.
func (c *fakeConn) deliver(t *testing.T, payload string, binary bool) {
	t.Helper()
	c.mu.Lock()
	c.seq++
	f := Frame{Source: c.source, Seq: c.seq, Binary: binary, Payload: []byte(payload)}
	c.mu.Unlock()
	select {
	case c.in <- f:
	case <-time.After(waitTimeout):
		t.Fatalf("%s frame %d was not picked up", c.source, f.Seq)
	}
}

// disconnect simulates the remote side going away.
func (c *fakeConn) disconnect() {
	c.remoteOnce.Do(func() { close(c.remoteGone) })
}

func (c *fakeConn) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-c.sent:
		return f
	case <-time.After(waitTimeout):
		t.Fatalf("nothing was sent to the %s side", c.source)
		return Frame{}
	}
}

func (c *fakeConn) assertNothingSent(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case f := <-c.sent:
		t.Fatalf("unexpected frame sent to %s: %s", c.source, f.Payload)
	case <-time.After(wait):
	}
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 5*time.Millisecond, msg)
}
