package realtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bt-bridge/concierge/shared"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// adapterPair serves one websocket and returns the server-side Adapter plus
// the raw client connection.
func adapterPair(t *testing.T, opts ...AdapterOption) (*Adapter, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *Adapter, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- NewAdapter(conn, SourceClient, opts...)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case a := <-accepted:
		t.Cleanup(func() { _ = a.Close() })
		return a, client
	case <-time.After(waitTimeout):
		t.Fatal("server never accepted the connection")
		return nil, nil
	}
}

func TestAdapterReceive(t *testing.T) {
	a, client := adapterPair(t)
	ctx := context.Background()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.create"}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, nil))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2, 3}))
	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	tests := []struct {
		seq     uint64
		binary  bool
		payload []byte
	}{
		{1, false, []byte(`{"type":"response.create"}`)},
		{2, false, []byte{}},
		{3, true, []byte{0, 1, 2, 3}},
	}
	for _, tt := range tests {
		f, err := a.Receive(ctx)
		require.NoError(t, err, "an empty payload is a frame, not a disconnect")
		assert.Equal(t, SourceClient, f.Source)
		assert.Equal(t, tt.seq, f.Seq)
		assert.Equal(t, tt.binary, f.Binary)
		assert.Equal(t, string(tt.payload), string(f.Payload))
	}

	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	_, err = a.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF, "end of stream is sticky")

	err = a.Send(ctx, TextFrame([]byte("late")))
	assert.ErrorIs(t, err, shared.ErrConnectionClosed)
}

func TestAdapterAbruptDisconnectIsEndOfStream(t *testing.T) {
	a, client := adapterPair(t)
	require.NoError(t, client.UnderlyingConn().Close())

	_, err := a.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestAdapterIdleTimeout(t *testing.T) {
	a, _ := adapterPair(t, WithIdleTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := a.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAdapterReceiveHonorsContext(t *testing.T) {
	a, client := adapterPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// An abandoned Receive does not lose the next frame.
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("after")))
	f, err := a.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "after", string(f.Payload))
	assert.Equal(t, uint64(1), f.Seq)
}

func TestAdapterSend(t *testing.T) {
	a, client := adapterPair(t)
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, TextFrame([]byte(`{"type":"response.output_text.delta"}`))))
	require.NoError(t, a.Send(ctx, Frame{Binary: true, Payload: []byte{9, 9}}))

	typ, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.Equal(t, `{"type":"response.output_text.delta"}`, string(data))

	typ, data, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, []byte{9, 9}, data)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(ctx, TextFrame([]byte("x"))), shared.ErrConnectionClosed)

	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}
