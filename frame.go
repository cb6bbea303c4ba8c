package realtime

import (
	"context"
	"fmt"
)

// Source tells which side of a session a frame came from.
type Source string

const (
	SourceClient Source = "client"
	SourceModel  Source = "model"
)

// Frame is one discrete unit flowing through a session in one direction.
type Frame struct {
	Source Source
	// Seq increases monotonically per source, starting at 1.
	Seq uint64
	// Binary marks audio chunks; everything else is text.
	Binary  bool
	Payload []byte
}

func (f Frame) String() string {
	kind := "text"
	if f.Binary {
		kind = "binary"
	}
	return fmt.Sprintf("%s#%d(%s, %d bytes)", f.Source, f.Seq, kind, len(f.Payload))
}

// TextFrame builds an outbound text frame.
func TextFrame(payload []byte) Frame {
	return Frame{Payload: payload}
}

// Conn is a duplex frame stream. Both the client connection and the model peer
// are exposed to a Session through it.
//
// Receive returns io.EOF once the remote side has disconnected; an empty payload
// is a regular frame. Send after a disconnect fails with shared.ErrConnectionClosed.
type Conn interface {
	Receive(ctx context.Context) (Frame, error)
	Send(ctx context.Context, f Frame) error
	Close() error
}
