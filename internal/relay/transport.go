package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/coder/websocket"
)

var ErrTransportClosed = errors.New("transport closed")

// Frame is one client message. Binary reports the frame type so text-only
// handlers can reject binary payloads explicitly.
type Frame struct {
	Binary bool
	Data   []byte
}

// Transport is a message-oriented client connection. Reads and writes report
// ErrTransportClosed once the peer is gone.
type Transport interface {
	Read(ctx context.Context) (Frame, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// FrameWriter is implemented by transports that can write binary frames.
type FrameWriter interface {
	WriteFrame(ctx context.Context, f Frame) error
}

type WebSocketTransport struct {
	conn *websocket.Conn
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) Read(ctx context.Context) (Frame, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return Frame{}, mapClosed(err)
	}
	return Frame{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

func (t *WebSocketTransport) Write(ctx context.Context, data []byte) error {
	return t.WriteFrame(ctx, Frame{Data: data})
}

func (t *WebSocketTransport) WriteFrame(ctx context.Context, f Frame) error {
	typ := websocket.MessageText
	if f.Binary {
		typ = websocket.MessageBinary
	}
	if err := t.conn.Write(ctx, typ, f.Data); err != nil {
		return mapClosed(err)
	}
	return nil
}

func (t *WebSocketTransport) Close(reason string) error {
	err := t.conn.Close(websocket.StatusNormalClosure, reason)
	if err != nil && errors.Is(mapClosed(err), ErrTransportClosed) {
		return nil
	}
	return err
}

func mapClosed(err error) error {
	if websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return err
}
