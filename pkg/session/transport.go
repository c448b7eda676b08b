package session

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// MessageKind distinguishes the transport's native text and binary
// framing. Control messages travel as text, audio frames as binary;
// there is no additional envelope.
type MessageKind int

const (
	KindText MessageKind = iota
	KindBinary
)

// Transport is the bidirectional message channel underneath a Session.
// The Session owns its Transport exclusively: no other component ever
// holds a reference to one. Implementations must support one concurrent
// reader plus writers.
type Transport interface {
	// ReadMessage blocks until the next inbound message or a
	// connection-level failure.
	ReadMessage(ctx context.Context) (MessageKind, []byte, error)

	// WriteMessage sends one message with the given framing.
	WriteMessage(ctx context.Context, kind MessageKind, data []byte) error

	// Close tears the connection down. Safe to call more than once.
	Close(reason string) error
}

// Dialer opens a Transport for a descriptor. The Session takes a Dialer
// so tests can substitute an in-memory transport; production code uses
// [DialWebSocket].
type Dialer func(ctx context.Context, desc ConnectionDescriptor) (Transport, error)

// maxInboundMessage bounds single inbound messages. Audio frames are a
// few KB; this leaves generous headroom for large MCP payloads.
const maxInboundMessage = 1 << 20

// DialWebSocket opens a WebSocket transport for desc. Credentials ride
// in the URL query or the subprotocol list — never in headers, matching
// the constraint of browser-grade WebSocket clients.
func DialWebSocket(ctx context.Context, desc ConnectionDescriptor) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, desc.URL, &websocket.DialOptions{
		Subprotocols: desc.Subprotocols,
	})
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", desc.URL, err)
	}
	conn.SetReadLimit(maxInboundMessage)
	return &wsTransport{conn: conn}, nil
}

// wsTransport adapts *websocket.Conn to [Transport].
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage(ctx context.Context) (MessageKind, []byte, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return KindBinary, data, nil
	}
	return KindText, data, nil
}

func (t *wsTransport) WriteMessage(ctx context.Context, kind MessageKind, data []byte) error {
	typ := websocket.MessageText
	if kind == KindBinary {
		typ = websocket.MessageBinary
	}
	return t.conn.Write(ctx, typ, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
