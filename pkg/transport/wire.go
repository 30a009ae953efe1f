package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// PingPeriod is how often writers should ping. Must be less than pongWait.
	PingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP blobs fit comfortably.
	maxMessageSize = 64 * 1024
)

// ErrClosed is returned by a Wire after Close.
var ErrClosed = errors.New("wire closed")

// Wire is one framed, bidirectional connection. Reads happen from a single
// goroutine and writes from a single goroutine; Close may be called from anywhere.
type Wire interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Pinger is implemented by wires that need keepalive frames.
type Pinger interface {
	Ping() error
}

type wsWire struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// NewWebSocketWire adapts a gorilla connection. It installs the read limit and
// the pong handler that extends the read deadline.
func NewWebSocketWire(conn *websocket.Conn) Wire {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &wsWire{conn: conn}
}

func (w *wsWire) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsWire) WriteMessage(data []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsWire) Ping() error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsWire) Close() error {
	var err error
	w.closeOnce.Do(func() {
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = w.conn.Close()
	})
	return err
}

// IsNormalClose reports whether err is an orderly websocket shutdown.
func IsNormalClose(err error) bool {
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure)
}

// Dialer opens a fresh Wire. Clients call it on connect and on every reconnect.
type Dialer func(ctx context.Context) (Wire, error)

// WebSocketDialer dials url with the given headers (e.g. Authorization).
func WebSocketDialer(url string, header http.Header) Dialer {
	return func(ctx context.Context) (Wire, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		return NewWebSocketWire(conn), nil
	}
}
