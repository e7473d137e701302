package chat

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrTransportClosed = errors.New("transport closed")

// Transport delivers encoded frames to one client. Implementations serialise
// their own writes and tolerate Close racing with Send.
type Transport interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// FrameConn is a Transport the session can also read from.
type FrameConn interface {
	Transport
	// Receive blocks for the next data frame. It fails once the peer goes away
	// or Close has been called.
	Receive() ([]byte, error)
}

// WSTransport adapts a gorilla websocket connection.
type WSTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func NewWSTransport(conn *websocket.Conn, writeWait time.Duration, maxFrame int64) *WSTransport {
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	if maxFrame > 0 {
		conn.SetReadLimit(maxFrame)
	}
	return &WSTransport{conn: conn, writeWait: writeWait}
}

func (t *WSTransport) Send(data []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code/reason and drops the socket. Safe to call
// more than once and concurrently with Send/Receive.
func (t *WSTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeWait))
		err = t.conn.Close()
	})
	return err
}

func (t *WSTransport) Receive() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *WSTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
