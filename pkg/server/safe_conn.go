package server

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// wsConn is the slice of *websocket.Conn that SafeConn needs.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

// SafeConn wraps a websocket connection with automatic write synchronization
// to prevent concurrent writes from corrupting the stream.
//
// Under load, multiple goroutines (the session's own handler and broadcast
// senders) may try to write to the same connection simultaneously, which
// gorilla/websocket forbids. SafeConn encapsulates both the connection and
// its write mutex, making it impossible to write without synchronization.
type SafeConn struct {
	conn wsConn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a websocket connection with write synchronization.
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteFrame sends one text frame with automatic write synchronization.
// This is the ONLY way to write frames to the connection - the raw conn is
// private. A peer that cannot drain within writeWait fails the write.
func (sc *SafeConn) WriteFrame(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads one frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() ([]byte, error) {
	_, data, err := sc.conn.ReadMessage()
	return data, err
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}
