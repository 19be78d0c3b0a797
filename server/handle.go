package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	closeGracePeriod = time.Second
)

// wsConn adapts a gorilla connection to the Handle contract plus the frame
// source the connection handler reads from. Writes are serialized by a mutex
// with a write deadline so a slow peer cannot stall a delivery fan-out; a
// ping ticker keeps the read deadline honest.
type wsConn struct {
	conn        *websocket.Conn
	sendTimeout time.Duration
	readTimeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn, sendTimeout, readTimeout time.Duration) *wsConn {
	c := &wsConn{
		conn:        conn,
		sendTimeout: sendTimeout,
		readTimeout: readTimeout,
		done:        make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go c.pingLoop()
	return c
}

// pingLoop keeps the read deadline honest: pings go out well inside the
// read timeout so a responsive peer's pongs always arrive before it fires.
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.readTimeout * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.sendTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// ReadFrame blocks until the next inbound frame, a transport error, or Close.
func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close sends a close frame with the given code and tears the connection
// down. Safe to call more than once and from any goroutine; the pending
// ReadFrame is unblocked.
func (c *wsConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(closeGracePeriod)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
}
