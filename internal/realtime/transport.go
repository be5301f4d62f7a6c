package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes sent to clients.
const (
	CloseAuthFailed = 4001
	CloseForbidden  = 4003
)

var (
	errTransportClosed = errors.New("realtime: transport closed")
	errQueueFull       = errors.New("realtime: write queue full")
)

// Transport is one duplex client connection. Send never blocks: when the
// outbound queue is full the transport closes itself.
type Transport interface {
	// Read blocks until the next inbound text frame or an error.
	Read() ([]byte, error)
	// Send queues payload for delivery.
	Send(payload []byte) error
	// Close sends a close frame with code and reason and releases the
	// connection. Later calls are no-ops.
	Close(code int, reason string)
}

// WSOpts tunes a websocket transport. Zero values take defaults.
type WSOpts struct {
	QueueSize  int
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	ReadLimit  int64
}

func (o *WSOpts) applyDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 128
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
}

// WSConn is a Transport over a gorilla websocket. All writes happen on one
// goroutine started by NewWSConn.
type WSConn struct {
	ws   *websocket.Conn
	opts WSOpts

	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewWSConn wraps ws and starts its write loop.
func NewWSConn(ws *websocket.Conn, opts WSOpts) *WSConn {
	opts.applyDefaults()
	c := &WSConn{
		ws:     ws,
		opts:   opts,
		send:   make(chan []byte, opts.QueueSize),
		closed: make(chan struct{}),
	}
	ws.SetReadLimit(opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	go c.writeLoop()
	return c
}

func (c *WSConn) Read() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *WSConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errTransportClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send queue full")
		return errQueueFull
	}
}

func (c *WSConn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(c.opts.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *WSConn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}

func (c *WSConn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
