package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-greeter/internal/registry"
)

// ErrConnClosed is returned by writes on a socket that has shut down.
var ErrConnClosed = errors.New("stream connection closed")

type outbound struct {
	kind    int
	payload []byte
}

// conn is one device socket. Writes are queued to writePump, the only
// goroutine that writes data messages to the websocket.
type conn struct {
	ws        *websocket.Conn
	send      chan outbound
	closed    chan struct{}
	closeOnce sync.Once

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	log        *slog.Logger
}

func newConn(ws *websocket.Conn, sendBuffer int, writeWait, pongWait time.Duration, log *slog.Logger) *conn {
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	return &conn{
		ws:         ws,
		send:       make(chan outbound, max(sendBuffer, 1)),
		closed:     make(chan struct{}),
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: (pongWait * 9) / 10,
		log:        log,
	}
}

func (c *conn) WriteFrame(ctx context.Context, frame []byte) error {
	return c.enqueue(ctx, outbound{kind: websocket.BinaryMessage, payload: frame})
}

func (c *conn) WriteControl(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, outbound{kind: websocket.TextMessage, payload: payload})
}

func (c *conn) enqueue(ctx context.Context, msg outbound) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the write pump, which sends a close frame and tears down the
// socket.
func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// readPump consumes inbound messages to keep deadlines and activity fresh.
// It returns when the socket fails or closes.
func (c *conn) readPump(session *registry.Session, maxMessage int64) {
	c.ws.SetReadLimit(maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		session.Touch()
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		kind, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("stream read failed", slogError(err))
			}
			return
		}
		session.Touch()
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		if kind == websocket.TextMessage {
			c.log.Debug("device message", slog.String("payload", string(message)))
		}
	}
}

// writePump drains queued messages and keeps the peer alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(msg.kind, msg.payload); err != nil {
				c.log.Warn("stream write failed", slogError(err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeWait))
			return
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
