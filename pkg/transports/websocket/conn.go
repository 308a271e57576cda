package websocket

import (
	"context"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// Conn adapts a gorilla websocket connection to transports.Conn.
type Conn struct {
	ws        *gorillaws.Conn
	closeOnce sync.Once
	closeErr  error
}

func NewConn(ws *gorillaws.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes msg as one text message, honoring the ctx deadline.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(gorillaws.TextMessage, msg)
}

// Close sends a close frame and closes the socket. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		msg := gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "")
		_ = c.ws.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }
