package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-broadcast/core/events"
)

type role int

const (
	roleNone role = iota
	roleSpeaker
	roleListener
)

// client is one websocket connection. A connection takes the speaker role
// with session.create or the listener role with session.join and keeps it for
// its lifetime.
type client struct {
	id   string
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once

	// role, sessionID and listenerID are only touched by the read loop.
	role       role
	sessionID  string
	listenerID string
}

// Send writes one text frame. It is safe for concurrent use and satisfies
// broadcast.Connection.
func (c *client) Send(ctx context.Context, data []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *client) reply(event events.Event, requestID string) error {
	data, err := events.Encode(event, requestID)
	if err != nil {
		return err
	}
	return c.Send(context.Background(), data)
}
