package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	DefaultMaxMessageSize = 64 << 10
)

func deadline() time.Time {
	return time.Now().Add(writeWait)
}

// Client is a middleman between the websocket connection and a session.
type Client struct {
	gateway *Gateway
	session *Session
	conn    *websocket.Conn
	maxSize int64
	log     *zap.Logger
	// listenOnly drops inbound frames instead of handling them.
	listenOnly bool
}

// Run pumps frames until either side goes away, then runs the session's
// cleanup. It blocks for the life of the connection.
func (c *Client) Run(ctx context.Context) {
	c.gateway.active.Add(1)
	defer c.gateway.active.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.gateway.Close(c.session)

	go c.writePump()
	c.readPump(ctx)
}

// readPump pumps frames from the websocket connection to the gateway.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.session.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read", zap.String("session_id", c.session.ID()), zap.Error(err))
			}
			return
		}
		if !c.listenOnly {
			c.gateway.Handle(ctx, c.session, message)
		}
	}
}

// writePump pumps queued events from the session to the websocket
// connection. One event is one frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.session.Outbound():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.session.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
