package client

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/sharedtimer/relay-backend/internal/protocol"
)

const sendTimeout = 3 * time.Second

type wsConn struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (c *wsConn) Send(msg protocol.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Dial connects the agent to a relay. baseURL is the relay's ws endpoint
// root, e.g. "ws://localhost:3001". The read loop feeds the agent until the
// connection drops, then reports the disconnect; reconnecting is the
// caller's policy.
func Dial(ctx context.Context, a *Agent, baseURL, lobbyID, deviceID string) error {
	q := url.Values{}
	q.Set("lobby", lobbyID)
	if deviceID != "" {
		q.Set("clientId", deviceID)
	}
	conn, _, err := websocket.Dial(ctx, baseURL+"/ws?"+q.Encode(), nil)
	if err != nil {
		return err
	}

	a.HandleConnect(&wsConn{ctx: ctx, conn: conn})
	go func() {
		defer a.HandleDisconnect()
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			a.HandleMessage(msg)
		}
	}()
	return nil
}
