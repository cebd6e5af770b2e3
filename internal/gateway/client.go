package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10
)

// ServeConn runs one websocket connection to completion: registers it with
// the hub, pumps intents in and events out, and reports the disconnect edge
// when the user's last connection drops. Blocks until the connection dies.
func (g *Gateway) ServeConn(ctx context.Context, conn *websocket.Conn, userID, role string) {
	client, first := g.hub.Register(userID)
	if first {
		g.HandleReconnect(userID)
	}
	defer func() {
		if last := g.hub.Unregister(client); last {
			g.HandleDisconnect(userID)
		}
		_ = conn.Close()
	}()

	go g.writePump(conn, client)
	g.readPump(ctx, conn, client, userID, role)
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, client *Client, userID, role string) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-client.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Debug("websocket read failed", "user_id", userID, "err", err)
			}
			return
		}

		var in Intent
		if err := json.Unmarshal(raw, &in); err != nil {
			g.log.Debug("unreadable intent", "user_id", userID, "err", err)
			continue
		}
		g.Dispatch(ctx, userID, role, in)
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-client.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case ev := <-client.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
