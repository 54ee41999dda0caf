package conn

import (
	"context"
	"fmt"

	"golang.org/x/net/websocket"
)

// WebSocketDialer opens the push channel over a WebSocket.
type WebSocketDialer struct {
	Origin string
	Token  string
}

func (d WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	cfg, err := websocket.NewConfig(endpoint, d.Origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	if d.Token != "" {
		cfg.Header.Set("Authorization", d.Token)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Receive() ([]byte, error) {
	var raw []byte
	if err := websocket.Message.Receive(c.ws, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
