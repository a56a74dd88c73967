package transport

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is the minimal connection surface the client needs from the
// underlying realtime library. It exists so tests can substitute an
// in-memory connection.
type Conn interface {
	// Read blocks until the next message arrives or the connection fails.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one message.
	Write(ctx context.Context, data []byte) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer establishes a [Conn] to the given URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer is the production [Dialer] backed by coder/websocket.
type WebsocketDialer struct{}

// Dial implements [Dialer].
func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a coder/websocket connection to [Conn]. All application
// messages are JSON text frames.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
