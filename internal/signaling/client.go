package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// Client is one radio's connection to the hub.
type Client struct {
	address string
	conn    *websocket.Conn
	mu      sync.Mutex // guards writes
}

// Dial attaches address to the hub at hubURL, e.g. ws://host:port/ws. The
// PIN and address are added as query parameters.
func Dial(ctx context.Context, hubURL, pin, address string) (*Client, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("invalid air hub URL: %w", err)
	}
	q := u.Query()
	q.Set("pin", pin)
	q.Set("addr", address)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to air hub: %w", err)
	}
	return &Client{address: address, conn: conn}, nil
}

// Address is the radio address this client attached as.
func (c *Client) Address() string { return c.address }

// Close detaches from the hub.
func (c *Client) Close() error {
	return c.conn.Close()
}
