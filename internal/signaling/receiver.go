package signaling

import "fmt"

// Watch reads hub messages and passes each to fn until the socket closes.
// fn runs on the reading goroutine.
func (c *Client) Watch(fn func(Message)) error {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("air hub read failed: %w", err)
		}
		fn(msg)
	}
}
