package signaling

// Send writes a signaling message to the hub, guarded by a mutex.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Advertise publishes the radio's advertisement to every other radio.
func (c *Client) Advertise(name string, services []string) error {
	return c.Send(Message{Type: MsgTypeAdvertise, Name: name, Services: services})
}

// Unadvertise withdraws the advertisement.
func (c *Client) Unadvertise() error {
	return c.Send(Message{Type: MsgTypeUnadvertise})
}

// SendOffer sends an SDP offer for link to the radio at to.
func (c *Client) SendOffer(to, link, sdp string) error {
	return c.Send(Message{Type: MsgTypeOffer, To: to, Link: link, SDP: sdp})
}

// SendAnswer sends an SDP answer for link to the radio at to.
func (c *Client) SendAnswer(to, link, sdp string) error {
	return c.Send(Message{Type: MsgTypeAnswer, To: to, Link: link, SDP: sdp})
}

// SendCandidate sends an ICE candidate for link to the radio at to.
func (c *Client) SendCandidate(to, link, candidate string) error {
	return c.Send(Message{Type: MsgTypeCandidate, To: to, Link: link, Candidate: candidate})
}
