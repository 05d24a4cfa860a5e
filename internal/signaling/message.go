// Package signaling is the WebSocket "air" hub that emulated radios use to
// see each other's advertisements and to exchange SDP/ICE for their links.
package signaling

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeAdvertise   MessageType = "advertise"
	MsgTypeUnadvertise MessageType = "unadvertise"
	MsgTypePeerGone    MessageType = "peer-gone" // sent by the hub when a radio leaves
	MsgTypeOffer       MessageType = "offer"
	MsgTypeAnswer      MessageType = "answer"
	MsgTypeCandidate   MessageType = "candidate"
)

// Message is the JSON structure exchanged over the WebSocket. From is
// stamped by the hub; To is required for offer, answer and candidate.
type Message struct {
	Type      MessageType `json:"type"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Link      string      `json:"link,omitempty"` // one id per radio link
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	Name      string      `json:"name,omitempty"`
	Services  []string    `json:"services,omitempty"`
}

// directed reports whether the hub forwards the message to a single radio.
func (m Message) directed() bool {
	switch m.Type {
	case MsgTypeOffer, MsgTypeAnswer, MsgTypeCandidate:
		return true
	}
	return false
}
