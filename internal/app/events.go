package app

import (
	"github.com/1ureka/meshlink/internal/adapter"
	"github.com/1ureka/meshlink/internal/protocol"
)

// EventKind identifies what happened.
type EventKind uint8

const (
	EventPeerConnected EventKind = iota + 1
	EventPeerDisconnected
	EventHandshakeComplete
	EventPeerAnnounced
	EventPeerLeft
	EventPeerStale
	EventMessage
	EventDecryptFailure
)

func (k EventKind) String() string {
	switch k {
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventHandshakeComplete:
		return "handshake-complete"
	case EventPeerAnnounced:
		return "peer-announced"
	case EventPeerLeft:
		return "peer-left"
	case EventPeerStale:
		return "peer-stale"
	case EventMessage:
		return "message"
	case EventDecryptFailure:
		return "decrypt-failure"
	}
	return "unknown"
}

// Event is delivered to the host application on Node.Events().
type Event struct {
	Kind    EventKind
	Address string
	Path    adapter.Path
	Peer    protocol.Peer

	Fingerprint string // EventHandshakeComplete
	Payload     []byte // EventMessage
	Err         error  // EventDecryptFailure
}

const eventBufferSize = 256
