// Package protocol defines the mesh packet format, its binary wire frame and
// the chunking used to carry frames larger than the radio MTU.
package protocol

import "fmt"

// Type identifies the kind of packet. Zero is never a valid type: a frame
// whose first byte is zero is a chunk (see ParseFrame).
type Type uint8

// Packet type constants.
const (
	TypeAnnounce          Type = 0x01 // peer announcement (nickname)
	TypeMessage           Type = 0x02 // application payload
	TypeLeave             Type = 0x03 // peer is going away
	TypeHandshakeInit     Type = 0x10 // Noise message 1
	TypeHandshakeResponse Type = 0x11 // Noise message 2
	TypeHandshakeFinal    Type = 0x12 // Noise message 3
)

// DefaultTTL is the hop budget stamped on locally originated packets.
const DefaultTTL uint8 = 7

// Valid reports whether t is a known packet type.
func (t Type) Valid() bool {
	switch t {
	case TypeAnnounce, TypeMessage, TypeLeave,
		TypeHandshakeInit, TypeHandshakeResponse, TypeHandshakeFinal:
		return true
	}
	return false
}

// IsHandshake reports whether t carries Noise handshake bytes.
func (t Type) IsHandshake() bool {
	return t == TypeHandshakeInit || t == TypeHandshakeResponse || t == TypeHandshakeFinal
}

func (t Type) String() string {
	switch t {
	case TypeAnnounce:
		return "announce"
	case TypeMessage:
		return "message"
	case TypeLeave:
		return "leave"
	case TypeHandshakeInit:
		return "handshake-init"
	case TypeHandshakeResponse:
		return "handshake-response"
	case TypeHandshakeFinal:
		return "handshake-final"
	}
	return fmt.Sprintf("type(0x%02x)", uint8(t))
}

// Packet is an application-level message unit. Packets are treated as
// immutable values once built or decoded.
type Packet struct {
	Type        Type
	SenderID    []byte
	RecipientID []byte // empty means broadcast
	Timestamp   uint64 // milliseconds since epoch
	TTL         uint8
	Signature   []byte // optional
	Payload     []byte
}

// Broadcast reports whether the packet has no explicit recipient.
func (p *Packet) Broadcast() bool {
	return len(p.RecipientID) == 0
}
