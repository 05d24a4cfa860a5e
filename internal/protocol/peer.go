package protocol

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// PeerStatus tracks whether a peer has been heard from recently.
type PeerStatus uint8

const (
	PeerActive PeerStatus = iota
	PeerStale
)

func (s PeerStatus) String() string {
	if s == PeerStale {
		return "stale"
	}
	return "active"
}

// Peer describes a mesh participant. It is what the peer-info characteristic
// serves and what the node keeps in its peer table.
type Peer struct {
	ID           []byte     `cbor:"1,keyasint"`
	Nickname     string     `cbor:"2,keyasint,omitempty"`
	PublicKey    []byte     `cbor:"3,keyasint,omitempty"`
	LastSeen     time.Time  `cbor:"4,keyasint"`
	DiscoveredAt time.Time  `cbor:"5,keyasint"`
	Status       PeerStatus `cbor:"6,keyasint"`
}

var (
	peerEnc cbor.EncMode
	peerDec cbor.DecMode
)

func init() {
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano

	var err error
	if peerEnc, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("protocol: cbor enc mode: %v", err))
	}
	peerDec, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxMapPairs:     16,
		MaxNestedLevels: 4,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor dec mode: %v", err))
	}
}

// EncodePeer serializes p with canonical CBOR.
func EncodePeer(p Peer) ([]byte, error) {
	data, err := peerEnc.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode peer: %w", err)
	}
	return data, nil
}

// DecodePeer parses a peer-info value.
func DecodePeer(data []byte) (Peer, error) {
	var p Peer
	if err := peerDec.Unmarshal(data, &p); err != nil {
		return Peer{}, fmt.Errorf("%w: peer info: %v", ErrMalformed, err)
	}
	if len(p.ID) == 0 {
		return Peer{}, fmt.Errorf("%w: peer info without id", ErrMalformed)
	}
	return p, nil
}
