package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Op is a GATT operation carried over a link.
type Op uint8

const (
	OpWrite Op = iota + 1
	OpSubscribe
	OpUnsubscribe
	OpNotify
	OpRead
	OpReadResponse
	OpDiscover
	OpDiscoverResponse
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	case OpNotify:
		return "notify"
	case OpRead:
		return "read"
	case OpReadResponse:
		return "read-response"
	case OpDiscover:
		return "discover"
	case OpDiscoverResponse:
		return "discover-response"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Frame is one DataChannel message. Requests that expect a response carry a
// non-zero ID which the response echoes.
type Frame struct {
	Op       Op       `cbor:"1,keyasint"`
	ID       uint32   `cbor:"2,keyasint,omitempty"`
	Service  string   `cbor:"3,keyasint,omitempty"`
	Char     string   `cbor:"4,keyasint,omitempty"`
	Value    string   `cbor:"5,keyasint,omitempty"`
	Err      string   `cbor:"6,keyasint,omitempty"`
	Services []string `cbor:"7,keyasint,omitempty"`
}

var (
	frameEnc cbor.EncMode
	frameDec cbor.DecMode
)

func init() {
	var err error
	if frameEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("transport: cbor enc mode: %v", err))
	}
	frameDec, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("transport: cbor dec mode: %v", err))
	}
}

// EncodeFrame serializes f.
func EncodeFrame(f *Frame) ([]byte, error) {
	return frameEnc.Marshal(f)
}

// DecodeFrame parses a DataChannel message.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := frameDec.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Op < OpWrite || f.Op > OpDiscoverResponse {
		return nil, fmt.Errorf("decode frame: unknown %s", f.Op)
	}
	return &f, nil
}
