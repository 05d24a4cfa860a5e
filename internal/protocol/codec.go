package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Frame field sizes.
const (
	typeSize      = 1
	shortLenSize  = 2 // sender, recipient, signature length prefixes
	timestampSize = 8
	ttlSize       = 1
	payloadLen    = 4

	// MinFrameSize is a frame with every variable field empty.
	MinFrameSize = typeSize + shortLenSize + shortLenSize + timestampSize + ttlSize + shortLenSize + payloadLen
)

// ErrMalformed is returned for any frame that cannot be parsed.
var ErrMalformed = errors.New("protocol: malformed frame")

// Marshal serializes pkt into the binary wire frame:
//
//	type(1) senderLen(2) sender recipientLen(2) recipient
//	timestamp(8) ttl(1) signatureLen(2) signature payloadLen(4) payload
//
// All integers are big-endian.
func Marshal(pkt *Packet) ([]byte, error) {
	if !pkt.Type.Valid() {
		return nil, fmt.Errorf("protocol: cannot encode %s", pkt.Type)
	}
	for name, field := range map[string][]byte{
		"sender":    pkt.SenderID,
		"recipient": pkt.RecipientID,
		"signature": pkt.Signature,
	} {
		if len(field) > math.MaxUint16 {
			return nil, fmt.Errorf("protocol: %s too long: %d bytes", name, len(field))
		}
	}
	if uint64(len(pkt.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("protocol: payload too long: %d bytes", len(pkt.Payload))
	}

	size := MinFrameSize + len(pkt.SenderID) + len(pkt.RecipientID) + len(pkt.Signature) + len(pkt.Payload)
	buf := make([]byte, 0, size)

	buf = append(buf, byte(pkt.Type))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(pkt.SenderID)))
	buf = append(buf, pkt.SenderID...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(pkt.RecipientID)))
	buf = append(buf, pkt.RecipientID...)
	buf = binary.BigEndian.AppendUint64(buf, pkt.Timestamp)
	buf = append(buf, pkt.TTL)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(pkt.Signature)))
	buf = append(buf, pkt.Signature...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(pkt.Payload)))
	buf = append(buf, pkt.Payload...)
	return buf, nil
}

// Unmarshal parses a binary wire frame. Every variable-length field is copied
// so the returned packet never aliases data.
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformed, len(data), MinFrameSize)
	}

	r := reader{buf: data}
	pkt := &Packet{Type: Type(r.byte())}
	if !pkt.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown %s", ErrMalformed, pkt.Type)
	}
	pkt.SenderID = r.bytes(int(r.uint16()))
	pkt.RecipientID = r.bytes(int(r.uint16()))
	pkt.Timestamp = r.uint64()
	pkt.TTL = r.byte()
	pkt.Signature = r.bytes(int(r.uint16()))
	pkt.Payload = r.bytes(int(r.uint32()))

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-r.off)
	}
	return pkt, nil
}

// Encode serializes pkt into one or more text-safe wire chunks for an MTU of
// DefaultMTU. See EncodeMTU.
func Encode(pkt *Packet) ([]string, error) {
	return EncodeMTU(pkt, DefaultMTU)
}

// EncodeMTU serializes pkt and returns the base64 wire chunks to write, in
// order. A frame that fits in mtu bytes is returned as a single chunk;
// otherwise it is split with a chunk header on every piece.
func EncodeMTU(pkt *Packet, mtu int) ([]string, error) {
	frame, err := Marshal(pkt)
	if err != nil {
		return nil, err
	}
	if len(frame) <= mtu {
		return []string{base64.StdEncoding.EncodeToString(frame)}, nil
	}

	chunks, err := Split(frame, mtu)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = base64.StdEncoding.EncodeToString(c)
	}
	return out, nil
}

// Decode parses a single-chunk wire string back into a packet.
func Decode(wire string) (*Packet, error) {
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Unmarshal(raw)
}

// ---------------------------------------------------------------------------
// reader is a bounds-checked cursor; the first overrun sticks in err.
// ---------------------------------------------------------------------------

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: field of %d bytes overruns frame at offset %d", ErrMalformed, n, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// bytes copies the next n bytes; zero-length fields decode as nil.
func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
