package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

const (
	// DefaultMTU is the largest frame written to the radio in one operation.
	DefaultMTU = 512

	// ChunkHeaderSize is chunkIndex(4) + totalChunks(4).
	ChunkHeaderSize = 8

	// MaxChunks keeps the high byte of every chunk index at zero, which is
	// what lets ParseFrame tell chunks apart from whole frames.
	MaxChunks = 1 << 24
)

// Chunk is one piece of a frame that did not fit in a single MTU.
type Chunk struct {
	Index uint32
	Total uint32
	Data  []byte
}

// Frame is a classified wire string: exactly one of Packet or Chunk is set.
type Frame struct {
	Packet *Packet
	Chunk  *Chunk
}

// IsChunk reports whether the frame is a chunk awaiting reassembly.
func (f Frame) IsChunk() bool { return f.Chunk != nil }

// Split cuts frame into pieces of at most mtu bytes, each prefixed with its
// chunk header. The piece count is ceil(len(frame) / (mtu - ChunkHeaderSize)).
func Split(frame []byte, mtu int) ([][]byte, error) {
	room := mtu - ChunkHeaderSize
	if room <= 0 {
		return nil, fmt.Errorf("protocol: mtu %d leaves no room after chunk header", mtu)
	}

	total := (len(frame) + room - 1) / room
	if total == 0 {
		total = 1
	}
	if total >= MaxChunks {
		return nil, fmt.Errorf("protocol: frame of %d bytes needs %d chunks (max %d)", len(frame), total, MaxChunks-1)
	}

	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * room
		end := min(start+room, len(frame))

		piece := make([]byte, 0, ChunkHeaderSize+end-start)
		piece = binary.BigEndian.AppendUint32(piece, uint32(i))
		piece = binary.BigEndian.AppendUint32(piece, uint32(total))
		piece = append(piece, frame[start:end]...)
		out = append(out, piece)
	}
	return out, nil
}

// ParseFrame decodes one wire string and classifies it. Whole frames start
// with their (non-zero) packet type; chunks start with the high byte of
// their index, which is always zero.
func ParseFrame(wire string) (Frame, error) {
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	if raw[0] != 0 {
		pkt, err := Unmarshal(raw)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Packet: pkt}, nil
	}

	c, err := parseChunk(raw)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Chunk: c}, nil
}

func parseChunk(raw []byte) (*Chunk, error) {
	if len(raw) < ChunkHeaderSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes has no header", ErrMalformed, len(raw))
	}
	c := &Chunk{
		Index: binary.BigEndian.Uint32(raw[0:4]),
		Total: binary.BigEndian.Uint32(raw[4:8]),
	}
	if c.Total == 0 || c.Total >= MaxChunks || c.Index >= c.Total {
		return nil, fmt.Errorf("%w: chunk %d/%d", ErrMalformed, c.Index, c.Total)
	}
	c.Data = make([]byte, len(raw)-ChunkHeaderSize)
	copy(c.Data, raw[ChunkHeaderSize:])
	return c, nil
}

// Reassemble concatenates buffered chunks in index order. It reports false
// until chunk 0 is present and every index below chunk 0's total is present.
func Reassemble(chunks map[uint32]Chunk) ([]byte, bool) {
	first, ok := chunks[0]
	if !ok {
		return nil, false
	}

	size := 0
	for i := uint32(0); i < first.Total; i++ {
		c, ok := chunks[i]
		if !ok {
			return nil, false
		}
		size += len(c.Data)
	}

	buf := make([]byte, 0, size)
	for i := uint32(0); i < first.Total; i++ {
		buf = append(buf, chunks[i].Data...)
	}
	return buf, true
}
