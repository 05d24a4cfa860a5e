package protocol_test

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/meshlink/internal/protocol"
)

// TestEncodeChunkCount verifies the 2000-byte payload case: a 2020-byte frame
// is split into ceil(2020/504) = 5 chunks, each within the MTU.
func TestEncodeChunkCount(t *testing.T) {
	pkt := &protocol.Packet{Type: protocol.TypeMessage, Payload: bytes.Repeat([]byte{0x5A}, 2000)}

	frame, err := protocol.Marshal(pkt)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if len(frame) != 2020 {
		t.Fatalf("expected 2020-byte frame, got %d", len(frame))
	}

	wire, err := protocol.Encode(pkt)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(wire) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(wire))
	}

	for i, w := range wire {
		raw, err := base64.StdEncoding.DecodeString(w)
		if err != nil {
			t.Fatalf("chunk %d is not base64: %v", i, err)
		}
		if len(raw) > protocol.DefaultMTU {
			t.Errorf("chunk %d is %d bytes, exceeds MTU", i, len(raw))
		}
		if idx := binary.BigEndian.Uint32(raw[0:4]); idx != uint32(i) {
			t.Errorf("chunk %d carries index %d", i, idx)
		}
		if total := binary.BigEndian.Uint32(raw[4:8]); total != 5 {
			t.Errorf("chunk %d carries total %d", i, total)
		}
	}
}

// TestReassembleAnyOrder verifies that chunks inserted in any order produce
// the original packet.
func TestReassembleAnyOrder(t *testing.T) {
	pkt := &protocol.Packet{
		Type:      protocol.TypeMessage,
		SenderID:  []byte("node-a"),
		Timestamp: 99,
		TTL:       3,
		Payload:   bytes.Repeat([]byte("0123456789"), 200),
	}

	orders := map[string][]int{
		"in order":    {0, 1, 2, 3, 4},
		"reverse":     {4, 3, 2, 1, 0},
		"interleaved": {2, 0, 4, 1, 3},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			decoded := roundTripChunks(t, pkt, order)
			assertPacketEqual(t, decoded, pkt)
		})
	}
}

// TestReassembleIncomplete verifies that missing chunks never produce a
// frame and never panic.
func TestReassembleIncomplete(t *testing.T) {
	full := map[uint32]protocol.Chunk{
		0: {Index: 0, Total: 3, Data: []byte("aa")},
		1: {Index: 1, Total: 3, Data: []byte("bb")},
		2: {Index: 2, Total: 3, Data: []byte("cc")},
	}

	testCases := []struct {
		name    string
		missing uint32
	}{
		{"missing first", 0},
		{"missing middle", 1},
		{"missing last", 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			partial := make(map[uint32]protocol.Chunk)
			for k, v := range full {
				if k != tc.missing {
					partial[k] = v
				}
			}
			if out, ok := protocol.Reassemble(partial); ok {
				t.Fatalf("expected incomplete, got %q", out)
			}
		})
	}

	if _, ok := protocol.Reassemble(nil); ok {
		t.Fatal("expected incomplete for empty buffer")
	}

	out, ok := protocol.Reassemble(full)
	if !ok {
		t.Fatal("expected complete")
	}
	if string(out) != "aabbcc" {
		t.Fatalf("got %q, want %q", out, "aabbcc")
	}
}

// TestParseFrameClassifies verifies the chunk/whole discriminator.
func TestParseFrameClassifies(t *testing.T) {
	whole, err := protocol.Encode(&protocol.Packet{Type: protocol.TypeAnnounce, Payload: []byte("x")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f, err := protocol.ParseFrame(whole[0])
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if f.IsChunk() || f.Packet == nil || f.Packet.Type != protocol.TypeAnnounce {
		t.Fatalf("expected whole announce packet, got %+v", f)
	}

	chunk := []byte{0, 0, 0, 1, 0, 0, 0, 2, 'h', 'i'}
	f, err = protocol.ParseFrame(encode(chunk))
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if !f.IsChunk() {
		t.Fatal("expected chunk")
	}
	if f.Chunk.Index != 1 || f.Chunk.Total != 2 || string(f.Chunk.Data) != "hi" {
		t.Fatalf("unexpected chunk %+v", f.Chunk)
	}
}

// TestParseFrameRejectsBadChunks verifies header validation on chunks.
func TestParseFrameRejectsBadChunks(t *testing.T) {
	testCases := []struct {
		name string
		raw  []byte
	}{
		{"empty", []byte{}},
		{"short header", []byte{0, 0, 0, 0, 0}},
		{"zero total", []byte{0, 0, 0, 0, 0, 0, 0, 0}},
		{"index equals total", []byte{0, 0, 0, 2, 0, 0, 0, 2}},
		{"total too large", []byte{0, 0, 0, 0, 0x01, 0, 0, 0}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := protocol.ParseFrame(encode(tc.raw))
			if !errors.Is(err, protocol.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

// TestSplitRejectsTinyMTU verifies that an MTU with no room for data fails.
func TestSplitRejectsTinyMTU(t *testing.T) {
	if _, err := protocol.Split([]byte("data"), protocol.ChunkHeaderSize); err == nil {
		t.Fatal("expected error, got nil")
	}
}

// TestPeerRoundTrip verifies the peer-info CBOR encoding.
func TestPeerRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	p := protocol.Peer{
		ID:           []byte{0xDE, 0xAD, 0xBE, 0xEF},
		Nickname:     "alice",
		PublicKey:    bytes.Repeat([]byte{0x42}, 32),
		LastSeen:     now,
		DiscoveredAt: now.Add(-time.Minute),
		Status:       protocol.PeerStale,
	}

	data, err := protocol.EncodePeer(p)
	if err != nil {
		t.Fatalf("EncodePeer failed: %v", err)
	}
	again, err := protocol.EncodePeer(p)
	if err != nil {
		t.Fatalf("EncodePeer failed: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("canonical encoding is not deterministic")
	}

	got, err := protocol.DecodePeer(data)
	if err != nil {
		t.Fatalf("DecodePeer failed: %v", err)
	}
	if !bytes.Equal(got.ID, p.ID) || got.Nickname != p.Nickname || !bytes.Equal(got.PublicKey, p.PublicKey) {
		t.Errorf("identity mismatch: got %+v", got)
	}
	if !got.LastSeen.Equal(p.LastSeen) || !got.DiscoveredAt.Equal(p.DiscoveredAt) {
		t.Errorf("time mismatch: got %v / %v", got.LastSeen, got.DiscoveredAt)
	}
	if got.Status != protocol.PeerStale {
		t.Errorf("Status mismatch: got %s", got.Status)
	}

	if _, err := protocol.DecodePeer([]byte{0xFF}); !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("expected ErrMalformed for garbage, got %v", err)
	}
}
