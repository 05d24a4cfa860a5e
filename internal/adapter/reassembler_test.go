package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/1ureka/meshlink/internal/protocol"
)

func TestReassemblerPerLink(t *testing.T) {
	r := NewReassembler(time.Second)

	// Same address, different paths: independent streams.
	_, ok := r.Feed("AA", PathWrite, &protocol.Chunk{Index: 1, Total: 2, Data: []byte("lo")})
	assert.False(t, ok)
	_, ok = r.Feed("AA", PathNotify, &protocol.Chunk{Index: 0, Total: 2, Data: []byte("xx")})
	assert.False(t, ok)
	assert.Equal(t, 2, r.Pending())

	frame, ok := r.Feed("AA", PathWrite, &protocol.Chunk{Index: 0, Total: 2, Data: []byte("hel")})
	assert.True(t, ok)
	assert.Equal(t, "hello", string(frame))
	assert.Equal(t, 1, r.Pending())

	r.Forget("AA", PathNotify)
	assert.Equal(t, 0, r.Pending())
}

func TestReassemblerExpires(t *testing.T) {
	r := NewReassembler(30 * time.Millisecond)

	_, ok := r.Feed("AA", PathWrite, &protocol.Chunk{Index: 0, Total: 2, Data: []byte("a")})
	assert.False(t, ok)

	time.Sleep(80 * time.Millisecond)

	_, ok = r.Feed("AA", PathWrite, &protocol.Chunk{Index: 1, Total: 2, Data: []byte("b")})
	assert.False(t, ok, "stale chunk 0 must not complete a new stream")
}

func TestReassemblerRestartsOnNewTotal(t *testing.T) {
	r := NewReassembler(time.Second)

	_, ok := r.Feed("AA", PathWrite, &protocol.Chunk{Index: 0, Total: 3, Data: []byte("old")})
	assert.False(t, ok)

	_, ok = r.Feed("AA", PathWrite, &protocol.Chunk{Index: 0, Total: 2, Data: []byte("ne")})
	assert.False(t, ok)
	frame, ok := r.Feed("AA", PathWrite, &protocol.Chunk{Index: 1, Total: 2, Data: []byte("w")})
	assert.True(t, ok)
	assert.Equal(t, "new", string(frame))
}
