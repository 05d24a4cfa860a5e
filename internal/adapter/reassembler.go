package adapter

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/util"
)

// maxPendingStreams bounds how many partially received frames are buffered
// at once across all links.
const maxPendingStreams = 256

// streamKey identifies one inbound chunk stream. The chunk header carries no
// message ID, so a link carries at most one chunked frame at a time.
type streamKey struct {
	address string
	path    Path
}

type stream struct {
	chunks map[uint32]protocol.Chunk
	done   bool
}

// Reassembler buffers chunks per link until a frame is complete. Streams
// that stall longer than the timeout are evicted and counted as dropped.
type Reassembler struct {
	mu      sync.Mutex
	streams *expirable.LRU[streamKey, *stream]
}

// NewReassembler creates a reassembler whose partial frames expire after ttl.
func NewReassembler(ttl time.Duration) *Reassembler {
	r := &Reassembler{}
	r.streams = expirable.NewLRU[streamKey, *stream](maxPendingStreams, func(k streamKey, s *stream) {
		if !s.done {
			util.Stats.AddDropped()
			util.LogPeer(k.address, "dropped partial frame (%d chunks buffered, path=%s)", len(s.chunks), k.path)
		}
	}, ttl)
	return r
}

// Feed buffers c and returns the reassembled frame once every chunk of it
// has arrived. A chunk 0 announcing a different total than the buffered one
// starts a new stream.
func (r *Reassembler) Feed(address string, path Path, c *protocol.Chunk) ([]byte, bool) {
	key := streamKey{address: address, path: path}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams.Get(key)
	if ok && c.Index == 0 {
		if first, has := s.chunks[0]; has && first.Total != c.Total {
			s = nil
		}
	}
	if s == nil {
		s = &stream{chunks: make(map[uint32]protocol.Chunk)}
		r.streams.Add(key, s)
	}
	s.chunks[c.Index] = *c

	frame, complete := protocol.Reassemble(s.chunks)
	if !complete {
		return nil, false
	}
	s.done = true
	r.streams.Remove(key)
	return frame, true
}

// Forget discards any partial frame buffered for the link.
func (r *Reassembler) Forget(address string, path Path) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams.Peek(streamKey{address: address, path: path}); ok {
		s.done = true
	}
	r.streams.Remove(streamKey{address: address, path: path})
}

// Pending returns the number of links with a partial frame buffered.
func (r *Reassembler) Pending() int {
	return r.streams.Len()
}
