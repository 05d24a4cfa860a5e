package app

import (
	"sort"
	"sync"
	"time"

	"github.com/1ureka/meshlink/internal/protocol"
)

// peerTable tracks every peer seen on any link, keyed by radio address.
type peerTable struct {
	mu    sync.Mutex
	peers map[string]*protocol.Peer
	now   func() time.Time
}

func newPeerTable(now func() time.Time) *peerTable {
	return &peerTable{peers: make(map[string]*protocol.Peer), now: now}
}

// touch records activity from address, creating a provisional entry, and
// returns a copy of the updated peer.
func (t *peerTable) touch(address string, update func(*protocol.Peer)) protocol.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	p, ok := t.peers[address]
	if !ok {
		p = &protocol.Peer{DiscoveredAt: now}
		t.peers[address] = p
	}
	p.LastSeen = now
	p.Status = protocol.PeerActive
	if update != nil {
		update(p)
	}
	return clonePeer(p)
}

func (t *peerTable) get(address string) (protocol.Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[address]
	if !ok {
		return protocol.Peer{}, false
	}
	return clonePeer(p), true
}

func (t *peerTable) remove(address string) (protocol.Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[address]
	if !ok {
		return protocol.Peer{}, false
	}
	delete(t.peers, address)
	return clonePeer(p), true
}

// sweep marks peers not seen for longer than after as stale and returns the
// addresses that changed.
func (t *peerTable) sweep(after time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-after)
	var changed []string
	for addr, p := range t.peers {
		if p.Status == protocol.PeerActive && p.LastSeen.Before(cutoff) {
			p.Status = protocol.PeerStale
			changed = append(changed, addr)
		}
	}
	sort.Strings(changed)
	return changed
}

func (t *peerTable) addresses() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers))
	for addr := range t.peers {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (t *peerTable) list() []protocol.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, clonePeer(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscoveredAt.Before(out[j].DiscoveredAt) })
	return out
}

func clonePeer(p *protocol.Peer) protocol.Peer {
	c := *p
	c.ID = append([]byte(nil), p.ID...)
	c.PublicKey = append([]byte(nil), p.PublicKey...)
	return c
}
