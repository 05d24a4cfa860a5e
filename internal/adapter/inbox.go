package adapter

import (
	"context"
	"sync"

	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/util"
)

// inboxBufferSize is the per-link inbound packet channel capacity.
const inboxBufferSize = 64

// linkInbox serializes delivery for one (address, path) link on its own
// goroutine, so a slow handler never blocks the radio callback and packets
// keep their arrival order.
type linkInbox struct {
	key  streamKey
	ch   chan *protocol.Packet
	fn   PacketHandler
	ctx  context.Context // adapter lifetime
	done chan struct{}   // link closed; drain what is queued, then exit
	once sync.Once
}

func newLinkInbox(ctx context.Context, key streamKey, fn PacketHandler) *linkInbox {
	in := &linkInbox{
		key:  key,
		ch:   make(chan *protocol.Packet, inboxBufferSize),
		fn:   fn,
		ctx:  ctx,
		done: make(chan struct{}),
	}
	go in.run()
	return in
}

func (in *linkInbox) run() {
	for {
		select {
		case pkt := <-in.ch:
			in.fn(in.key.address, in.key.path, pkt)
		case <-in.done:
			in.drain()
			return
		case <-in.ctx.Done():
			return
		}
	}
}

// drain delivers packets that arrived before the link went down, such as a
// leave sent right before disconnecting.
func (in *linkInbox) drain() {
	for {
		select {
		case pkt := <-in.ch:
			in.fn(in.key.address, in.key.path, pkt)
		default:
			return
		}
	}
}

func (in *linkInbox) close() {
	in.once.Do(func() { close(in.done) })
}

// push enqueues pkt, dropping it when the inbox is full.
func (in *linkInbox) push(pkt *protocol.Packet) {
	select {
	case in.ch <- pkt:
	default:
		util.Stats.AddDropped()
		util.LogPeer(in.key.address, "inbox full, dropping %s", pkt.Type)
	}
}

// deliver routes pkt to the link's inbox, creating it on first use. The
// handler is fixed for the lifetime of the inbox.
func (a *Adapter) deliver(address string, path Path, pkt *protocol.Packet, fn PacketHandler) {
	key := streamKey{address: address, path: path}

	a.mu.Lock()
	in, ok := a.inboxes[key]
	if !ok || in.ctx.Err() != nil {
		in = newLinkInbox(a.ctx, key, fn)
		a.inboxes[key] = in
	}
	a.mu.Unlock()

	in.push(pkt)
}

// closeInbox stops the link's delivery goroutine once its queue is empty.
func (a *Adapter) closeInbox(address string, path Path) {
	key := streamKey{address: address, path: path}
	a.mu.Lock()
	in, ok := a.inboxes[key]
	delete(a.inboxes, key)
	a.mu.Unlock()
	if ok {
		in.close()
	}
}
