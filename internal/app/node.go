// Package app wires the adapter, the discovery manager and the secure channel
// manager into a mesh node and reports what happens to the host application.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/meshlink/internal/adapter"
	"github.com/1ureka/meshlink/internal/config"
	"github.com/1ureka/meshlink/internal/mesh"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/secure"
	"github.com/1ureka/meshlink/internal/util"
)

// ErrNoRole is returned by Start when the node can neither scan nor advertise.
var ErrNoRole = errors.New("node has neither central nor peripheral role")

// Options configures a Node.
type Options struct {
	Nickname   string
	Adapter    adapter.Options
	Mesh       mesh.Options
	StaleAfter time.Duration
	// BroadcastLimit caps concurrent sends in Broadcast. Zero means 4.
	BroadcastLimit int
}

// OptionsFromConfig maps a loaded configuration onto node options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Nickname: cfg.Nickname,
		Adapter: adapter.Options{
			MTU:               cfg.MTU,
			ChunkDelay:        cfg.ChunkDelay,
			ConnectTimeout:    cfg.ConnectTimeout,
			ReassemblyTimeout: cfg.ReassemblyTimeout,
			PoweredOnTimeout:  cfg.PoweredOnTimeout,
			SettleDelay:       adapter.DefaultSettleDelay,
		},
		Mesh: mesh.Options{
			MaxAttempts:               cfg.MaxAttempts,
			UnnamedConnectProbability: cfg.UnnamedConnectProbability,
			ServiceOnly:               cfg.ScanServiceOnly,
		},
		StaleAfter: cfg.StaleAfter,
	}
}

// Node is one mesh participant.
type Node struct {
	opts Options
	id   *secure.Identity

	ad   *adapter.Adapter
	mesh *mesh.Manager
	sec  *secure.Manager

	peers  *peerTable
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	central    bool
	peripheral bool
	closed     bool
}

// NewNode builds a node on radio. Nothing runs until Start.
func NewNode(radio adapter.Radio, id *secure.Identity, opts Options) *Node {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 3 * time.Minute
	}
	if opts.BroadcastLimit <= 0 {
		opts.BroadcastLimit = 4
	}

	ad := adapter.New(radio, opts.Adapter)
	n := &Node{
		opts:   opts,
		id:     id,
		ad:     ad,
		mesh:   mesh.New(radio.Address(), ad, opts.Mesh),
		sec:    secure.NewManager(id, id.PeerID(), ad),
		peers:  newPeerTable(time.Now),
		events: make(chan Event, eventBufferSize),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	ad.OnIncomingPacket(n.handlePacket)
	ad.OnLinkUp(n.linkUp)
	ad.OnLinkDown(n.linkDown)
	n.mesh.OnConnected(n.afterConnect)
	n.sec.OnHandshakeComplete(n.handshakeDone)
	return n
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start waits for the radio, then advertises and scans. A failure in one role
// degrades the node to the other; failing both is an error.
func (n *Node) Start(ctx context.Context) error {
	if err := n.ad.WaitPoweredOn(ctx); err != nil {
		return fmt.Errorf("radio not ready: %w", err)
	}

	local := protocol.Peer{
		ID:           n.id.PeerID(),
		Nickname:     n.opts.Nickname,
		PublicKey:    n.id.Public,
		DiscoveredAt: time.Now(),
		LastSeen:     time.Now(),
	}
	advErr := n.ad.StartAdvertising(ctx, local, adapter.AdvertiseOptions{LocalName: n.opts.Nickname})
	if advErr != nil {
		util.LogWarning("advertising unavailable, running central-only: %v", advErr)
	}

	scanErr := n.mesh.Start(n.ctx, n.ad)
	if scanErr != nil {
		util.LogWarning("scanning unavailable, running peripheral-only: %v", scanErr)
	}

	n.mu.Lock()
	n.peripheral = advErr == nil
	n.central = scanErr == nil
	n.mu.Unlock()

	if advErr != nil && scanErr != nil {
		return fmt.Errorf("%w: %w", ErrNoRole, errors.Join(advErr, scanErr))
	}

	n.wg.Add(1)
	go n.sweepLoop()

	util.LogSuccess("node %x up (central=%v, peripheral=%v)", n.id.PeerID(), scanErr == nil, advErr == nil)
	return nil
}

// Roles reports which roles came up in Start.
func (n *Node) Roles() (central, peripheral bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.central, n.peripheral
}

// Close sends leave to every peer with a secure session, then shuts down.
func (n *Node) Close(ctx context.Context) error {
	for _, addr := range n.peers.addresses() {
		if !n.sec.Ready(addr) {
			continue
		}
		if err := n.sec.Seal(ctx, addr, protocol.TypeLeave, nil); err != nil {
			util.LogPeer(addr, "leave not sent: %v", err)
		}
	}
	n.cancel()
	err := n.ad.Close()
	n.mesh.Wait()
	n.wg.Wait()

	n.mu.Lock()
	n.closed = true
	close(n.events)
	n.mu.Unlock()
	return err
}

// Events returns the event stream. It is closed by Close. Events are dropped
// when the consumer falls behind by more than the buffer.
func (n *Node) Events() <-chan Event {
	return n.events
}

// Identity returns the node's static identity.
func (n *Node) Identity() *secure.Identity { return n.id }

// Address returns the local radio address.
func (n *Node) Address() string { return n.ad.Address() }

// Peers returns a snapshot of the peer table.
func (n *Node) Peers() []protocol.Peer { return n.peers.list() }

// Ready reports whether a secure session with address is in transport.
func (n *Node) Ready(address string) bool { return n.sec.Ready(address) }

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

// Send encrypts payload to one peer.
func (n *Node) Send(ctx context.Context, address string, payload []byte) error {
	return n.sec.EncryptAndSend(ctx, address, payload)
}

// Broadcast sends payload to every peer in transport state. One peer's
// failure does not stop the others; the joined errors are returned with the
// number of successful sends.
func (n *Node) Broadcast(ctx context.Context, payload []byte) (int, error) {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		sent int
		errs []error
	)
	g.SetLimit(n.opts.BroadcastLimit)

	for _, addr := range n.peers.addresses() {
		if !n.sec.Ready(addr) {
			continue
		}
		g.Go(func() error {
			err := n.sec.EncryptAndSend(ctx, addr, payload)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			} else {
				sent++
			}
			return nil
		})
	}
	_ = g.Wait()
	return sent, errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Link events
// ---------------------------------------------------------------------------

// afterConnect runs on the attempt goroutine once the central link is up.
// Every step is best-effort.
func (n *Node) afterConnect(ctx context.Context, address string) {
	info, err := n.ad.ReadPeerInfo(ctx, address)
	if err != nil {
		util.LogPeer(address, "peer info unavailable: %v", err)
	}
	p := n.peers.touch(address, func(p *protocol.Peer) {
		if err == nil {
			p.ID = info.ID
			if info.Nickname != "" {
				p.Nickname = info.Nickname
			}
		}
	})
	n.emit(Event{Kind: EventPeerConnected, Address: address, Path: adapter.PathWrite, Peer: p})

	if err := n.ad.SubscribeToPackets(ctx, address, n.handlePacket); err != nil {
		util.LogPeer(address, "subscribe failed: %v", err)
		return
	}
	if err := n.sec.Initiate(ctx, address, adapter.PathWrite); err != nil {
		util.LogPeer(address, "handshake not started: %v", err)
	}
}

func (n *Node) linkUp(address string, path adapter.Path) {
	if path != adapter.PathNotify {
		return
	}
	n.mesh.IncomingConnected(address)
	p := n.peers.touch(address, nil)
	n.emit(Event{Kind: EventPeerConnected, Address: address, Path: path, Peer: p})
}

func (n *Node) linkDown(address string, path adapter.Path) {
	if path == adapter.PathWrite {
		n.mesh.Disconnected(address)
	} else {
		n.mesh.IncomingDisconnected(address)
	}
	n.sec.DropLink(address, path)

	p, _ := n.peers.get(address)
	n.emit(Event{Kind: EventPeerDisconnected, Address: address, Path: path, Peer: p})
}

func (n *Node) handshakeDone(address string, path adapter.Path, remote []byte) {
	n.mesh.MarkKnown(address)
	p := n.peers.touch(address, func(p *protocol.Peer) { p.PublicKey = remote })
	n.emit(Event{
		Kind:        EventHandshakeComplete,
		Address:     address,
		Path:        path,
		Peer:        p,
		Fingerprint: secure.Fingerprint(remote),
	})

	if n.opts.Nickname == "" {
		return
	}
	if err := n.sec.Seal(n.ctx, address, protocol.TypeAnnounce, []byte(n.opts.Nickname)); err != nil {
		util.LogPeer(address, "announce failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Inbound packets
// ---------------------------------------------------------------------------

// handlePacket runs on the link's inbox goroutine, in arrival order.
func (n *Node) handlePacket(address string, path adapter.Path, pkt *protocol.Packet) {
	if pkt.Type.IsHandshake() {
		if err := n.sec.HandlePacket(n.ctx, address, path, pkt); err != nil {
			util.LogPeer(address, "handshake step failed on %s: %v", path, err)
		}
		return
	}

	payload, err := n.sec.DecryptMessage(address, path, pkt)
	switch {
	case err == nil:
	case errors.Is(err, secure.ErrDecrypt):
		p, _ := n.peers.get(address)
		n.emit(Event{Kind: EventDecryptFailure, Address: address, Path: path, Peer: p, Err: err})
		return
	case pkt.Type == protocol.TypeAnnounce:
		// Announces are sent in clear before a session exists.
		payload = pkt.Payload
	default:
		util.LogPeer(address, "dropping %s on %s: %v", pkt.Type, path, err)
		return
	}

	p := n.peers.touch(address, func(p *protocol.Peer) {
		if len(pkt.SenderID) > 0 {
			p.ID = append([]byte(nil), pkt.SenderID...)
		}
		if pkt.Type == protocol.TypeAnnounce {
			p.Nickname = string(payload)
		}
	})

	switch pkt.Type {
	case protocol.TypeMessage:
		n.emit(Event{Kind: EventMessage, Address: address, Path: path, Peer: p, Payload: payload})
	case protocol.TypeAnnounce:
		n.emit(Event{Kind: EventPeerAnnounced, Address: address, Path: path, Peer: p})
	case protocol.TypeLeave:
		n.peers.remove(address)
		n.emit(Event{Kind: EventPeerLeft, Address: address, Path: path, Peer: p})
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (n *Node) emit(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.events <- ev:
	default:
		util.LogPeer(ev.Address, "event buffer full, dropping %s", ev.Kind)
	}
}

func (n *Node) sweepLoop() {
	defer n.wg.Done()

	interval := max(n.opts.StaleAfter/3, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.sweep()
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) sweep() {
	for _, addr := range n.peers.sweep(n.opts.StaleAfter) {
		p, _ := n.peers.get(addr)
		util.LogPeer(addr, "stale")
		n.emit(Event{Kind: EventPeerStale, Address: addr, Peer: p})
	}
}
