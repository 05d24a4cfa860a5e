// Package adapter exposes one dual-role transport over a Radio: a scanner and
// initiator (central) plus an advertiser and responder (peripheral). It moves
// encoded wire chunks, reassembles inbound frames and keeps the link tables.
package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/util"
)

// dial marks a Connect in flight. lost is set when the radio reports a
// disconnect before the link is recorded.
type dial struct {
	lost bool
}

// Options tunes an Adapter. Zero fields take the defaults below.
type Options struct {
	MTU               int
	ChunkDelay        time.Duration // pause between chunks of one packet
	ConnectTimeout    time.Duration
	ReassemblyTimeout time.Duration
	PoweredOnTimeout  time.Duration
	SettleDelay       time.Duration // pause after each service/characteristic registration
}

const (
	DefaultChunkDelay        = 20 * time.Millisecond
	DefaultConnectTimeout    = 10 * time.Second
	DefaultReassemblyTimeout = 30 * time.Second
	DefaultPoweredOnTimeout  = 10 * time.Second
	DefaultSettleDelay       = 100 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.MTU <= 0 {
		o.MTU = protocol.DefaultMTU
	}
	if o.ChunkDelay < 0 {
		o.ChunkDelay = 0
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReassemblyTimeout <= 0 {
		o.ReassemblyTimeout = DefaultReassemblyTimeout
	}
	if o.PoweredOnTimeout <= 0 {
		o.PoweredOnTimeout = DefaultPoweredOnTimeout
	}
	return o
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		MTU:               protocol.DefaultMTU,
		ChunkDelay:        DefaultChunkDelay,
		ConnectTimeout:    DefaultConnectTimeout,
		ReassemblyTimeout: DefaultReassemblyTimeout,
		PoweredOnTimeout:  DefaultPoweredOnTimeout,
		SettleDelay:       DefaultSettleDelay,
	}
}

// PacketHandler receives every complete inbound packet together with the
// link it arrived on.
type PacketHandler func(address string, path Path, pkt *protocol.Packet)

// LinkHandler observes link changes.
type LinkHandler func(address string, path Path)

// Adapter is safe for concurrent use.
type Adapter struct {
	radio Radio
	opts  Options
	reasm *Reassembler

	ctx    context.Context // parent of every link inbox
	cancel context.CancelFunc

	mu          sync.Mutex
	outgoing    map[string]struct{} // we are central
	dialing     map[string]*dial    // connects in flight
	incoming    map[string]struct{} // remote central subscribed to our notify characteristic
	inboxes     map[streamKey]*linkInbox
	advertising bool

	onIncomingPacket PacketHandler
	onLinkUp         LinkHandler
	onLinkDown       LinkHandler

	stateMu   sync.Mutex
	stateSeen chan struct{} // closed and replaced on every radio state change
}

// New wraps radio. The radio's disconnect and state observers are installed
// immediately.
func New(radio Radio, opts Options) *Adapter {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		radio:     radio,
		opts:      opts,
		reasm:     NewReassembler(opts.ReassemblyTimeout),
		ctx:       ctx,
		cancel:    cancel,
		outgoing:  make(map[string]struct{}),
		dialing:   make(map[string]*dial),
		incoming:  make(map[string]struct{}),
		inboxes:   make(map[streamKey]*linkInbox),
		stateSeen: make(chan struct{}),
	}

	radio.OnDisconnect(func(address string) {
		a.mu.Lock()
		if d, ok := a.dialing[address]; ok {
			d.lost = true
		}
		a.mu.Unlock()
		a.dropLink(address, PathWrite)
	})
	radio.OnStateChange(func(s State) {
		util.LogDebug("radio state: %s", s)
		a.stateMu.Lock()
		close(a.stateSeen)
		a.stateSeen = make(chan struct{})
		a.stateMu.Unlock()
	})

	return a
}

// Address returns the local radio address.
func (a *Adapter) Address() string { return a.radio.Address() }

// Options returns the effective tuning.
func (a *Adapter) Options() Options { return a.opts }

// OnIncomingPacket registers the handler for packets written to us by
// remote centrals (path = notify).
func (a *Adapter) OnIncomingPacket(fn PacketHandler) {
	a.mu.Lock()
	a.onIncomingPacket = fn
	a.mu.Unlock()
}

// OnLinkUp registers a handler called when an outgoing connect succeeds or
// a remote central subscribes.
func (a *Adapter) OnLinkUp(fn LinkHandler) {
	a.mu.Lock()
	a.onLinkUp = fn
	a.mu.Unlock()
}

// OnLinkDown registers a handler called when either kind of link is lost.
func (a *Adapter) OnLinkDown(fn LinkHandler) {
	a.mu.Lock()
	a.onLinkDown = fn
	a.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Radio state
// ---------------------------------------------------------------------------

// WaitPoweredOn returns nil once the radio is powered on. Unsupported and
// unauthorized are terminal; powered-off is waited out for up to
// PoweredOnTimeout.
func (a *Adapter) WaitPoweredOn(ctx context.Context) error {
	timer := time.NewTimer(a.opts.PoweredOnTimeout)
	defer timer.Stop()

	for {
		a.stateMu.Lock()
		changed := a.stateSeen
		a.stateMu.Unlock()

		switch s := a.radio.State(); s {
		case StatePoweredOn:
			return nil
		case StateUnsupported:
			return ErrRadioUnsupported
		case StateUnauthorized:
			return ErrRadioUnauthorized
		}

		select {
		case <-changed:
		case <-timer.C:
			return ErrRadioPoweredOff
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ---------------------------------------------------------------------------
// Central role
// ---------------------------------------------------------------------------

// StartScanning starts continuous discovery and returns immediately. Every
// discovery event is passed to onFound; deduplication is the caller's job.
func (a *Adapter) StartScanning(ctx context.Context, onFound func(Device), opts ScanOptions) error {
	if err := a.WaitPoweredOn(ctx); err != nil {
		return fmt.Errorf("start scanning: %w", err)
	}
	opts.AllowDuplicates = true
	if err := a.radio.Scan(ctx, opts, onFound); err != nil {
		return fmt.Errorf("start scanning: %w", err)
	}
	util.LogDebug("scanning started")
	return nil
}

// Connect makes a single connection attempt bounded by ConnectTimeout,
// including service discovery. On any failure the partial native link is
// torn down.
func (a *Adapter) Connect(ctx context.Context, address string) Result {
	if a.Connected(address) {
		return result(address, nil)
	}

	d := &dial{}
	a.mu.Lock()
	a.dialing[address] = d
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.dialing[address] == d {
			delete(a.dialing, address)
		}
		a.mu.Unlock()
	}()

	cctx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := a.radio.Connect(cctx, address)
		if err == nil {
			err = a.radio.DiscoverServices(cctx, address)
		}
		if err == nil && cctx.Err() != nil {
			// Finished after the deadline; nobody is waiting for this link.
			_ = a.radio.Disconnect(address)
		}
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		err = ErrConnectTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		if KindOf(err) == KindIO {
			err = fmt.Errorf("%w: %w", ErrConnectFailed, err)
		} else if KindOf(err) == KindTimeout {
			err = fmt.Errorf("%w: %s", ErrConnectTimeout, address)
		}
		if derr := a.radio.Disconnect(address); derr != nil {
			util.LogPeer(address, "teardown after failed connect: %v", derr)
		}
		util.Stats.AddConnectFailure()
		return result(address, err)
	}

	a.mu.Lock()
	lost := d.lost
	if !lost {
		a.outgoing[address] = struct{}{}
	}
	up := a.onLinkUp
	a.mu.Unlock()

	if lost {
		util.Stats.AddConnectFailure()
		return result(address, fmt.Errorf("%w: %s dropped during connect", ErrConnectFailed, address))
	}

	util.Stats.AddConn()
	util.LogPeer(address, "connected (central)")
	if up != nil {
		up(address, PathWrite)
	}
	return result(address, nil)
}

// Disconnect tears down an outgoing link.
func (a *Adapter) Disconnect(address string) error {
	err := a.radio.Disconnect(address)
	a.dropLink(address, PathWrite)
	return err
}

// Connected reports whether an outgoing link to address is up.
func (a *Adapter) Connected(address string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.outgoing[address]
	return ok
}

// ReadPeerInfo reads and decodes the remote's peer-info characteristic.
func (a *Adapter) ReadPeerInfo(ctx context.Context, address string) (protocol.Peer, error) {
	if !a.Connected(address) {
		return protocol.Peer{}, ErrNotConnected
	}
	value, err := a.radio.Read(ctx, address, ServiceUUID, PeerInfoCharUUID)
	if err != nil {
		return protocol.Peer{}, fmt.Errorf("read peer info: %w", err)
	}
	raw, err := decodeValue(value)
	if err != nil {
		return protocol.Peer{}, err
	}
	return protocol.DecodePeer(raw)
}

// WritePacket writes one wire chunk to the remote write characteristic.
func (a *Adapter) WritePacket(ctx context.Context, address, chunk string) TxResult {
	util.Stats.AddSent(len(chunk))
	if !a.Connected(address) {
		return TxResult{Address: address, Chunks: 1, Kind: KindNotConnected, Err: ErrNotConnected}
	}
	if err := a.radio.Write(ctx, address, ServiceUUID, CentralTxCharUUID, chunk); err != nil {
		return TxResult{Address: address, Chunks: 1, Kind: KindOf(err), Err: err}
	}
	return TxResult{Address: address, Chunks: 1, Sent: 1}
}

// SubscribeToPackets arms notifications on the remote's notify
// characteristic. Notifications are reassembled and surface as packets on
// the write path.
func (a *Adapter) SubscribeToPackets(ctx context.Context, address string, onPacket PacketHandler) error {
	if !a.Connected(address) {
		return ErrNotConnected
	}
	a.closeInbox(address, PathWrite)
	err := a.radio.Subscribe(ctx, address, ServiceUUID, CentralRxCharUUID, func(value string) {
		a.ingest(address, PathWrite, value, onPacket)
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Peripheral role
// ---------------------------------------------------------------------------

// StartAdvertising publishes the service with its three characteristics and
// starts advertising. Any failure aborts and leaves Advertising() false.
func (a *Adapter) StartAdvertising(ctx context.Context, local protocol.Peer, opts AdvertiseOptions) error {
	if err := a.WaitPoweredOn(ctx); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}

	info, err := protocol.EncodePeer(local)
	if err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}

	if err := a.radio.AddService(ctx, ServiceUUID); err != nil {
		return fmt.Errorf("add service: %w", err)
	}
	if err := a.settle(ctx); err != nil {
		return err
	}

	chars := []Characteristic{
		{UUID: PeerInfoCharUUID, Properties: PropRead},
		{UUID: WriteCharUUID, Properties: PropWrite | PropWriteWithoutResponse},
		{UUID: NotifyCharUUID, Properties: PropNotify | PropRead},
	}
	for _, ch := range chars {
		if err := a.radio.AddCharacteristic(ctx, ServiceUUID, ch); err != nil {
			return fmt.Errorf("add characteristic %s: %w", ch.UUID, err)
		}
		if err := a.settle(ctx); err != nil {
			return err
		}
	}

	if err := a.radio.SetValue(ctx, ServiceUUID, PeerInfoCharUUID, encodeValue(info)); err != nil {
		return fmt.Errorf("set peer info: %w", err)
	}

	a.radio.OnWrite(a.handleWrite)
	a.radio.OnSubscribe(a.handleSubscribe)
	a.radio.OnUnsubscribe(a.handleUnsubscribe)

	if len(opts.ServiceUUIDs) == 0 {
		opts.ServiceUUIDs = []uuid.UUID{ServiceUUID}
	}
	if err := a.radio.StartAdvertising(ctx, opts); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}

	a.mu.Lock()
	a.advertising = true
	a.mu.Unlock()
	util.LogDebug("advertising as %q", opts.LocalName)
	return nil
}

// StopAdvertising stops the advertisement; published characteristics stay.
func (a *Adapter) StopAdvertising() error {
	a.mu.Lock()
	a.advertising = false
	a.mu.Unlock()
	return a.radio.StopAdvertising()
}

// Advertising reports whether StartAdvertising completed.
func (a *Adapter) Advertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertising
}

// Subscribed reports whether address is a central subscribed to us.
func (a *Adapter) Subscribed(address string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.incoming[address]
	return ok
}

// NotifyPacket pushes one wire chunk to a subscribed central.
func (a *Adapter) NotifyPacket(ctx context.Context, address, chunk string) TxResult {
	util.Stats.AddSent(len(chunk))
	if !a.Subscribed(address) {
		return TxResult{Address: address, Chunks: 1, Kind: KindNotConnected, Err: ErrNotSubscribed}
	}
	if err := a.radio.Notify(ctx, address, ServiceUUID, NotifyCharUUID, chunk); err != nil {
		return TxResult{Address: address, Chunks: 1, Kind: KindOf(err), Err: err}
	}
	return TxResult{Address: address, Chunks: 1, Sent: 1}
}

func (a *Adapter) handleWrite(central string, char uuid.UUID, value string) {
	if char != WriteCharUUID {
		return
	}
	a.mu.Lock()
	fn := a.onIncomingPacket
	a.mu.Unlock()
	a.ingest(central, PathNotify, value, fn)
}

func (a *Adapter) handleSubscribe(central string, char uuid.UUID) {
	if char != NotifyCharUUID {
		return
	}
	a.mu.Lock()
	_, known := a.incoming[central]
	a.incoming[central] = struct{}{}
	up := a.onLinkUp
	a.mu.Unlock()

	if known {
		return
	}
	util.Stats.AddConn()
	util.LogPeer(central, "central subscribed (peripheral)")
	if up != nil {
		up(central, PathNotify)
	}
}

func (a *Adapter) handleUnsubscribe(central string, char uuid.UUID) {
	if char != NotifyCharUUID {
		return
	}
	a.dropLink(central, PathNotify)
}

// ---------------------------------------------------------------------------
// Both roles
// ---------------------------------------------------------------------------

// SendPacket encodes pkt and hands every chunk to the radio in index order
// on the given path, pausing ChunkDelay between chunks.
func (a *Adapter) SendPacket(ctx context.Context, address string, path Path, pkt *protocol.Packet) TxResult {
	chunks, err := protocol.EncodeMTU(pkt, a.opts.MTU)
	if err != nil {
		return TxResult{Address: address, Kind: KindEncode, Err: err}
	}

	tx := TxResult{Address: address, Chunks: len(chunks)}
	for i, chunk := range chunks {
		if i > 0 && a.opts.ChunkDelay > 0 {
			select {
			case <-time.After(a.opts.ChunkDelay):
			case <-ctx.Done():
				tx.Kind, tx.Err = KindCancelled, ctx.Err()
				return tx
			}
		}

		var r TxResult
		if path == PathNotify {
			r = a.NotifyPacket(ctx, address, chunk)
		} else {
			r = a.WritePacket(ctx, address, chunk)
		}
		if !r.OK() {
			tx.Kind, tx.Err = r.Kind, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), r.Err)
			return tx
		}
		tx.Sent++
	}

	util.LogPeer(address, "sent %s (%d chunks, path=%s)", pkt.Type, len(chunks), path)
	return tx
}

// Close stops advertising, closes the radio and stops every link inbox.
func (a *Adapter) Close() error {
	if a.Advertising() {
		_ = a.StopAdvertising()
	}
	err := a.radio.Close()
	a.cancel()
	return err
}

// ingest parses one inbound wire chunk and delivers the packet once it is
// complete. Malformed frames are logged and dropped.
func (a *Adapter) ingest(address string, path Path, value string, fn PacketHandler) {
	util.Stats.AddRecv(len(value))

	f, err := protocol.ParseFrame(value)
	if err != nil {
		util.Stats.AddDropped()
		util.LogPeer(address, "dropping frame: %v", err)
		return
	}

	pkt := f.Packet
	if f.IsChunk() {
		frame, ok := a.reasm.Feed(address, path, f.Chunk)
		if !ok {
			return
		}
		if pkt, err = protocol.Unmarshal(frame); err != nil {
			util.Stats.AddDropped()
			util.LogPeer(address, "dropping reassembled frame: %v", err)
			return
		}
	}

	if fn == nil {
		util.LogPeer(address, "no handler for %s on path=%s", pkt.Type, path)
		return
	}
	a.deliver(address, path, pkt, fn)
}

// dropLink forgets the link and fires the link-down handler once.
func (a *Adapter) dropLink(address string, path Path) {
	a.mu.Lock()
	set := a.outgoing
	if path == PathNotify {
		set = a.incoming
	}
	_, ok := set[address]
	delete(set, address)
	down := a.onLinkDown
	a.mu.Unlock()

	a.reasm.Forget(address, path)
	a.closeInbox(address, path)
	if !ok {
		return
	}
	util.Stats.RemoveConn()
	util.LogPeer(address, "link lost (path=%s)", path)
	if down != nil {
		down(address, path)
	}
}

func (a *Adapter) settle(ctx context.Context) error {
	if a.opts.SettleDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(a.opts.SettleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
