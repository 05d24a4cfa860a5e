package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/adapter"
	"github.com/1ureka/meshlink/internal/signaling"
	"github.com/1ureka/meshlink/internal/util"
)

// airRSSI is reported for every advertisement heard through the hub.
const airRSSI = -60

// link is one emulated radio link to a remote address.
type link struct {
	id      string
	address string
	central bool // the local radio is the central on this link
	tr      *Transport

	mu          sync.Mutex
	candidates  []webrtc.ICECandidateInit // arrived before the remote description
	established bool
	subscribed  bool         // peripheral side: the remote central subscribed
	onValue     func(string) // central side: notification sink
	closeOnce   sync.Once
}

// AirRadio implements adapter.Radio over the air hub and WebRTC.
type AirRadio struct {
	address string
	sig     *signaling.Client
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       adapter.State
	onState     func(adapter.State)
	links       map[string]*link // by link id, negotiating or established
	outgoing    map[string]*link // by remote address
	incoming    map[string]*link // by remote address
	requests    map[uint32]chan *Frame
	adverts     map[string]adapter.Device
	onFound     func(adapter.Device)
	scanOpts    adapter.ScanOptions
	services    map[uuid.UUID]map[uuid.UUID]*adapter.Characteristic
	advertising bool

	onDisconnect  func(string)
	onWrite       func(string, uuid.UUID, string)
	onSubscribe   func(string, uuid.UUID)
	onUnsubscribe func(string, uuid.UUID)

	nextID atomic.Uint32
}

var _ adapter.Radio = (*AirRadio)(nil)

// RandomAddress returns a MAC-style address derived from a random UUID.
func RandomAddress() string {
	u := uuid.New()
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", u[10], u[11], u[12], u[13], u[14], u[15])
}

// Dial attaches a new emulated radio to the hub. An empty address picks a
// random one.
func Dial(ctx context.Context, hubURL, pin, address string, opts Options) (*AirRadio, error) {
	if address == "" {
		address = RandomAddress()
	}
	sig, err := signaling.Dial(ctx, hubURL, pin, address)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &AirRadio{
		address:  address,
		sig:      sig,
		opts:     opts,
		ctx:      rctx,
		cancel:   cancel,
		state:    adapter.StatePoweredOn,
		links:    make(map[string]*link),
		outgoing: make(map[string]*link),
		incoming: make(map[string]*link),
		requests: make(map[uint32]chan *Frame),
		adverts:  make(map[string]adapter.Device),
		services: make(map[uuid.UUID]map[uuid.UUID]*adapter.Characteristic),
	}
	go r.watch()
	return r, nil
}

func (r *AirRadio) Address() string { return r.address }

func (r *AirRadio) State() adapter.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *AirRadio) OnStateChange(fn func(adapter.State)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}

func (r *AirRadio) setState(s adapter.State) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	fn := r.onState
	r.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}

// Close withdraws the advertisement, drops every link and leaves the hub.
func (r *AirRadio) Close() error {
	r.mu.Lock()
	advertising := r.advertising
	r.advertising = false
	r.mu.Unlock()

	var errs []error
	if advertising {
		errs = append(errs, r.sig.Unadvertise())
	}
	r.cancel()
	r.closeLinks(func(*link) bool { return true })
	errs = append(errs, r.sig.Close())
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Hub messages
// ---------------------------------------------------------------------------

func (r *AirRadio) watch() {
	err := r.sig.Watch(r.handleSignal)
	if r.ctx.Err() == nil {
		util.LogWarning("air hub lost: %v", err)
	}
	r.setState(adapter.StatePoweredOff)
	r.closeLinks(func(*link) bool { return true })
}

func (r *AirRadio) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.MsgTypeAdvertise:
		d := adapter.Device{Address: msg.From, Name: msg.Name, RSSI: airRSSI}
		for _, s := range msg.Services {
			if id, err := uuid.Parse(s); err == nil {
				d.ServiceUUIDs = append(d.ServiceUUIDs, id)
			}
		}
		r.mu.Lock()
		r.adverts[msg.From] = d
		fn, opts := r.onFound, r.scanOpts
		r.mu.Unlock()
		if fn != nil && matches(d, opts) {
			fn(d)
		}

	case signaling.MsgTypeUnadvertise:
		r.mu.Lock()
		delete(r.adverts, msg.From)
		r.mu.Unlock()

	case signaling.MsgTypePeerGone:
		r.mu.Lock()
		delete(r.adverts, msg.From)
		r.mu.Unlock()
		r.closeLinks(func(l *link) bool { return l.address == msg.From })

	case signaling.MsgTypeOffer:
		r.accept(msg)

	case signaling.MsgTypeAnswer:
		l := r.linkByID(msg.Link)
		if l == nil || l.address != msg.From {
			return
		}
		err := l.tr.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP})
		if err != nil {
			util.LogPeer(l.address, "SetRemoteDescription failed: %v", err)
			r.linkClosed(l)
			return
		}
		r.flushCandidates(l)

	case signaling.MsgTypeCandidate:
		l := r.linkByID(msg.Link)
		if l == nil || l.address != msg.From {
			return
		}
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			util.LogPeer(l.address, "bad ICE candidate: %v", err)
			return
		}
		l.mu.Lock()
		if !l.tr.HasRemoteDescription() {
			l.candidates = append(l.candidates, init)
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		if err := l.tr.AddICECandidate(init); err != nil {
			util.LogPeer(l.address, "AddICECandidate failed: %v", err)
		}
	}
}

// accept answers an offer from a remote central.
func (r *AirRadio) accept(msg signaling.Message) {
	r.mu.Lock()
	advertising := r.advertising
	r.mu.Unlock()
	if !advertising {
		util.LogPeer(msg.From, "offer ignored, not advertising")
		return
	}

	l, err := r.newLink(msg.Link, msg.From, false)
	if err != nil {
		util.LogPeer(msg.From, "cannot accept link: %v", err)
		return
	}
	if err := l.tr.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
		util.LogPeer(msg.From, "SetRemoteDescription failed: %v", err)
		r.linkClosed(l)
		return
	}
	r.flushCandidates(l)

	answer, err := l.tr.CreateAnswer()
	if err == nil {
		err = r.sig.SendAnswer(msg.From, l.id, answer.SDP)
	}
	if err != nil {
		util.LogPeer(msg.From, "answer failed: %v", err)
		r.linkClosed(l)
		return
	}

	go func() {
		select {
		case <-l.tr.Ready():
			r.establish(l)
			<-l.tr.Done()
		case <-l.tr.Done():
		}
		r.linkClosed(l)
	}()
}

// ---------------------------------------------------------------------------
// Links
// ---------------------------------------------------------------------------

func (r *AirRadio) newLink(id, address string, central bool) (*link, error) {
	tr, err := NewTransport(r.ctx, r.opts)
	if err != nil {
		return nil, err
	}
	l := &link{id: id, address: address, central: central, tr: tr}

	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// Best-effort: a lost candidate only narrows the ICE options.
		_ = r.sig.SendCandidate(address, id, string(data))
	})
	tr.OnFrame(func(f *Frame, err error) {
		if err != nil {
			util.LogPeer(address, "bad frame: %v", err)
			return
		}
		r.handleFrame(l, f)
	})

	r.mu.Lock()
	r.links[id] = l
	r.mu.Unlock()
	return l, nil
}

func (r *AirRadio) linkByID(id string) *link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[id]
}

func (r *AirRadio) flushCandidates(l *link) {
	l.mu.Lock()
	pending := l.candidates
	l.candidates = nil
	l.mu.Unlock()
	for _, c := range pending {
		if err := l.tr.AddICECandidate(c); err != nil {
			util.LogPeer(l.address, "AddICECandidate failed: %v", err)
		}
	}
}

// establish publishes an open link, replacing any older one in the same role.
func (r *AirRadio) establish(l *link) {
	select {
	case <-l.tr.Done():
		return
	default:
	}
	l.mu.Lock()
	if l.established {
		l.mu.Unlock()
		return
	}
	l.established = true
	l.mu.Unlock()

	r.mu.Lock()
	set := r.incoming
	if l.central {
		set = r.outgoing
	}
	old := set[l.address]
	set[l.address] = l
	r.mu.Unlock()

	if old != nil && old != l {
		r.linkClosed(old)
	}
	util.LogPeer(l.address, "air link %s up (central=%v)", l.id[:8], l.central)
}

// linkClosed tears l down once and reports the loss if it was established.
func (r *AirRadio) linkClosed(l *link) {
	l.closeOnce.Do(func() {
		r.mu.Lock()
		delete(r.links, l.id)
		set := r.incoming
		if l.central {
			set = r.outgoing
		}
		if set[l.address] == l {
			delete(set, l.address)
		}
		down, unsub := r.onDisconnect, r.onUnsubscribe
		r.mu.Unlock()

		_ = l.tr.Close()

		l.mu.Lock()
		established, subscribed := l.established, l.subscribed
		l.mu.Unlock()
		if !established {
			return
		}
		if l.central {
			if down != nil {
				down(l.address)
			}
		} else if subscribed && unsub != nil {
			unsub(l.address, adapter.NotifyCharUUID)
		}
	})
}

func (r *AirRadio) closeLinks(match func(*link) bool) {
	r.mu.Lock()
	var victims []*link
	for _, l := range r.links {
		if match(l) {
			victims = append(victims, l)
		}
	}
	r.mu.Unlock()
	for _, l := range victims {
		r.linkClosed(l)
	}
}

func (r *AirRadio) linkTo(address string, central bool) *link {
	r.mu.Lock()
	defer r.mu.Unlock()
	if central {
		return r.outgoing[address]
	}
	return r.incoming[address]
}

// request sends f and waits for the frame echoing its ID.
func (r *AirRadio) request(ctx context.Context, l *link, f *Frame) (*Frame, error) {
	id := r.nextID.Add(1)
	f.ID = id
	ch := make(chan *Frame, 1)

	r.mu.Lock()
	r.requests[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.requests, id)
		r.mu.Unlock()
	}()

	if err := l.tr.Send(ctx, f); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-l.tr.Done():
		return nil, adapter.ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Central
// ---------------------------------------------------------------------------

func (r *AirRadio) Scan(ctx context.Context, opts adapter.ScanOptions, onFound func(adapter.Device)) error {
	if r.State() != adapter.StatePoweredOn {
		return adapter.ErrRadioPoweredOff
	}
	r.mu.Lock()
	r.onFound = onFound
	r.scanOpts = opts
	seen := make([]adapter.Device, 0, len(r.adverts))
	for _, d := range r.adverts {
		seen = append(seen, d)
	}
	r.mu.Unlock()

	go func() {
		for _, d := range seen {
			if matches(d, opts) {
				onFound(d)
			}
		}
		<-ctx.Done()
		r.mu.Lock()
		r.onFound = nil
		r.mu.Unlock()
	}()
	return nil
}

func matches(d adapter.Device, opts adapter.ScanOptions) bool {
	if len(opts.ServiceUUIDs) == 0 {
		return true
	}
	for _, want := range opts.ServiceUUIDs {
		if slices.Contains(d.ServiceUUIDs, want) {
			return true
		}
	}
	return false
}

func (r *AirRadio) Connect(ctx context.Context, address string) error {
	r.mu.Lock()
	_, inRange := r.adverts[address]
	existing := r.outgoing[address]
	r.mu.Unlock()
	if existing != nil {
		return nil
	}
	if !inRange {
		return fmt.Errorf("%w: %s out of range", adapter.ErrConnectFailed, address)
	}

	l, err := r.newLink(uuid.NewString(), address, true)
	if err != nil {
		return fmt.Errorf("%w: %w", adapter.ErrConnectFailed, err)
	}
	offer, err := l.tr.CreateOffer()
	if err == nil {
		err = r.sig.SendOffer(address, l.id, offer.SDP)
	}
	if err != nil {
		r.linkClosed(l)
		return fmt.Errorf("%w: %w", adapter.ErrConnectFailed, err)
	}

	select {
	case <-l.tr.Ready():
		r.establish(l)
		go func() {
			<-l.tr.Done()
			r.linkClosed(l)
		}()
		return nil
	case <-l.tr.Done():
		r.linkClosed(l)
		return fmt.Errorf("%w: %s link closed during setup", adapter.ErrConnectFailed, address)
	case <-ctx.Done():
		r.linkClosed(l)
		return ctx.Err()
	}
}

func (r *AirRadio) DiscoverServices(ctx context.Context, address string) error {
	l := r.linkTo(address, true)
	if l == nil {
		return adapter.ErrNotConnected
	}
	resp, err := r.request(ctx, l, &Frame{Op: OpDiscover})
	if err != nil {
		return err
	}
	if !slices.Contains(resp.Services, adapter.ServiceUUID.String()) {
		return fmt.Errorf("%w: %s does not serve the mesh service", adapter.ErrConnectFailed, address)
	}
	return nil
}

func (r *AirRadio) Read(ctx context.Context, address string, service, char uuid.UUID) (string, error) {
	l := r.linkTo(address, true)
	if l == nil {
		return "", adapter.ErrNotConnected
	}
	resp, err := r.request(ctx, l, &Frame{Op: OpRead, Service: service.String(), Char: char.String()})
	if err != nil {
		return "", err
	}
	if resp.Err != "" {
		return "", fmt.Errorf("%w: %s", adapter.ErrUnknownCharacteristic, resp.Err)
	}
	return resp.Value, nil
}

func (r *AirRadio) Write(ctx context.Context, address string, service, char uuid.UUID, value string) error {
	l := r.linkTo(address, true)
	if l == nil {
		return adapter.ErrNotConnected
	}
	return l.tr.Send(ctx, &Frame{Op: OpWrite, Service: service.String(), Char: char.String(), Value: value})
}

func (r *AirRadio) Subscribe(ctx context.Context, address string, service, char uuid.UUID, onValue func(string)) error {
	l := r.linkTo(address, true)
	if l == nil {
		return adapter.ErrNotConnected
	}
	l.mu.Lock()
	l.onValue = onValue
	l.mu.Unlock()
	return l.tr.Send(ctx, &Frame{Op: OpSubscribe, Service: service.String(), Char: char.String()})
}

func (r *AirRadio) Disconnect(address string) error {
	if l := r.linkTo(address, true); l != nil {
		r.linkClosed(l)
	}
	return nil
}

func (r *AirRadio) OnDisconnect(fn func(address string)) {
	r.mu.Lock()
	r.onDisconnect = fn
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Peripheral
// ---------------------------------------------------------------------------

func (r *AirRadio) AddService(ctx context.Context, service uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[service]; !ok {
		r.services[service] = make(map[uuid.UUID]*adapter.Characteristic)
	}
	return nil
}

func (r *AirRadio) AddCharacteristic(ctx context.Context, service uuid.UUID, ch adapter.Characteristic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	chars, ok := r.services[service]
	if !ok {
		return fmt.Errorf("add characteristic: unknown service %s", service)
	}
	c := ch
	chars[ch.UUID] = &c
	return nil
}

func (r *AirRadio) SetValue(ctx context.Context, service, char uuid.UUID, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.services[service][char]
	if !ok {
		return fmt.Errorf("%w: %s", adapter.ErrUnknownCharacteristic, char)
	}
	ch.Value = value
	return nil
}

func (r *AirRadio) OnWrite(fn func(central string, char uuid.UUID, value string)) {
	r.mu.Lock()
	r.onWrite = fn
	r.mu.Unlock()
}

func (r *AirRadio) OnSubscribe(fn func(central string, char uuid.UUID)) {
	r.mu.Lock()
	r.onSubscribe = fn
	r.mu.Unlock()
}

func (r *AirRadio) OnUnsubscribe(fn func(central string, char uuid.UUID)) {
	r.mu.Lock()
	r.onUnsubscribe = fn
	r.mu.Unlock()
}

func (r *AirRadio) Notify(ctx context.Context, central string, service, char uuid.UUID, value string) error {
	l := r.linkTo(central, false)
	if l == nil {
		return adapter.ErrNotSubscribed
	}
	l.mu.Lock()
	subscribed := l.subscribed
	l.mu.Unlock()
	if !subscribed {
		return adapter.ErrNotSubscribed
	}
	return l.tr.Send(ctx, &Frame{Op: OpNotify, Service: service.String(), Char: char.String(), Value: value})
}

func (r *AirRadio) StartAdvertising(ctx context.Context, opts adapter.AdvertiseOptions) error {
	if r.State() != adapter.StatePoweredOn {
		return adapter.ErrRadioPoweredOff
	}
	services := make([]string, 0, len(opts.ServiceUUIDs))
	for _, s := range opts.ServiceUUIDs {
		services = append(services, s.String())
	}
	if err := r.sig.Advertise(opts.LocalName, services); err != nil {
		return err
	}
	r.mu.Lock()
	r.advertising = true
	r.mu.Unlock()
	return nil
}

func (r *AirRadio) StopAdvertising() error {
	r.mu.Lock()
	was := r.advertising
	r.advertising = false
	r.mu.Unlock()
	if !was {
		return nil
	}
	return r.sig.Unadvertise()
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

func (r *AirRadio) handleFrame(l *link, f *Frame) {
	if !l.central {
		// A request can beat the local open callback.
		r.establish(l)
	}
	switch f.Op {
	case OpNotify:
		l.mu.Lock()
		fn := l.onValue
		l.mu.Unlock()
		if fn != nil {
			fn(f.Value)
		}

	case OpReadResponse, OpDiscoverResponse:
		r.mu.Lock()
		ch := r.requests[f.ID]
		r.mu.Unlock()
		if ch != nil {
			select {
			case ch <- f:
			default:
			}
		}

	case OpWrite:
		char, ok := r.characteristic(f, adapter.PropWrite|adapter.PropWriteWithoutResponse)
		if !ok {
			util.LogPeer(l.address, "write to unknown characteristic %s", f.Char)
			return
		}
		r.mu.Lock()
		fn := r.onWrite
		r.mu.Unlock()
		if fn != nil {
			fn(l.address, char, f.Value)
		}

	case OpSubscribe, OpUnsubscribe:
		char, ok := r.characteristic(f, adapter.PropNotify)
		if !ok {
			util.LogPeer(l.address, "%s on unknown characteristic %s", f.Op, f.Char)
			return
		}
		l.mu.Lock()
		l.subscribed = f.Op == OpSubscribe
		l.mu.Unlock()
		r.mu.Lock()
		fn := r.onSubscribe
		if f.Op == OpUnsubscribe {
			fn = r.onUnsubscribe
		}
		r.mu.Unlock()
		if fn != nil {
			fn(l.address, char)
		}

	case OpRead:
		resp := &Frame{Op: OpReadResponse, ID: f.ID}
		char, ok := r.characteristic(f, adapter.PropRead)
		if ok {
			r.mu.Lock()
			resp.Value = r.services[uuid.MustParse(f.Service)][char].Value
			r.mu.Unlock()
		} else {
			resp.Err = "unknown characteristic " + f.Char
		}
		r.reply(l, resp)

	case OpDiscover:
		r.mu.Lock()
		resp := &Frame{Op: OpDiscoverResponse, ID: f.ID}
		for s := range r.services {
			resp.Services = append(resp.Services, s.String())
		}
		r.mu.Unlock()
		slices.Sort(resp.Services)
		r.reply(l, resp)
	}
}

// characteristic resolves the frame's target and checks it has one of props.
func (r *AirRadio) characteristic(f *Frame, props adapter.Property) (uuid.UUID, bool) {
	service, err := uuid.Parse(f.Service)
	if err != nil {
		return uuid.Nil, false
	}
	char, err := uuid.Parse(f.Char)
	if err != nil {
		return uuid.Nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.services[service][char]
	if !ok || ch.Properties&props == 0 {
		return uuid.Nil, false
	}
	return char, true
}

func (r *AirRadio) reply(l *link, f *Frame) {
	if err := l.tr.Send(r.ctx, f); err != nil {
		util.LogPeer(l.address, "%s not sent: %v", f.Op, err)
	}
}
