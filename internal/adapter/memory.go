package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Air is an in-process radio medium. Radios created on the same Air can
// discover, connect to and exchange characteristic values with each other.
// Every callback is invoked synchronously from the caller's goroutine, which
// makes event order deterministic in tests.
type Air struct {
	mu       sync.Mutex
	radios   map[string]*MemoryRadio
	connects map[string]func(ctx context.Context) error
}

// NewAir returns an empty medium.
func NewAir() *Air {
	return &Air{
		radios:   make(map[string]*MemoryRadio),
		connects: make(map[string]func(ctx context.Context) error),
	}
}

// NewRadio attaches a powered-on radio with the given address.
func (air *Air) NewRadio(address string) *MemoryRadio {
	r := &MemoryRadio{
		air:      air,
		address:  address,
		state:    StatePoweredOn,
		links:    make(map[string]bool),
		subs:     make(map[string]func(string)),
		services: make(map[uuid.UUID]map[uuid.UUID]*Characteristic),
		centrals: make(map[string]bool),
		failures: make(map[string]error),
	}
	air.mu.Lock()
	air.radios[address] = r
	air.mu.Unlock()
	return r
}

func (air *Air) radio(address string) *MemoryRadio {
	air.mu.Lock()
	defer air.mu.Unlock()
	return air.radios[address]
}

func (air *Air) others(self string) []*MemoryRadio {
	air.mu.Lock()
	defer air.mu.Unlock()
	out := make([]*MemoryRadio, 0, len(air.radios))
	for addr, r := range air.radios {
		if addr != self {
			out = append(out, r)
		}
	}
	return out
}

// OnConnect installs a hook run by every connection attempt towards target.
// A non-nil error fails the attempt; a hook that blocks until ctx is done
// simulates an unresponsive device.
func (air *Air) OnConnect(target string, fn func(ctx context.Context) error) {
	air.mu.Lock()
	defer air.mu.Unlock()
	if fn == nil {
		delete(air.connects, target)
		return
	}
	air.connects[target] = fn
}

// Discover replays a discovery event on the scanner radio, as if d had just
// been heard. It reports false when the scanner is not scanning.
func (air *Air) Discover(scanner string, d Device) bool {
	r := air.radio(scanner)
	if r == nil {
		return false
	}
	r.mu.Lock()
	fn := r.onFound
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(d)
	return true
}

// Sever drops the link from central to peripheral as if it went out of range.
func (air *Air) Sever(central, peripheral string) {
	if r := air.radio(central); r != nil {
		_ = r.Disconnect(peripheral)
	}
}

// ---------------------------------------------------------------------------
// MemoryRadio
// ---------------------------------------------------------------------------

// MemoryRadio implements Radio on an Air.
type MemoryRadio struct {
	air     *Air
	address string

	mu       sync.Mutex
	state    State
	closed   bool
	failures map[string]error // operation name -> injected error

	onState      []func(State)
	onDisconnect func(string)
	onFound      func(Device)

	// central side
	links map[string]bool         // connected peripheral -> services discovered
	subs  map[string]func(string) // peripheral -> notification callback

	// peripheral side
	services      map[uuid.UUID]map[uuid.UUID]*Characteristic
	advertising   bool
	advert        AdvertiseOptions
	centrals      map[string]bool // subscribed centrals
	onWrite       func(string, uuid.UUID, string)
	onSubscribe   func(string, uuid.UUID)
	onUnsubscribe func(string, uuid.UUID)
}

var _ Radio = (*MemoryRadio)(nil)

// Operation names accepted by FailOn.
const (
	OpScan              = "scan"
	OpAddService        = "add-service"
	OpAddCharacteristic = "add-characteristic"
	OpSetValue          = "set-value"
	OpAdvertise         = "advertise"
	OpWrite             = "write"
	OpNotify            = "notify"
	OpSubscribe         = "subscribe"
)

// FailOn makes every later call of op return err; nil clears it.
func (r *MemoryRadio) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, op)
		return
	}
	r.failures[op] = err
}

func (r *MemoryRadio) fail(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%s: radio closed", op)
	}
	return r.failures[op]
}

// SetState changes the radio state and notifies observers.
func (r *MemoryRadio) SetState(s State) {
	r.mu.Lock()
	r.state = s
	fns := append([]func(State){}, r.onState...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (r *MemoryRadio) Address() string { return r.address }

func (r *MemoryRadio) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *MemoryRadio) OnStateChange(fn func(State)) {
	r.mu.Lock()
	r.onState = append(r.onState, fn)
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Central
// ---------------------------------------------------------------------------

func (r *MemoryRadio) Scan(ctx context.Context, opts ScanOptions, onFound func(Device)) error {
	if err := r.fail(OpScan); err != nil {
		return err
	}
	r.mu.Lock()
	r.onFound = onFound
	r.mu.Unlock()

	go func() {
		for _, other := range r.air.others(r.address) {
			if d, ok := other.advertisement(); ok && matches(d, opts) {
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

func matches(d Device, opts ScanOptions) bool {
	if len(opts.ServiceUUIDs) == 0 {
		return true
	}
	for _, want := range opts.ServiceUUIDs {
		for _, have := range d.ServiceUUIDs {
			if want == have {
				return true
			}
		}
	}
	return false
}

func (r *MemoryRadio) advertisement() (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.advertising {
		return Device{}, false
	}
	return Device{
		Address:      r.address,
		Name:         r.advert.LocalName,
		RSSI:         -50,
		ServiceUUIDs: append([]uuid.UUID(nil), r.advert.ServiceUUIDs...),
	}, true
}

func (r *MemoryRadio) Connect(ctx context.Context, address string) error {
	r.air.mu.Lock()
	hook := r.air.connects[address]
	r.air.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	target := r.air.radio(address)
	if target == nil {
		return fmt.Errorf("%w: %s out of range", ErrConnectFailed, address)
	}
	if _, ok := target.advertisement(); !ok {
		return fmt.Errorf("%w: %s not connectable", ErrConnectFailed, address)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.links[address] = false
	r.mu.Unlock()
	return nil
}

func (r *MemoryRadio) DiscoverServices(ctx context.Context, address string) error {
	target := r.air.radio(address)
	if target == nil || !r.linked(address) {
		return ErrNotConnected
	}
	target.mu.Lock()
	_, ok := target.services[ServiceUUID]
	target.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s has no mesh service", ErrConnectFailed, address)
	}
	r.mu.Lock()
	r.links[address] = true
	r.mu.Unlock()
	return nil
}

func (r *MemoryRadio) linked(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.links[address]
	return ok
}

func (r *MemoryRadio) remoteChar(address string, service, char uuid.UUID, need Property) (*MemoryRadio, *Characteristic, error) {
	if !r.linked(address) {
		return nil, nil, ErrNotConnected
	}
	target := r.air.radio(address)
	if target == nil {
		return nil, nil, ErrNotConnected
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	ch, ok := target.services[service][char]
	if !ok || ch.Properties&need == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCharacteristic, char)
	}
	return target, ch, nil
}

func (r *MemoryRadio) Read(ctx context.Context, address string, service, char uuid.UUID) (string, error) {
	target, ch, err := r.remoteChar(address, service, char, PropRead)
	if err != nil {
		return "", err
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	return ch.Value, nil
}

func (r *MemoryRadio) Write(ctx context.Context, address string, service, char uuid.UUID, value string) error {
	if err := r.fail(OpWrite); err != nil {
		return err
	}
	target, _, err := r.remoteChar(address, service, char, PropWrite|PropWriteWithoutResponse)
	if err != nil {
		return err
	}
	target.mu.Lock()
	fn := target.onWrite
	target.mu.Unlock()
	if fn != nil {
		fn(r.address, char, value)
	}
	return nil
}

func (r *MemoryRadio) Subscribe(ctx context.Context, address string, service, char uuid.UUID, onValue func(string)) error {
	if err := r.fail(OpSubscribe); err != nil {
		return err
	}
	target, _, err := r.remoteChar(address, service, char, PropNotify)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.subs[address] = onValue
	r.mu.Unlock()

	target.mu.Lock()
	target.centrals[r.address] = true
	fn := target.onSubscribe
	target.mu.Unlock()
	if fn != nil {
		fn(r.address, char)
	}
	return nil
}

func (r *MemoryRadio) Disconnect(address string) error {
	r.mu.Lock()
	_, ok := r.links[address]
	delete(r.links, address)
	delete(r.subs, address)
	down := r.onDisconnect
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if target := r.air.radio(address); target != nil {
		target.mu.Lock()
		subscribed := target.centrals[r.address]
		delete(target.centrals, r.address)
		unsub := target.onUnsubscribe
		target.mu.Unlock()
		if subscribed && unsub != nil {
			unsub(r.address, NotifyCharUUID)
		}
	}
	if down != nil {
		down(address)
	}
	return nil
}

func (r *MemoryRadio) OnDisconnect(fn func(address string)) {
	r.mu.Lock()
	r.onDisconnect = fn
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Peripheral
// ---------------------------------------------------------------------------

func (r *MemoryRadio) AddService(ctx context.Context, service uuid.UUID) error {
	if err := r.fail(OpAddService); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[service]; !ok {
		r.services[service] = make(map[uuid.UUID]*Characteristic)
	}
	return nil
}

func (r *MemoryRadio) AddCharacteristic(ctx context.Context, service uuid.UUID, ch Characteristic) error {
	if err := r.fail(OpAddCharacteristic); err != nil {
		return err
	}
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

func (r *MemoryRadio) SetValue(ctx context.Context, service, char uuid.UUID, value string) error {
	if err := r.fail(OpSetValue); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.services[service][char]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCharacteristic, char)
	}
	ch.Value = value
	return nil
}

func (r *MemoryRadio) OnWrite(fn func(central string, char uuid.UUID, value string)) {
	r.mu.Lock()
	r.onWrite = fn
	r.mu.Unlock()
}

func (r *MemoryRadio) OnSubscribe(fn func(central string, char uuid.UUID)) {
	r.mu.Lock()
	r.onSubscribe = fn
	r.mu.Unlock()
}

func (r *MemoryRadio) OnUnsubscribe(fn func(central string, char uuid.UUID)) {
	r.mu.Lock()
	r.onUnsubscribe = fn
	r.mu.Unlock()
}

func (r *MemoryRadio) Notify(ctx context.Context, central string, service, char uuid.UUID, value string) error {
	if err := r.fail(OpNotify); err != nil {
		return err
	}
	r.mu.Lock()
	subscribed := r.centrals[central]
	r.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}

	c := r.air.radio(central)
	if c == nil {
		return ErrNotSubscribed
	}
	c.mu.Lock()
	fn := c.subs[r.address]
	c.mu.Unlock()
	if fn != nil {
		fn(value)
	}
	return nil
}

func (r *MemoryRadio) StartAdvertising(ctx context.Context, opts AdvertiseOptions) error {
	if err := r.fail(OpAdvertise); err != nil {
		return err
	}
	r.mu.Lock()
	r.advertising = true
	r.advert = opts
	r.mu.Unlock()

	d, _ := r.advertisement()
	for _, other := range r.air.others(r.address) {
		other.mu.Lock()
		fn := other.onFound
		other.mu.Unlock()
		if fn != nil {
			fn(d)
		}
	}
	return nil
}

func (r *MemoryRadio) StopAdvertising() error {
	r.mu.Lock()
	r.advertising = false
	r.mu.Unlock()
	return nil
}

// Close drops every link in both directions and detaches from the Air.
func (r *MemoryRadio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.advertising = false
	peers := make([]string, 0, len(r.links))
	for addr := range r.links {
		peers = append(peers, addr)
	}
	r.mu.Unlock()

	for _, addr := range peers {
		_ = r.Disconnect(addr)
	}
	for _, other := range r.air.others(r.address) {
		if other.linked(r.address) {
			_ = other.Disconnect(r.address)
		}
	}

	r.air.mu.Lock()
	delete(r.air.radios, r.address)
	r.air.mu.Unlock()
	return nil
}
