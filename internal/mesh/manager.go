// Package mesh decides which discovered devices to connect to and tracks
// per-address connection attempts, the known-peer set and the blacklist.
package mesh

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/meshlink/internal/adapter"
	"github.com/1ureka/meshlink/internal/util"
)

// Dialer makes one bounded connection attempt. *adapter.Adapter satisfies it.
type Dialer interface {
	Connect(ctx context.Context, address string) adapter.Result
}

// Scanner starts continuous discovery. *adapter.Adapter satisfies it.
type Scanner interface {
	StartScanning(ctx context.Context, onFound func(adapter.Device), opts adapter.ScanOptions) error
}

// Decision is the outcome of evaluating one discovery event.
type Decision uint8

const (
	Ignore Decision = iota
	IgnoreBlacklisted
	ConnectKnown
	ConnectNamed
	ConnectUnnamed
	SkipUnnamed // lost the coin toss
)

func (d Decision) String() string {
	switch d {
	case IgnoreBlacklisted:
		return "blacklisted"
	case ConnectKnown:
		return "known"
	case ConnectNamed:
		return "named"
	case ConnectUnnamed:
		return "unnamed"
	case SkipUnnamed:
		return "skip-unnamed"
	}
	return "ignore"
}

// Connects reports whether the decision leads to a connection attempt.
func (d Decision) Connects() bool {
	return d == ConnectKnown || d == ConnectNamed || d == ConnectUnnamed
}

// Options tunes the retry policy.
type Options struct {
	MaxAttempts               int
	UnnamedConnectProbability float64
	// ServiceOnly restricts scanning to devices advertising the mesh
	// service. Off by default, so named and unnamed devices are sampled.
	ServiceOnly bool
	// Rand returns a float in [0,1). Defaults to math/rand/v2.Float64.
	Rand func() float64
}

// ConnectedHandler runs after a successful connect, on the attempt's
// goroutine. Errors it hits are its own to log.
type ConnectedHandler func(ctx context.Context, address string)

type entry struct {
	attempts    int
	pending     bool
	dropped     bool // disconnect seen while pending
	connected   bool
	known       bool
	blacklisted bool
}

// Manager is the connection and discovery state machine.
type Manager struct {
	self   string
	dialer Dialer
	opts   Options

	mu          sync.Mutex
	entries     map[string]*entry
	incoming    map[string]struct{}
	onConnected ConnectedHandler

	wg sync.WaitGroup
}

// New creates a manager for the local radio address self.
func New(self string, dialer Dialer, opts Options) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 2
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Manager{
		self:     self,
		dialer:   dialer,
		opts:     opts,
		entries:  make(map[string]*entry),
		incoming: make(map[string]struct{}),
	}
}

// OnConnected registers the post-connect hook.
func (m *Manager) OnConnected(fn ConnectedHandler) {
	m.mu.Lock()
	m.onConnected = fn
	m.mu.Unlock()
}

// Start begins scanning and feeds every discovery into HandleDiscovery.
func (m *Manager) Start(ctx context.Context, scanner Scanner) error {
	var opts adapter.ScanOptions
	if m.opts.ServiceOnly {
		opts.ServiceUUIDs = []uuid.UUID{adapter.ServiceUUID}
	}
	return scanner.StartScanning(ctx, func(d adapter.Device) {
		m.HandleDiscovery(ctx, d)
	}, opts)
}

// HandleDiscovery evaluates a discovery event and, when it decides to
// connect, marks the address pending and dials it on a new goroutine.
func (m *Manager) HandleDiscovery(ctx context.Context, d adapter.Device) Decision {
	m.mu.Lock()
	dec := m.evaluate(d)
	if dec.Connects() {
		e := m.entry(d.Address)
		e.pending = true
		e.dropped = false
	}
	m.mu.Unlock()

	if !dec.Connects() {
		return dec
	}
	util.LogPeer(d.Address, "connecting (%s, name=%q, rssi=%d)", dec, d.Name, d.RSSI)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.attempt(ctx, d.Address)
	}()
	return dec
}

// evaluate runs the decision order. Callers hold mu.
func (m *Manager) evaluate(d adapter.Device) Decision {
	if d.Address == "" || d.Address == m.self {
		return Ignore
	}
	e := m.entries[d.Address]
	if e != nil {
		if e.connected || e.pending {
			return Ignore
		}
		if e.blacklisted {
			return IgnoreBlacklisted
		}
		if e.known {
			return ConnectKnown
		}
	}
	if d.Named() {
		return ConnectNamed
	}
	if m.opts.Rand() < m.opts.UnnamedConnectProbability {
		return ConnectUnnamed
	}
	return SkipUnnamed
}

func (m *Manager) attempt(ctx context.Context, address string) {
	res := m.dialer.Connect(ctx, address)

	m.mu.Lock()
	e := m.entry(address)
	e.pending = false
	lost := res.OK() && e.dropped
	e.dropped = false
	if res.OK() {
		e.attempts = 0
		e.known = true
		e.connected = !lost
	} else {
		e.attempts++
		if !e.known && e.attempts >= m.opts.MaxAttempts {
			e.blacklisted = true
		}
	}
	attempts, blacklisted, fn := e.attempts, e.blacklisted, m.onConnected
	m.mu.Unlock()

	if !res.OK() {
		util.LogPeer(address, "connect failed (%s, attempt %d): %v", res.Kind, attempts, res.Err)
		if blacklisted {
			util.Stats.AddBlacklisted()
			util.LogWarning("blacklisted %s after %d failed attempts", address, attempts)
		}
		return
	}
	if lost {
		util.LogPeer(address, "link dropped before it was recorded, will retry on next discovery")
		return
	}
	if fn != nil {
		fn(ctx, address)
	}
}

// Disconnected records that the outgoing link to address dropped. Known
// peers stay eligible and reconnect on their next discovery. A disconnect
// that races an attempt still in flight is held against that attempt.
func (m *Manager) Disconnected(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[address]; ok {
		e.connected = false
		if e.pending {
			e.dropped = true
		}
	}
}

// IncomingConnected records a remote central subscribing to us.
func (m *Manager) IncomingConnected(address string) {
	m.mu.Lock()
	m.incoming[address] = struct{}{}
	m.mu.Unlock()
}

// IncomingDisconnected removes address from the incoming set.
func (m *Manager) IncomingDisconnected(address string) {
	m.mu.Lock()
	delete(m.incoming, address)
	m.mu.Unlock()
}

// MarkKnown makes address a known mesh peer, lifting any blacklist entry.
func (m *Manager) MarkKnown(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(address)
	e.known = true
	e.blacklisted = false
	e.attempts = 0
}

// Wait blocks until every in-flight connection attempt has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Attempts returns the consecutive failure count for address.
func (m *Manager) Attempts(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[address]; ok {
		return e.attempts
	}
	return 0
}

func (m *Manager) Pending(address string) bool {
	return m.check(address, func(e *entry) bool { return e.pending })
}

func (m *Manager) Connected(address string) bool {
	return m.check(address, func(e *entry) bool { return e.connected })
}

func (m *Manager) Known(address string) bool {
	return m.check(address, func(e *entry) bool { return e.known })
}

func (m *Manager) Blacklisted(address string) bool {
	return m.check(address, func(e *entry) bool { return e.blacklisted })
}

// Incoming reports whether address is connected to us as central.
func (m *Manager) Incoming(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.incoming[address]
	return ok
}

// Outgoing lists addresses with an outgoing link, sorted.
func (m *Manager) Outgoing() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for addr, e := range m.entries {
		if e.connected {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// IncomingPeers lists addresses connected to us as central, sorted.
func (m *Manager) IncomingPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.incoming))
	for addr := range m.incoming {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) check(address string, fn func(*entry) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[address]
	return ok && fn(e)
}

// entry returns the state for address, creating it. Callers hold mu.
func (m *Manager) entry(address string) *entry {
	e, ok := m.entries[address]
	if !ok {
		e = &entry{}
		m.entries[address] = e
	}
	return e
}
