package mesh_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/meshlink/internal/adapter"
	"github.com/1ureka/meshlink/internal/mesh"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/util"
)

func init() {
	util.DisableOutput()
}

// scriptedDialer fails for addresses in fail and succeeds otherwise. When
// gate is set, Connect blocks until it is closed.
type scriptedDialer struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
	gate  chan struct{}
}

func newDialer(failing ...string) *scriptedDialer {
	d := &scriptedDialer{fail: map[string]bool{}, calls: map[string]int{}}
	for _, a := range failing {
		d.fail[a] = true
	}
	return d
}

func (d *scriptedDialer) Connect(ctx context.Context, address string) adapter.Result {
	d.mu.Lock()
	d.calls[address]++
	gate, fail := d.gate, d.fail[address]
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return adapter.Result{Address: address, Kind: adapter.KindTimeout, Err: adapter.ErrConnectTimeout}
	}
	return adapter.Result{Address: address}
}

func (d *scriptedDialer) setFail(address string, fail bool) {
	d.mu.Lock()
	d.fail[address] = fail
	d.mu.Unlock()
}

func (d *scriptedDialer) count(address string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[address]
}

func named(addr string) adapter.Device   { return adapter.Device{Address: addr, Name: "peer-" + addr} }
func unnamed(addr string) adapter.Device { return adapter.Device{Address: addr} }

func testPeer(id string) protocol.Peer { return protocol.Peer{ID: []byte(id)} }

func always(v float64) func() float64 { return func() float64 { return v } }

func newManager(d mesh.Dialer, rnd func() float64) *mesh.Manager {
	return mesh.New("SELF", d, mesh.Options{MaxAttempts: 2, UnnamedConnectProbability: 0.1, Rand: rnd})
}

// discover feeds one discovery and waits for the resulting attempt.
func discover(m *mesh.Manager, d adapter.Device) mesh.Decision {
	dec := m.HandleDiscovery(context.Background(), d)
	m.Wait()
	return dec
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestBlacklistAfterTwoFailures(t *testing.T) {
	d := newDialer("X")
	m := newManager(d, always(0.99))

	assert.Equal(t, mesh.ConnectNamed, discover(m, named("X")))
	assert.Equal(t, 1, m.Attempts("X"))
	assert.False(t, m.Blacklisted("X"))

	assert.Equal(t, mesh.ConnectNamed, discover(m, named("X")))
	assert.Equal(t, 2, m.Attempts("X"))
	assert.True(t, m.Blacklisted("X"))

	assert.Equal(t, mesh.IgnoreBlacklisted, discover(m, named("X")))
	assert.Equal(t, 2, d.count("X"), "blacklisted address must not be dialed")
}

func TestKnownPeerNeverBlacklisted(t *testing.T) {
	d := newDialer()
	m := newManager(d, always(0.99))

	require.Equal(t, mesh.ConnectNamed, discover(m, named("Y")))
	require.True(t, m.Connected("Y"))
	require.True(t, m.Known("Y"))

	m.Disconnected("Y")
	d.setFail("Y", true)

	for i := 1; i <= 5; i++ {
		assert.Equal(t, mesh.ConnectKnown, discover(m, unnamed("Y")), "attempt %d", i)
		assert.Equal(t, i, m.Attempts("Y"))
		assert.False(t, m.Blacklisted("Y"))
	}

	d.setFail("Y", false)
	assert.Equal(t, mesh.ConnectKnown, discover(m, unnamed("Y")))
	assert.True(t, m.Connected("Y"))
	assert.Equal(t, 0, m.Attempts("Y"), "success resets the counter")
	assert.Equal(t, 7, d.count("Y"))
}

func TestPendingIsExclusive(t *testing.T) {
	d := newDialer()
	d.gate = make(chan struct{})
	m := newManager(d, always(0.99))
	ctx := context.Background()

	assert.Equal(t, mesh.ConnectNamed, m.HandleDiscovery(ctx, named("Z")))
	assert.True(t, m.Pending("Z"))
	assert.False(t, m.Connected("Z"))

	for range 10 {
		assert.Equal(t, mesh.Ignore, m.HandleDiscovery(ctx, named("Z")))
	}

	close(d.gate)
	m.Wait()

	assert.Equal(t, 1, d.count("Z"))
	assert.False(t, m.Pending("Z"))
	assert.True(t, m.Connected("Z"))
	assert.Equal(t, mesh.Ignore, discover(m, named("Z")), "connected address is ignored")
}

func TestConcurrentDiscoveryDialsOnce(t *testing.T) {
	d := newDialer()
	d.gate = make(chan struct{})
	m := newManager(d, always(0.99))
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.HandleDiscovery(ctx, named("C"))
		}()
	}
	wg.Wait()
	close(d.gate)
	m.Wait()

	assert.Equal(t, 1, d.count("C"))
}

func TestUnnamedProbability(t *testing.T) {
	tests := []struct {
		name string
		roll float64
		want mesh.Decision
	}{
		{"below threshold", 0.05, mesh.ConnectUnnamed},
		{"at threshold", 0.1, mesh.SkipUnnamed},
		{"above threshold", 0.5, mesh.SkipUnnamed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDialer()
			m := newManager(d, always(tt.roll))
			assert.Equal(t, tt.want, discover(m, unnamed("U")))
			assert.Equal(t, tt.want.Connects(), d.count("U") == 1)
		})
	}
}

func TestUnnamedSampling(t *testing.T) {
	// A fixed sequence of rolls: one in ten falls under 0.1.
	rolls := []float64{0.5, 0.2, 0.05, 0.9, 0.3, 0.7, 0.15, 0.4, 0.8, 0.6}
	i := 0
	next := func() float64 { v := rolls[i%len(rolls)]; i++; return v }

	d := newDialer("U")
	m := mesh.New("SELF", d, mesh.Options{MaxAttempts: 1000, UnnamedConnectProbability: 0.1, Rand: next})

	connects := 0
	for range 100 {
		if discover(m, unnamed("U")).Connects() {
			connects++
		}
	}
	assert.Equal(t, 10, connects)
}

func TestIgnoresSelfAndEmpty(t *testing.T) {
	d := newDialer()
	m := newManager(d, always(0))
	assert.Equal(t, mesh.Ignore, discover(m, named("SELF")))
	assert.Equal(t, mesh.Ignore, discover(m, adapter.Device{Name: "no address"}))
	assert.Equal(t, 0, d.count("SELF"))
}

func TestMarkKnownLiftsBlacklist(t *testing.T) {
	d := newDialer("X")
	m := newManager(d, always(0.99))
	discover(m, named("X"))
	discover(m, named("X"))
	require.True(t, m.Blacklisted("X"))

	// X reached us as central and completed a handshake.
	m.MarkKnown("X")
	assert.False(t, m.Blacklisted("X"))
	assert.Equal(t, mesh.ConnectKnown, discover(m, named("X")))
	assert.False(t, m.Blacklisted("X"), "known peers stay off the blacklist")
}

func TestIncomingSet(t *testing.T) {
	m := newManager(newDialer(), always(0.99))
	m.IncomingConnected("B")
	m.IncomingConnected("A")
	assert.True(t, m.Incoming("A"))
	assert.Equal(t, []string{"A", "B"}, m.IncomingPeers())
	assert.Empty(t, m.Outgoing())

	m.IncomingDisconnected("A")
	assert.False(t, m.Incoming("A"))
	assert.Equal(t, []string{"B"}, m.IncomingPeers())
}

func TestOnConnectedRunsAfterSuccess(t *testing.T) {
	m := newManager(newDialer("F"), always(0.99))
	got := make(chan string, 4)
	m.OnConnected(func(_ context.Context, address string) { got <- address })

	discover(m, named("OK"))
	discover(m, named("F"))

	select {
	case addr := <-got:
		assert.Equal(t, "OK", addr)
	case <-time.After(time.Second):
		t.Fatal("post-connect hook not called")
	}
	assert.Empty(t, got)
	assert.Equal(t, []string{"OK"}, m.Outgoing())
}

// droppingDialer succeeds, but the link is reported lost before the result
// reaches the manager.
type droppingDialer struct {
	m     *mesh.Manager
	calls int
}

func (d *droppingDialer) Connect(_ context.Context, address string) adapter.Result {
	d.calls++
	if d.calls == 1 {
		d.m.Disconnected(address)
	}
	return adapter.Result{Address: address}
}

func TestDisconnectDuringAttemptAllowsRetry(t *testing.T) {
	d := &droppingDialer{}
	m := newManager(d, always(0.99))
	d.m = m
	hooked := 0
	m.OnConnected(func(context.Context, string) { hooked++ })

	assert.Equal(t, mesh.ConnectNamed, discover(m, named("Y")))
	assert.False(t, m.Connected("Y"))
	assert.True(t, m.Known("Y"))
	assert.Equal(t, 0, hooked)

	assert.Equal(t, mesh.ConnectKnown, discover(m, named("Y")))
	assert.Equal(t, 2, d.calls)
	assert.True(t, m.Connected("Y"))
	assert.Equal(t, 1, hooked)

	m.Disconnected("Y")
	assert.Equal(t, mesh.ConnectKnown, discover(m, named("Y")))
}

func TestStartScansForService(t *testing.T) {
	air := adapter.NewAir()
	local := adapter.New(air.NewRadio("L"), adapter.Options{ConnectTimeout: time.Second})
	remote := adapter.New(air.NewRadio("R"), adapter.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, remote.StartAdvertising(ctx, testPeer("R"), adapter.AdvertiseOptions{LocalName: "remote"}))

	m := mesh.New(local.Address(), local, mesh.Options{MaxAttempts: 2, UnnamedConnectProbability: 0.1})
	connected := make(chan string, 1)
	m.OnConnected(func(_ context.Context, address string) { connected <- address })
	require.NoError(t, m.Start(ctx, local))

	select {
	case addr := <-connected:
		assert.Equal(t, "R", addr)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection from scan")
	}
	assert.True(t, local.Connected("R"))
}

// recordingScanner keeps the options of the last StartScanning call.
type recordingScanner struct {
	opts adapter.ScanOptions
	fn   func(adapter.Device)
}

func (s *recordingScanner) StartScanning(_ context.Context, onFound func(adapter.Device), opts adapter.ScanOptions) error {
	s.opts, s.fn = opts, onFound
	return nil
}

func TestStartScansUnfilteredByDefault(t *testing.T) {
	d := newDialer("N")
	m := newManager(d, always(0.05))
	s := &recordingScanner{}
	require.NoError(t, m.Start(context.Background(), s))
	assert.Empty(t, s.opts.ServiceUUIDs)

	// Devices without the mesh service still go through the decision order.
	s.fn(named("N"))
	m.Wait()
	s.fn(unnamed("U"))
	m.Wait()
	assert.Equal(t, 1, d.count("N"))
	assert.Equal(t, 1, d.count("U"))
	assert.True(t, m.Connected("U"))

	s.fn(named("N"))
	m.Wait()
	assert.True(t, m.Blacklisted("N"))
}

func TestStartServiceOnly(t *testing.T) {
	m := mesh.New("SELF", newDialer(), mesh.Options{ServiceOnly: true})
	s := &recordingScanner{}
	require.NoError(t, m.Start(context.Background(), s))
	assert.Equal(t, []uuid.UUID{adapter.ServiceUUID}, s.opts.ServiceUUIDs)
}
