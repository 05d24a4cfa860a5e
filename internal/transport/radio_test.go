package transport_test

import (
	"context"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/meshlink/internal/adapter"
	"github.com/1ureka/meshlink/internal/signaling"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

func init() {
	util.DisableOutput()
}

const pin = "424242"

func startHub(t *testing.T) string {
	t.Helper()
	hub := signaling.NewHub(pin)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialRadio(t *testing.T, url, address string) *transport.AirRadio {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := transport.Dial(ctx, url, pin, address, transport.Options{ICEServers: []string{}, Loopback: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRandomAddress(t *testing.T) {
	a := transport.RandomAddress()
	assert.Regexp(t, regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`), a)
	assert.NotEqual(t, a, transport.RandomAddress())
}

func TestDialRejectsWrongPIN(t *testing.T) {
	url := startHub(t)
	_, err := transport.Dial(context.Background(), url, "000000", "", transport.Options{})
	assert.Error(t, err)
}

func TestConnectRequiresAdvertisement(t *testing.T) {
	url := startHub(t)
	a := dialRadio(t, url, "AA:AA")
	dialRadio(t, url, "BB:BB")

	err := a.Connect(context.Background(), "BB:BB")
	assert.ErrorIs(t, err, adapter.ErrConnectFailed)
}

// TestAirLinkCarriesGATT drives a full central/peripheral exchange over a
// real WebRTC loopback link.
func TestAirLinkCarriesGATT(t *testing.T) {
	if testing.Short() {
		t.Skip("WebRTC loopback link")
	}
	url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	central := dialRadio(t, url, "AA:AA")
	periph := dialRadio(t, url, "BB:BB")

	require.NoError(t, periph.AddService(ctx, adapter.ServiceUUID))
	require.NoError(t, periph.AddCharacteristic(ctx, adapter.ServiceUUID, adapter.Characteristic{
		UUID: adapter.PeerInfoCharUUID, Properties: adapter.PropRead, Value: "info",
	}))
	require.NoError(t, periph.AddCharacteristic(ctx, adapter.ServiceUUID, adapter.Characteristic{
		UUID: adapter.WriteCharUUID, Properties: adapter.PropWrite,
	}))
	require.NoError(t, periph.AddCharacteristic(ctx, adapter.ServiceUUID, adapter.Characteristic{
		UUID: adapter.NotifyCharUUID, Properties: adapter.PropNotify,
	}))

	var mu sync.Mutex
	var written []string
	subscribed := make(chan string, 1)
	unsubscribed := make(chan string, 1)
	periph.OnWrite(func(c string, char uuid.UUID, v string) {
		mu.Lock()
		written = append(written, v)
		mu.Unlock()
	})
	periph.OnSubscribe(func(c string, char uuid.UUID) { subscribed <- c })
	periph.OnUnsubscribe(func(c string, char uuid.UUID) { unsubscribed <- c })

	require.NoError(t, periph.StartAdvertising(ctx, adapter.AdvertiseOptions{
		LocalName: "bob", ServiceUUIDs: []uuid.UUID{adapter.ServiceUUID},
	}))

	found := make(chan adapter.Device, 4)
	scanCtx, stopScan := context.WithCancel(ctx)
	defer stopScan()
	require.NoError(t, central.Scan(scanCtx, adapter.ScanOptions{ServiceUUIDs: []uuid.UUID{adapter.ServiceUUID}},
		func(d adapter.Device) { found <- d }))

	select {
	case d := <-found:
		assert.Equal(t, "BB:BB", d.Address)
		assert.Equal(t, "bob", d.Name)
	case <-ctx.Done():
		t.Fatal("advertisement not heard")
	}

	disconnected := make(chan string, 1)
	central.OnDisconnect(func(a string) { disconnected <- a })

	require.NoError(t, central.Connect(ctx, "BB:BB"))
	require.NoError(t, central.DiscoverServices(ctx, "BB:BB"))

	info, err := central.Read(ctx, "BB:BB", adapter.ServiceUUID, adapter.PeerInfoCharUUID)
	require.NoError(t, err)
	assert.Equal(t, "info", info)

	_, err = central.Read(ctx, "BB:BB", adapter.ServiceUUID, uuid.New())
	assert.ErrorIs(t, err, adapter.ErrUnknownCharacteristic)

	notified := make(chan string, 1)
	require.NoError(t, central.Subscribe(ctx, "BB:BB", adapter.ServiceUUID, adapter.NotifyCharUUID,
		func(v string) { notified <- v }))
	select {
	case c := <-subscribed:
		assert.Equal(t, "AA:AA", c)
	case <-ctx.Done():
		t.Fatal("subscribe not seen")
	}

	for _, v := range []string{"one", "two", "three"} {
		require.NoError(t, central.Write(ctx, "BB:BB", adapter.ServiceUUID, adapter.WriteCharUUID, v))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(written) == 3
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, written)
	mu.Unlock()

	require.NoError(t, periph.Notify(ctx, "AA:AA", adapter.ServiceUUID, adapter.NotifyCharUUID, "back"))
	select {
	case v := <-notified:
		assert.Equal(t, "back", v)
	case <-ctx.Done():
		t.Fatal("notification not delivered")
	}

	require.NoError(t, central.Disconnect("BB:BB"))
	assert.Equal(t, "BB:BB", <-disconnected)
	select {
	case c := <-unsubscribed:
		assert.Equal(t, "AA:AA", c)
	case <-ctx.Done():
		t.Fatal("peripheral did not see the link drop")
	}

	err = periph.Notify(ctx, "AA:AA", adapter.ServiceUUID, adapter.NotifyCharUUID, "late")
	assert.ErrorIs(t, err, adapter.ErrNotSubscribed)
}

func TestNotifyWithoutSubscriber(t *testing.T) {
	url := startHub(t)
	r := dialRadio(t, url, "AA:AA")
	err := r.Notify(context.Background(), "BB:BB", adapter.ServiceUUID, adapter.NotifyCharUUID, "x")
	assert.ErrorIs(t, err, adapter.ErrNotSubscribed)
}

func TestHubLossPowersOff(t *testing.T) {
	hub := signaling.NewHub(pin)
	srv := httptest.NewServer(hub.Handler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	r, err := transport.Dial(context.Background(), url, pin, "AA:AA", transport.Options{ICEServers: []string{}})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, adapter.StatePoweredOn, r.State())

	hub.Close()
	srv.Close()
	assert.Eventually(t, func() bool { return r.State() == adapter.StatePoweredOff },
		3*time.Second, 10*time.Millisecond)
}
