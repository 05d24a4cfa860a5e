package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/meshlink/internal/adapter"
)

func TestDevicePathRoundTrip(t *testing.T) {
	path := devicePath("hci0", "AA:BB:CC:DD:EE:FF")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), path)

	addr, ok := addressFromPath(path)
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", addr)

	addr, ok = addressFromPath(path + "/service0012/char0013")
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", addr)

	_, ok = addressFromPath("/org/bluez/hci0")
	assert.False(t, ok)
	_, ok = addressFromPath("/org/bluez/hci0/dev_short")
	assert.False(t, ok)
}

func TestDeviceFromProps(t *testing.T) {
	d, ok := deviceFromProps(map[string]dbus.Variant{
		"Address": dbus.MakeVariant("11:22:33:44:55:66"),
		"Name":    dbus.MakeVariant("alice"),
		"RSSI":    dbus.MakeVariant(int16(-71)),
		"UUIDs":   dbus.MakeVariant([]string{adapter.ServiceUUID.String(), "not-a-uuid"}),
	})
	require.True(t, ok)
	assert.Equal(t, "11:22:33:44:55:66", d.Address)
	assert.Equal(t, "alice", d.Name)
	assert.Equal(t, -71, d.RSSI)
	assert.Equal(t, []uuid.UUID{adapter.ServiceUUID}, d.ServiceUUIDs)

	d, ok = deviceFromProps(map[string]dbus.Variant{"Address": dbus.MakeVariant("11:22:33:44:55:66")})
	require.True(t, ok)
	assert.False(t, d.Named())

	_, ok = deviceFromProps(map[string]dbus.Variant{"Name": dbus.MakeVariant("ghost")})
	assert.False(t, ok)
}

func TestCharFlags(t *testing.T) {
	assert.Equal(t, []string{"read"}, charFlags(adapter.PropRead))
	assert.Equal(t, []string{"write", "write-without-response"},
		charFlags(adapter.PropWrite|adapter.PropWriteWithoutResponse))
	assert.Equal(t, []string{"read", "notify"}, charFlags(adapter.PropRead|adapter.PropNotify))
	assert.Empty(t, charFlags(0))
}

func TestMatches(t *testing.T) {
	d := adapter.Device{Address: "A", ServiceUUIDs: []uuid.UUID{adapter.ServiceUUID}}
	assert.True(t, matches(d, adapter.ScanOptions{}))
	assert.True(t, matches(d, adapter.ScanOptions{ServiceUUIDs: []uuid.UUID{adapter.ServiceUUID}}))
	assert.False(t, matches(d, adapter.ScanOptions{ServiceUUIDs: []uuid.UUID{uuid.New()}}))
}

func TestStateFromError(t *testing.T) {
	denied := dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied"}
	assert.Equal(t, adapter.StateUnauthorized, stateFromError(denied))
	assert.Equal(t, adapter.StateUnauthorized, stateFromError(&dbus.Error{Name: "org.bluez.Error.NotAuthorized"}))
	assert.Equal(t, adapter.StateUnsupported, stateFromError(dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"}))
}

func TestCallErrorPermission(t *testing.T) {
	for _, name := range []string{
		"org.freedesktop.DBus.Error.AccessDenied",
		"org.bluez.Error.NotPermitted",
		"org.bluez.Error.NotAuthorized",
	} {
		err := callError("StartDiscovery", &dbus.Error{Name: name})
		assert.ErrorIs(t, err, adapter.ErrPermissionDenied, name)
		assert.Equal(t, adapter.KindPermission, adapter.KindOf(err), name)
	}

	err := callError("RegisterAdvertisement", dbus.Error{Name: "org.bluez.Error.Failed"})
	assert.NotErrorIs(t, err, adapter.ErrPermissionDenied)
	assert.Equal(t, adapter.KindIO, adapter.KindOf(err))
	assert.ErrorContains(t, err, "RegisterAdvertisement failed")
}

func TestGattAppLayout(t *testing.T) {
	r := &Radio{outgoing: map[string]*remote{}, centrals: map[string]bool{}, subscribed: map[string]bool{}}
	r.app = newGattApp(r)

	require.NoError(t, r.AddService(t.Context(), adapter.ServiceUUID))
	require.NoError(t, r.AddService(t.Context(), adapter.ServiceUUID), "adding twice is a no-op")
	require.NoError(t, r.AddCharacteristic(t.Context(), adapter.ServiceUUID, adapter.Characteristic{
		UUID: adapter.PeerInfoCharUUID, Properties: adapter.PropRead, Value: "info",
	}))
	require.NoError(t, r.AddCharacteristic(t.Context(), adapter.ServiceUUID, adapter.Characteristic{
		UUID: adapter.WriteCharUUID, Properties: adapter.PropWrite,
	}))
	assert.Error(t, r.AddCharacteristic(t.Context(), uuid.New(), adapter.Characteristic{UUID: uuid.New()}))

	require.Len(t, r.app.services, 1)
	s := r.app.services[0]
	assert.Equal(t, appPath+"/service0", s.path)
	require.Len(t, s.chars, 2)
	assert.Equal(t, appPath+"/service0/char1", s.chars[1].path)

	c := r.app.characteristic(adapter.ServiceUUID, adapter.PeerInfoCharUUID)
	require.NotNil(t, c)
	v, derr := c.ReadValue(nil)
	require.Nil(t, derr)
	assert.Equal(t, "info", string(v))

	// Not yet exported, so only the cached value changes.
	require.NoError(t, r.SetValue(t.Context(), adapter.ServiceUUID, adapter.PeerInfoCharUUID, "updated"))
	v, _ = c.ReadValue(nil)
	assert.Equal(t, "updated", string(v))

	_, derr = r.app.characteristic(adapter.ServiceUUID, adapter.WriteCharUUID).ReadValue(nil)
	assert.NotNil(t, derr)

	err := r.Notify(t.Context(), "11:22:33:44:55:66", adapter.ServiceUUID, adapter.NotifyCharUUID, "x")
	assert.ErrorIs(t, err, adapter.ErrNotSubscribed)
}

func TestWriteValueReportsCentral(t *testing.T) {
	r := &Radio{name: "hci0", outgoing: map[string]*remote{}, centrals: map[string]bool{}, subscribed: map[string]bool{}}
	r.app = newGattApp(r)
	require.NoError(t, r.AddService(t.Context(), adapter.ServiceUUID))
	require.NoError(t, r.AddCharacteristic(t.Context(), adapter.ServiceUUID, adapter.Characteristic{
		UUID: adapter.WriteCharUUID, Properties: adapter.PropWrite,
	}))

	var gotFrom, gotValue string
	r.OnWrite(func(central string, char uuid.UUID, value string) {
		gotFrom, gotValue = central, value
		assert.Equal(t, adapter.WriteCharUUID, char)
	})

	c := r.app.characteristic(adapter.ServiceUUID, adapter.WriteCharUUID)
	derr := c.WriteValue([]byte("chunk"), map[string]dbus.Variant{
		"device": dbus.MakeVariant(devicePath("hci0", "11:22:33:44:55:66")),
	})
	require.Nil(t, derr)
	assert.Equal(t, "11:22:33:44:55:66", gotFrom)
	assert.Equal(t, "chunk", gotValue)
	assert.True(t, r.centrals["11:22:33:44:55:66"])

	assert.NotNil(t, c.WriteValue([]byte("x"), nil), "write without a device")

	r.deviceGone("11:22:33:44:55:66")
	assert.Empty(t, r.centrals)
}
