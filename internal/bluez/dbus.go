package bluez

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/1ureka/meshlink/internal/adapter"
)

const (
	bluezBus           = "org.bluez"
	bluezAdapter1      = "org.bluez.Adapter1"
	bluezDevice1       = "org.bluez.Device1"
	bluezGattService   = "org.bluez.GattService1"
	bluezGattChar      = "org.bluez.GattCharacteristic1"
	bluezGattManager   = "org.bluez.GattManager1"
	bluezAdvManager    = "org.bluez.LEAdvertisingManager1"
	bluezAdvertisement = "org.bluez.LEAdvertisement1"
	dbusProperties     = "org.freedesktop.DBus.Properties"
	dbusObjectManager  = "org.freedesktop.DBus.ObjectManager"

	appPath dbus.ObjectPath = "/org/meshlink/gatt"
	advPath dbus.ObjectPath = "/org/meshlink/advertisement0"
)

type objectMap = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// devicePath converts a MAC address to its BlueZ object path, e.g.
// "AA:BB:CC:DD:EE:FF" on hci0 is /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapterName, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapterName, strings.ReplaceAll(address, ":", "_")))
}

// addressFromPath is the inverse of devicePath. Paths below a device (its
// services and characteristics) resolve to the device address too.
func addressFromPath(path dbus.ObjectPath) (string, bool) {
	for _, seg := range strings.Split(string(path), "/") {
		if dev, ok := strings.CutPrefix(seg, "dev_"); ok && len(dev) == 17 {
			return strings.ReplaceAll(dev, "_", ":"), true
		}
	}
	return "", false
}

// getProperty reads one property of a BlueZ object.
func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}

func managedObjects(conn *dbus.Conn) (objectMap, error) {
	var objects objectMap
	call := conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects failed: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to parse managed objects: %w", err)
	}
	return objects, nil
}

// deviceFromProps builds a discovery event from Device1 properties.
func deviceFromProps(props map[string]dbus.Variant) (adapter.Device, bool) {
	var d adapter.Device
	addr, ok := props["Address"].Value().(string)
	if !ok || addr == "" {
		return d, false
	}
	d.Address = addr
	if name, ok := props["Name"].Value().(string); ok {
		d.Name = name
	}
	if rssi, ok := props["RSSI"].Value().(int16); ok {
		d.RSSI = int(rssi)
	}
	if ids, ok := props["UUIDs"].Value().([]string); ok {
		for _, s := range ids {
			if id, err := uuid.Parse(s); err == nil {
				d.ServiceUUIDs = append(d.ServiceUUIDs, id)
			}
		}
	}
	return d, true
}

// charFlags maps characteristic properties to GattCharacteristic1 flags.
func charFlags(p adapter.Property) []string {
	var flags []string
	if p&adapter.PropRead != 0 {
		flags = append(flags, "read")
	}
	if p&adapter.PropWrite != 0 {
		flags = append(flags, "write")
	}
	if p&adapter.PropWriteWithoutResponse != 0 {
		flags = append(flags, "write-without-response")
	}
	if p&adapter.PropNotify != 0 {
		flags = append(flags, "notify")
	}
	return flags
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// errorName returns the D-Bus error name carried by err, or "".
func errorName(err error) string {
	var byValue dbus.Error
	var byRef *dbus.Error
	switch {
	case errors.As(err, &byValue):
		return byValue.Name
	case errors.As(err, &byRef) && byRef != nil:
		return byRef.Name
	}
	return ""
}

func permissionDenied(err error) bool {
	switch errorName(err) {
	case "org.freedesktop.DBus.Error.AccessDenied", "org.bluez.Error.NotAuthorized", "org.bluez.Error.NotPermitted":
		return true
	}
	return false
}

// stateFromError maps a failed adapter lookup to a radio state.
func stateFromError(err error) adapter.State {
	if permissionDenied(err) {
		return adapter.StateUnauthorized
	}
	return adapter.StateUnsupported
}

// callError wraps a failed BlueZ method call. Permission failures carry
// adapter.ErrPermissionDenied so callers can tell them apart.
func callError(method string, err error) error {
	if permissionDenied(err) {
		return fmt.Errorf("%s: %w: %v", method, adapter.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%s failed: %w", method, err)
}
