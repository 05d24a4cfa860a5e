package bluez

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/1ureka/meshlink/internal/adapter"
	"github.com/1ureka/meshlink/internal/util"
)

const servicesResolvedPoll = 250 * time.Millisecond

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

// Scan sets an LE discovery filter, starts discovery and reports every
// device already known to BlueZ before streaming new ones.
func (r *Radio) Scan(ctx context.Context, opts adapter.ScanOptions, onFound func(adapter.Device)) error {
	if r.State() != adapter.StatePoweredOn {
		return adapter.ErrRadioPoweredOff
	}
	obj := r.conn.Object(bluezBus, r.path)

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(opts.AllowDuplicates),
	}
	if len(opts.ServiceUUIDs) > 0 {
		filter["UUIDs"] = dbus.MakeVariant(uuidStrings(opts.ServiceUUIDs))
	}
	if call := obj.CallWithContext(ctx, bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return callError("SetDiscoveryFilter", call.Err)
	}

	r.mu.Lock()
	r.onFound = onFound
	r.scanOpts = opts
	r.mu.Unlock()

	if call := obj.CallWithContext(ctx, bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		r.mu.Lock()
		r.onFound = nil
		r.mu.Unlock()
		return callError("StartDiscovery", call.Err)
	}

	go func() {
		if objects, err := managedObjects(r.conn); err == nil {
			prefix := string(r.path) + "/"
			for path, ifaces := range objects {
				if props, ok := ifaces[bluezDevice1]; ok && strings.HasPrefix(string(path), prefix) {
					r.deviceSeen(props)
				}
			}
		}

		<-ctx.Done()
		r.mu.Lock()
		r.onFound = nil
		r.mu.Unlock()
		obj.Call(bluezAdapter1+".StopDiscovery", 0)
	}()
	return nil
}

func (r *Radio) Connect(ctx context.Context, address string) error {
	path := devicePath(r.name, address)
	call := r.conn.Object(bluezBus, path).CallWithContext(ctx, bluezDevice1+".Connect", 0)
	if call.Err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if permissionDenied(call.Err) {
			return callError("Connect", call.Err)
		}
		return fmt.Errorf("%w: %v", adapter.ErrConnectFailed, call.Err)
	}

	r.mu.Lock()
	delete(r.centrals, address)
	r.outgoing[address] = &remote{
		path:   path,
		chars:  make(map[uuid.UUID]dbus.ObjectPath),
		notify: make(map[dbus.ObjectPath]func(string)),
	}
	r.mu.Unlock()
	return nil
}

// DiscoverServices waits for BlueZ to resolve the remote GATT database and
// indexes its characteristics by UUID.
func (r *Radio) DiscoverServices(ctx context.Context, address string) error {
	rem := r.remote(address)
	if rem == nil {
		return adapter.ErrNotConnected
	}

	ticker := time.NewTicker(servicesResolvedPoll)
	defer ticker.Stop()
	for {
		resolved, err := getProperty[bool](r.conn, rem.path, bluezDevice1, "ServicesResolved")
		if err == nil && resolved {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("service discovery: %w", ctx.Err())
		}
	}

	objects, err := managedObjects(r.conn)
	if err != nil {
		return err
	}
	prefix := string(rem.path) + "/"
	chars := make(map[uuid.UUID]dbus.ObjectPath)
	found := false
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if props, ok := ifaces[bluezGattService]; ok {
			if s, ok := props["UUID"].Value().(string); ok && strings.EqualFold(s, adapter.ServiceUUID.String()) {
				found = true
			}
		}
		if props, ok := ifaces[bluezGattChar]; ok {
			if s, ok := props["UUID"].Value().(string); ok {
				if id, err := uuid.Parse(s); err == nil {
					chars[id] = path
				}
			}
		}
	}
	if !found {
		return fmt.Errorf("%w: %s does not serve the mesh service", adapter.ErrConnectFailed, address)
	}

	r.mu.Lock()
	rem.chars = chars
	r.mu.Unlock()
	util.LogPeer(address, "resolved %d characteristics", len(chars))
	return nil
}

func (r *Radio) Read(ctx context.Context, address string, service, char uuid.UUID) (string, error) {
	path, err := r.charPath(address, char)
	if err != nil {
		return "", err
	}
	call := r.conn.Object(bluezBus, path).CallWithContext(ctx, bluezGattChar+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return "", callError("ReadValue", call.Err)
	}
	var data []byte
	if err := call.Store(&data); err != nil {
		return "", fmt.Errorf("failed to decode read result: %w", err)
	}
	return string(data), nil
}

func (r *Radio) Write(ctx context.Context, address string, service, char uuid.UUID, value string) error {
	path, err := r.charPath(address, char)
	if err != nil {
		return err
	}
	call := r.conn.Object(bluezBus, path).CallWithContext(ctx, bluezGattChar+".WriteValue", 0, []byte(value),
		map[string]dbus.Variant{"type": dbus.MakeVariant("request")})
	if call.Err != nil {
		return callError("WriteValue", call.Err)
	}
	return nil
}

func (r *Radio) Subscribe(ctx context.Context, address string, service, char uuid.UUID, onValue func(string)) error {
	path, err := r.charPath(address, char)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if rem := r.outgoing[address]; rem != nil {
		rem.notify[path] = onValue
	}
	r.mu.Unlock()

	if call := r.conn.Object(bluezBus, path).CallWithContext(ctx, bluezGattChar+".StartNotify", 0); call.Err != nil {
		return callError("StartNotify", call.Err)
	}
	return nil
}

// Disconnect drops the link and reports it at once; the later Connected
// signal finds nothing left to report.
func (r *Radio) Disconnect(address string) error {
	r.mu.Lock()
	rem := r.outgoing[address]
	var subscribed []dbus.ObjectPath
	if rem != nil {
		for path := range rem.notify {
			subscribed = append(subscribed, path)
		}
	}
	r.mu.Unlock()
	if rem == nil {
		return nil
	}
	for _, path := range subscribed {
		r.conn.Object(bluezBus, path).Call(bluezGattChar+".StopNotify", 0)
	}
	call := r.conn.Object(bluezBus, rem.path).Call(bluezDevice1+".Disconnect", 0)
	r.deviceGone(address)
	return call.Err
}

func (r *Radio) OnDisconnect(fn func(address string)) {
	r.mu.Lock()
	r.onDisconnect = fn
	r.mu.Unlock()
}

func (r *Radio) remote(address string) *remote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outgoing[address]
}

func (r *Radio) charPath(address string, char uuid.UUID) (dbus.ObjectPath, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rem := r.outgoing[address]
	if rem == nil {
		return "", adapter.ErrNotConnected
	}
	path, ok := rem.chars[char]
	if !ok {
		return "", fmt.Errorf("%w: %s", adapter.ErrUnknownCharacteristic, char)
	}
	return path, nil
}
