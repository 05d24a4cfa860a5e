// Package bluez implements adapter.Radio on Linux through the BlueZ DBus API:
// Adapter1/Device1/GattCharacteristic1 for the central role and an exported
// GATT application plus LE advertisement for the peripheral role.
package bluez

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/1ureka/meshlink/internal/adapter"
	"github.com/1ureka/meshlink/internal/util"
)

// remote is a peripheral we connected to.
type remote struct {
	path   dbus.ObjectPath
	chars  map[uuid.UUID]dbus.ObjectPath
	notify map[dbus.ObjectPath]func(string)
}

// Radio is one local BlueZ controller.
type Radio struct {
	conn    *dbus.Conn
	name    string // e.g. hci0
	path    dbus.ObjectPath
	address string
	signals chan *dbus.Signal

	mu           sync.Mutex
	state        adapter.State
	onState      func(adapter.State)
	onDisconnect func(string)
	onFound      func(adapter.Device)
	scanOpts     adapter.ScanOptions
	outgoing     map[string]*remote

	// peripheral side
	app           *gattApp
	registered    bool
	advertising   bool
	centrals      map[string]bool // remote centrals connected to us
	subscribed    map[string]bool
	onWrite       func(string, uuid.UUID, string)
	onSubscribe   func(string, uuid.UUID)
	onUnsubscribe func(string, uuid.UUID)
}

var _ adapter.Radio = (*Radio)(nil)

// Open attaches to the controller named adapterName on the system bus.
func Open(adapterName string) (*Radio, error) {
	if adapterName == "" {
		adapterName = "hci0"
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to system DBus: %v", adapter.ErrRadioUnsupported, err)
	}

	r := &Radio{
		conn:       conn,
		name:       adapterName,
		path:       dbus.ObjectPath("/org/bluez/" + adapterName),
		signals:    make(chan *dbus.Signal, 64),
		outgoing:   make(map[string]*remote),
		centrals:   make(map[string]bool),
		subscribed: make(map[string]bool),
	}
	r.app = newGattApp(r)

	powered, err := getProperty[bool](conn, r.path, bluezAdapter1, "Powered")
	if err != nil {
		r.state = stateFromError(err)
		util.LogWarning("BlueZ adapter %s unavailable: %v", adapterName, err)
	} else {
		r.state = adapter.StatePoweredOff
		if powered {
			r.state = adapter.StatePoweredOn
		}
		r.address, _ = getProperty[string](conn, r.path, bluezAdapter1, "Address")
	}

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchSender(bluezBus), dbus.WithMatchInterface(dbusProperties), dbus.WithMatchMember("PropertiesChanged")},
		{dbus.WithMatchSender(bluezBus), dbus.WithMatchInterface(dbusObjectManager), dbus.WithMatchMember("InterfacesAdded")},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to add signal match: %w", err)
		}
	}
	conn.Signal(r.signals)
	go r.dispatch()

	return r, nil
}

func (r *Radio) Address() string { return r.address }

func (r *Radio) State() adapter.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Radio) OnStateChange(fn func(adapter.State)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}

// Close disconnects every peripheral, withdraws the GATT application and
// releases the bus connection.
func (r *Radio) Close() error {
	r.mu.Lock()
	peers := make([]string, 0, len(r.outgoing))
	for addr := range r.outgoing {
		peers = append(peers, addr)
	}
	r.mu.Unlock()
	for _, addr := range peers {
		_ = r.Disconnect(addr)
	}

	_ = r.StopAdvertising()
	r.mu.Lock()
	registered := r.registered
	r.registered = false
	r.mu.Unlock()
	if registered {
		r.conn.Object(bluezBus, r.path).Call(bluezGattManager+".UnregisterApplication", 0, appPath)
	}

	r.conn.RemoveSignal(r.signals)
	return r.conn.Close()
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

func (r *Radio) dispatch() {
	for sig := range r.signals {
		switch sig.Name {
		case dbusObjectManager + ".InterfacesAdded":
			if len(sig.Body) < 2 {
				continue
			}
			ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
			if !ok {
				continue
			}
			if props, ok := ifaces[bluezDevice1]; ok {
				r.deviceSeen(props)
			}

		case dbusProperties + ".PropertiesChanged":
			if len(sig.Body) < 2 {
				continue
			}
			iface, _ := sig.Body[0].(string)
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			r.propertiesChanged(sig.Path, iface, changed)
		}
	}
}

func (r *Radio) propertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	switch iface {
	case bluezAdapter1:
		if path != r.path {
			return
		}
		if powered, ok := changed["Powered"].Value().(bool); ok {
			s := adapter.StatePoweredOff
			if powered {
				s = adapter.StatePoweredOn
			}
			r.setState(s)
		}

	case bluezDevice1:
		address, ok := addressFromPath(path)
		if !ok {
			return
		}
		if connected, ok := changed["Connected"].Value().(bool); ok {
			if connected {
				r.deviceConnected(address)
			} else {
				r.deviceGone(address)
			}
		}
		if _, ok := changed["RSSI"]; ok {
			var props map[string]dbus.Variant
			err := r.conn.Object(bluezBus, path).Call(dbusProperties+".GetAll", 0, bluezDevice1).Store(&props)
			if err == nil {
				r.deviceSeen(props)
			}
		}

	case bluezGattChar:
		value, ok := changed["Value"].Value().([]byte)
		if !ok {
			return
		}
		address, ok := addressFromPath(path)
		if !ok {
			return
		}
		r.mu.Lock()
		var fn func(string)
		if rem := r.outgoing[address]; rem != nil {
			fn = rem.notify[path]
		}
		r.mu.Unlock()
		if fn != nil {
			fn(string(value))
		}
	}
}

func (r *Radio) setState(s adapter.State) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	fn := r.onState
	r.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}

func (r *Radio) deviceSeen(props map[string]dbus.Variant) {
	d, ok := deviceFromProps(props)
	if !ok {
		return
	}
	r.mu.Lock()
	fn, opts := r.onFound, r.scanOpts
	r.mu.Unlock()
	if fn != nil && matches(d, opts) {
		fn(d)
	}
}

// deviceConnected records a remote central that connected to us.
func (r *Radio) deviceConnected(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ours := r.outgoing[address]; !ours {
		r.centrals[address] = true
	}
}

func (r *Radio) deviceGone(address string) {
	r.mu.Lock()
	_, wasOutgoing := r.outgoing[address]
	delete(r.outgoing, address)
	wasSubscribed := r.subscribed[address]
	delete(r.subscribed, address)
	delete(r.centrals, address)
	down, unsub := r.onDisconnect, r.onUnsubscribe
	r.mu.Unlock()

	if wasOutgoing && down != nil {
		down(address)
	}
	if wasSubscribed && unsub != nil {
		unsub(address, adapter.NotifyCharUUID)
	}
}
