package bluez

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/google/uuid"

	"github.com/1ureka/meshlink/internal/adapter"
	"github.com/1ureka/meshlink/internal/util"
)

var errRegistered = errors.New("gatt application already registered")

// ---------------------------------------------------------------------------
// Exported GATT objects
// ---------------------------------------------------------------------------

type gattService struct {
	path  dbus.ObjectPath
	uuid  uuid.UUID
	chars []*gattChar
	props *prop.Properties
}

// gattChar is one exported GattCharacteristic1. Only its DBus methods are
// exported Go methods.
type gattChar struct {
	r       *Radio
	path    dbus.ObjectPath
	service *gattService
	uuid    uuid.UUID
	flags   adapter.Property

	mu    sync.Mutex
	value []byte
	props *prop.Properties
}

func (c *gattChar) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	if c.flags&adapter.PropRead == 0 {
		return nil, dbus.NewError("org.bluez.Error.NotPermitted", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...), nil
}

func (c *gattChar) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	if c.flags&(adapter.PropWrite|adapter.PropWriteWithoutResponse) == 0 {
		return dbus.NewError("org.bluez.Error.NotPermitted", nil)
	}
	device, _ := options["device"].Value().(dbus.ObjectPath)
	central, ok := addressFromPath(device)
	if !ok {
		return dbus.NewError("org.bluez.Error.InvalidArguments", []interface{}{"missing device"})
	}
	c.r.deviceConnected(central)

	c.r.mu.Lock()
	fn := c.r.onWrite
	c.r.mu.Unlock()
	if fn != nil {
		fn(central, c.uuid, string(value))
	}
	return nil
}

// StartNotify carries no device, so the subscription is attributed to every
// connected central not yet subscribed.
func (c *gattChar) StartNotify() *dbus.Error {
	if c.flags&adapter.PropNotify == 0 {
		return dbus.NewError("org.bluez.Error.NotSupported", nil)
	}
	c.props.SetMust(bluezGattChar, "Notifying", true)
	c.r.subscribeCentrals(c.uuid)
	return nil
}

func (c *gattChar) StopNotify() *dbus.Error {
	c.props.SetMust(bluezGattChar, "Notifying", false)
	return nil
}

// gattApp is the ObjectManager root BlueZ walks on RegisterApplication.
type gattApp struct {
	r        *Radio
	services []*gattService
}

func newGattApp(r *Radio) *gattApp {
	return &gattApp{r: r}
}

func (a *gattApp) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	for _, s := range a.services {
		props, err := s.props.GetAll(bluezGattService)
		if err != nil {
			return nil, err
		}
		objects[s.path] = map[string]map[string]dbus.Variant{bluezGattService: props}
		for _, c := range s.chars {
			props, err := c.props.GetAll(bluezGattChar)
			if err != nil {
				return nil, err
			}
			objects[c.path] = map[string]map[string]dbus.Variant{bluezGattChar: props}
		}
	}
	return objects, nil
}

// export publishes the whole tree on the bus.
func (a *gattApp) export(conn *dbus.Conn) error {
	if err := conn.Export(a, appPath, dbusObjectManager); err != nil {
		return err
	}
	node := &introspect.Node{
		Name: string(appPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: dbusObjectManager, Methods: introspect.Methods(a)},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), appPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return err
	}

	for _, s := range a.services {
		var err error
		s.props, err = prop.Export(conn, s.path, prop.Map{
			bluezGattService: {
				"UUID":    {Value: s.uuid.String(), Emit: prop.EmitFalse},
				"Primary": {Value: true, Emit: prop.EmitFalse},
			},
		})
		if err != nil {
			return fmt.Errorf("export service %s: %w", s.uuid, err)
		}
		for _, c := range s.chars {
			c.mu.Lock()
			value := append([]byte(nil), c.value...)
			c.mu.Unlock()
			c.props, err = prop.Export(conn, c.path, prop.Map{
				bluezGattChar: {
					"UUID":      {Value: c.uuid.String(), Emit: prop.EmitFalse},
					"Service":   {Value: s.path, Emit: prop.EmitFalse},
					"Flags":     {Value: charFlags(c.flags), Emit: prop.EmitFalse},
					"Value":     {Value: value, Emit: prop.EmitTrue},
					"Notifying": {Value: false, Emit: prop.EmitTrue},
				},
			})
			if err != nil {
				return fmt.Errorf("export characteristic %s: %w", c.uuid, err)
			}
			if err := conn.Export(c, c.path, bluezGattChar); err != nil {
				return fmt.Errorf("export characteristic %s: %w", c.uuid, err)
			}
		}
	}
	return nil
}

func (a *gattApp) characteristic(service, char uuid.UUID) *gattChar {
	for _, s := range a.services {
		if s.uuid != service {
			continue
		}
		for _, c := range s.chars {
			if c.uuid == char {
				return c
			}
		}
	}
	return nil
}

// advertisement is the exported LEAdvertisement1.
type advertisement struct{}

func (advertisement) Release() *dbus.Error {
	util.LogDebug("BlueZ released the advertisement")
	return nil
}

// ---------------------------------------------------------------------------
// Peripheral role
// ---------------------------------------------------------------------------

func (r *Radio) AddService(ctx context.Context, service uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		return errRegistered
	}
	for _, s := range r.app.services {
		if s.uuid == service {
			return nil
		}
	}
	path := dbus.ObjectPath(fmt.Sprintf("%s/service%d", appPath, len(r.app.services)))
	r.app.services = append(r.app.services, &gattService{path: path, uuid: service})
	return nil
}

func (r *Radio) AddCharacteristic(ctx context.Context, service uuid.UUID, ch adapter.Characteristic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		return errRegistered
	}
	for _, s := range r.app.services {
		if s.uuid != service {
			continue
		}
		s.chars = append(s.chars, &gattChar{
			r:       r,
			path:    dbus.ObjectPath(fmt.Sprintf("%s/char%d", s.path, len(s.chars))),
			service: s,
			uuid:    ch.UUID,
			flags:   ch.Properties,
			value:   []byte(ch.Value),
		})
		return nil
	}
	return fmt.Errorf("add characteristic: unknown service %s", service)
}

func (r *Radio) SetValue(ctx context.Context, service, char uuid.UUID, value string) error {
	r.mu.Lock()
	c := r.app.characteristic(service, char)
	r.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: %s", adapter.ErrUnknownCharacteristic, char)
	}
	c.mu.Lock()
	c.value = []byte(value)
	props := c.props
	c.mu.Unlock()
	if props != nil {
		if err := props.Set(bluezGattChar, "Value", dbus.MakeVariant([]byte(value))); err != nil {
			return err
		}
	}
	return nil
}

func (r *Radio) OnWrite(fn func(central string, char uuid.UUID, value string)) {
	r.mu.Lock()
	r.onWrite = fn
	r.mu.Unlock()
}

func (r *Radio) OnSubscribe(fn func(central string, char uuid.UUID)) {
	r.mu.Lock()
	r.onSubscribe = fn
	r.mu.Unlock()
}

func (r *Radio) OnUnsubscribe(fn func(central string, char uuid.UUID)) {
	r.mu.Lock()
	r.onUnsubscribe = fn
	r.mu.Unlock()
}

// Notify updates the characteristic value, which BlueZ turns into a
// notification. BlueZ fans it out to every subscriber, not only central.
func (r *Radio) Notify(ctx context.Context, central string, service, char uuid.UUID, value string) error {
	r.mu.Lock()
	subscribed := r.subscribed[central]
	r.mu.Unlock()
	if !subscribed {
		return adapter.ErrNotSubscribed
	}
	return r.SetValue(ctx, service, char, value)
}

// StartAdvertising registers the GATT application on first use, then the LE
// advertisement.
func (r *Radio) StartAdvertising(ctx context.Context, opts adapter.AdvertiseOptions) error {
	if r.State() != adapter.StatePoweredOn {
		return adapter.ErrRadioPoweredOff
	}
	obj := r.conn.Object(bluezBus, r.path)

	r.mu.Lock()
	registered := r.registered
	r.mu.Unlock()
	if !registered {
		if err := r.app.export(r.conn); err != nil {
			return err
		}
		call := obj.CallWithContext(ctx, bluezGattManager+".RegisterApplication", 0, appPath, map[string]dbus.Variant{})
		if call.Err != nil {
			return callError("RegisterApplication", call.Err)
		}
		r.mu.Lock()
		r.registered = true
		r.mu.Unlock()
	}

	_, err := prop.Export(r.conn, advPath, prop.Map{
		bluezAdvertisement: {
			"Type":         {Value: "peripheral", Emit: prop.EmitFalse},
			"ServiceUUIDs": {Value: uuidStrings(opts.ServiceUUIDs), Emit: prop.EmitFalse},
			"LocalName":    {Value: opts.LocalName, Emit: prop.EmitFalse},
		},
	})
	if err != nil {
		return fmt.Errorf("export advertisement: %w", err)
	}
	if err := r.conn.Export(advertisement{}, advPath, bluezAdvertisement); err != nil {
		return fmt.Errorf("export advertisement: %w", err)
	}
	call := obj.CallWithContext(ctx, bluezAdvManager+".RegisterAdvertisement", 0, advPath, map[string]dbus.Variant{})
	if call.Err != nil {
		return callError("RegisterAdvertisement", call.Err)
	}

	r.mu.Lock()
	r.advertising = true
	r.mu.Unlock()
	return nil
}

func (r *Radio) StopAdvertising() error {
	r.mu.Lock()
	was := r.advertising
	r.advertising = false
	r.mu.Unlock()
	if !was {
		return nil
	}
	call := r.conn.Object(bluezBus, r.path).Call(bluezAdvManager+".UnregisterAdvertisement", 0, advPath)
	return call.Err
}

// subscribeCentrals marks connected centrals as subscribed to char.
func (r *Radio) subscribeCentrals(char uuid.UUID) {
	if objects, err := managedObjects(r.conn); err == nil {
		for path, ifaces := range objects {
			props, ok := ifaces[bluezDevice1]
			if !ok {
				continue
			}
			if connected, _ := props["Connected"].Value().(bool); !connected {
				continue
			}
			if addr, ok := addressFromPath(path); ok {
				r.deviceConnected(addr)
			}
		}
	}

	r.mu.Lock()
	var fresh []string
	for addr := range r.centrals {
		if !r.subscribed[addr] {
			r.subscribed[addr] = true
			fresh = append(fresh, addr)
		}
	}
	fn := r.onSubscribe
	r.mu.Unlock()

	for _, addr := range fresh {
		util.LogPeer(addr, "central subscribed")
		if fn != nil {
			fn(addr, char)
		}
	}
}
