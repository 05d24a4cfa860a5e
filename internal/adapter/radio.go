package adapter

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// GATT identifiers shared by every node.
var (
	ServiceUUID       = uuid.MustParse("F47B5E2D-4A9E-4C5A-9B3F-8E1D2C3A4B5C")
	PeerInfoCharUUID  = uuid.MustParse("F47B5E2D-4A9E-4C5A-9B3F-8E1D2C3A4B5D")
	WriteCharUUID     = uuid.MustParse("A1B2C3D4-E5F6-4A5B-8C9D-0E1F2A3B4C5D")
	NotifyCharUUID    = uuid.MustParse("A1B2C3D4-E5F6-4A5B-8C9D-0E1F2A3B4C5E")
	CentralTxCharUUID = WriteCharUUID
	CentralRxCharUUID = NotifyCharUUID
)

// State is the power/authorization state of the local radio.
type State int

const (
	StateUnknown State = iota
	StatePoweredOn
	StatePoweredOff
	StateUnauthorized
	StateUnsupported
)

func (s State) String() string {
	switch s {
	case StatePoweredOn:
		return "powered-on"
	case StatePoweredOff:
		return "powered-off"
	case StateUnauthorized:
		return "unauthorized"
	case StateUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// Device is one discovery event.
type Device struct {
	Address      string
	Name         string // advertised local name, empty when absent
	RSSI         int
	ServiceUUIDs []uuid.UUID
}

// Named reports whether the device advertised a local name.
func (d Device) Named() bool { return d.Name != "" }

// Property is a GATT characteristic property bit set.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
)

// Characteristic describes a local characteristic to publish.
type Characteristic struct {
	UUID       uuid.UUID
	Properties Property
	Value      string
}

// ScanOptions narrows discovery.
type ScanOptions struct {
	ServiceUUIDs    []uuid.UUID // empty means every device
	AllowDuplicates bool
}

// AdvertiseOptions configures the advertisement payload.
type AdvertiseOptions struct {
	LocalName    string
	ServiceUUIDs []uuid.UUID
}

// Path is the direction a link carries our outbound traffic.
type Path uint8

const (
	// PathWrite: we are the central and write to the remote's write
	// characteristic; the remote answers via notifications.
	PathWrite Path = iota
	// PathNotify: the remote is the central; we answer by notifying it.
	PathNotify
)

func (p Path) String() string {
	if p == PathNotify {
		return "notify"
	}
	return "write"
}

// ---------------------------------------------------------------------------
// Radio
// ---------------------------------------------------------------------------

// Central is the scanner/initiator half of a radio stack.
type Central interface {
	// Scan reports discoveries until ctx is cancelled. It must not block.
	Scan(ctx context.Context, opts ScanOptions, onFound func(Device)) error
	Connect(ctx context.Context, address string) error
	DiscoverServices(ctx context.Context, address string) error
	Read(ctx context.Context, address string, service, char uuid.UUID) (string, error)
	Write(ctx context.Context, address string, service, char uuid.UUID, value string) error
	Subscribe(ctx context.Context, address string, service, char uuid.UUID, onValue func(string)) error
	Disconnect(address string) error
	// OnDisconnect is called for every link loss, local or remote.
	OnDisconnect(fn func(address string))
}

// Peripheral is the advertiser/responder half of a radio stack.
type Peripheral interface {
	AddService(ctx context.Context, service uuid.UUID) error
	AddCharacteristic(ctx context.Context, service uuid.UUID, ch Characteristic) error
	SetValue(ctx context.Context, service, char uuid.UUID, value string) error
	OnWrite(fn func(central string, char uuid.UUID, value string))
	OnSubscribe(fn func(central string, char uuid.UUID))
	OnUnsubscribe(fn func(central string, char uuid.UUID))
	Notify(ctx context.Context, central string, service, char uuid.UUID, value string) error
	StartAdvertising(ctx context.Context, opts AdvertiseOptions) error
	StopAdvertising() error
}

// Radio is the event source the Adapter is built on. Callbacks may arrive on
// any goroutine.
type Radio interface {
	Central
	Peripheral
	Address() string
	State() State
	OnStateChange(fn func(State))
	Close() error
}

// ---------------------------------------------------------------------------
// Errors and results
// ---------------------------------------------------------------------------

var (
	ErrRadioUnsupported      = errors.New("radio unsupported")
	ErrRadioUnauthorized     = errors.New("radio unauthorized")
	ErrRadioPoweredOff       = errors.New("radio powered off")
	ErrPermissionDenied      = errors.New("radio permission denied")
	ErrConnectFailed         = errors.New("connect failed")
	ErrConnectTimeout        = errors.New("connect timed out")
	ErrNotConnected          = errors.New("not connected")
	ErrNotSubscribed         = errors.New("central not subscribed")
	ErrUnknownCharacteristic = errors.New("unknown characteristic")
)

// ErrorKind classifies the outcome of an adapter operation.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindUnsupported
	KindUnauthorized
	KindPoweredOff
	KindPermission
	KindTimeout
	KindConnectFailed
	KindNotConnected
	KindEncode
	KindCancelled
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUnsupported:
		return "unsupported"
	case KindUnauthorized:
		return "unauthorized"
	case KindPoweredOff:
		return "powered-off"
	case KindPermission:
		return "permission"
	case KindTimeout:
		return "timeout"
	case KindConnectFailed:
		return "connect-failed"
	case KindNotConnected:
		return "not-connected"
	case KindEncode:
		return "encode"
	case KindCancelled:
		return "cancelled"
	}
	return "io"
}

// KindOf maps an error to its ErrorKind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRadioUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrRadioUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrRadioPoweredOff):
		return KindPoweredOff
	case errors.Is(err, ErrPermissionDenied):
		return KindPermission
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrConnectFailed):
		return KindConnectFailed
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrNotSubscribed):
		return KindNotConnected
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindIO
}

// Result is the outcome of a link-level operation.
type Result struct {
	Address string
	Kind    ErrorKind
	Err     error
}

// OK reports success.
func (r Result) OK() bool { return r.Err == nil }

func result(address string, err error) Result {
	return Result{Address: address, Kind: KindOf(err), Err: err}
}

// TxResult is the outcome of a transmission.
type TxResult struct {
	Address string
	Chunks  int // chunks the packet was encoded into
	Sent    int // chunks handed to the radio without error
	Kind    ErrorKind
	Err     error
}

// OK reports whether every chunk was handed to the radio.
func (r TxResult) OK() bool { return r.Err == nil }
