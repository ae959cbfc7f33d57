// Package ble is a BLE central connection manager. It keeps at most one
// peripheral connected and serializes characteristic operations against it,
// so a GATT operation is never issued before the previous one completed.
package ble

import "github.com/google/uuid"

// Status is a raw GATT status code as reported by the platform.
type Status int

const (
	// StatusSuccess is GATT_SUCCESS.
	StatusSuccess Status = 0
	// StatusFailure is the generic GATT_FAILURE code.
	StatusFailure Status = 0x101
	// StatusIssueFailed is reported when the driver refused to start an operation.
	StatusIssueFailed Status = -1
)

// Advertisement is a single discovery event delivered while scanning.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int
}

// Characteristic is a GATT characteristic from a connection's discovered
// service tree. Drivers hand out their own implementations and type-assert
// them back when an operation is issued.
type Characteristic interface {
	Service() uuid.UUID
	UUID() uuid.UUID
}

// Handle is an opaque platform connection.
type Handle interface {
	// Address returns the peripheral address the handle was opened for.
	Address() string
	// Characteristic looks a characteristic up in the discovered service
	// tree. It reports false until service discovery has completed.
	Characteristic(service, characteristic uuid.UUID) (Characteristic, bool)
}

// Callbacks receives completions from a Driver. Drivers call these from
// their own goroutines, never from inside a Driver method.
//
// A failed connection attempt is reported as OnConnectionStateChange with
// connected set and a non-success status.
type Callbacks interface {
	OnConnectionStateChange(h Handle, status Status, connected bool)
	OnServicesDiscovered(h Handle, status Status)
	OnCharacteristicRead(h Handle, c Characteristic, value []byte, status Status)
	OnCharacteristicWrite(h Handle, c Characteristic, status Status)
	OnCharacteristicChanged(h Handle, c Characteristic, value []byte)
	OnDescriptorWrite(h Handle, c Characteristic, descriptor uuid.UUID, status Status)
}

// Driver abstracts the BLE radio. Methods start an operation and return
// without waiting for the radio; results arrive through Callbacks.
// Implementations must be safe for concurrent use.
type Driver interface {
	// Enable powers on the adapter.
	Enable() error
	// SetCallbacks registers the completion receiver.
	SetCallbacks(cb Callbacks)
	// StartScan starts discovery, invoking onFound for every advertisement
	// until StopScan is called.
	StartScan(onFound func(Advertisement)) error
	StopScan() error
	// Connect opens a connection without waiting for the radio. The outcome
	// is reported through OnConnectionStateChange.
	Connect(address string) (Handle, error)
	Disconnect(h Handle) error
	// Close releases the handle. Closing twice is a no-op.
	Close(h Handle) error
	DiscoverServices(h Handle) error
	ReadCharacteristic(h Handle, c Characteristic) error
	WriteCharacteristic(h Handle, c Characteristic, value []byte, noResponse bool) error
	EnableNotification(h Handle, c Characteristic) error
	WriteDescriptor(h Handle, c Characteristic, descriptor uuid.UUID, value []byte) error
}

// CacheInvalidator is an optional Driver capability that drops the
// platform's cached GATT database for a connection.
type CacheInvalidator interface {
	InvalidateCache(h Handle) (bool, error)
}

// WithCacheInvalidation returns a Driver that also implements
// CacheInvalidator by calling invalidate with the handle's address.
func WithCacheInvalidation(d Driver, invalidate func(address string) (bool, error)) Driver {
	return &invalidatingDriver{Driver: d, invalidate: invalidate}
}

type invalidatingDriver struct {
	Driver
	invalidate func(address string) (bool, error)
}

func (d *invalidatingDriver) InvalidateCache(h Handle) (bool, error) {
	return d.invalidate(h.Address())
}

var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// ShortUUID expands a 16-bit SIG assigned number into a full UUID.
func ShortUUID(short uint16) uuid.UUID {
	u := baseUUID
	u[2] = byte(short >> 8)
	u[3] = byte(short)
	return u
}

// ClientConfigDescriptor is the Client Characteristic Configuration
// descriptor (0x2902).
var ClientConfigDescriptor = ShortUUID(0x2902)

// EnableNotificationValue is written to the CCCD to turn notifications on.
var EnableNotificationValue = []byte{0x01, 0x00}
