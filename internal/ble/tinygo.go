package ble

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"
)

// maxAttributeLen is the largest value a GATT attribute can hold.
const maxAttributeLen = 512

// TinyGoDriver implements Driver on tinygo-org/bluetooth. The tinygo API is
// blocking, so every operation runs on its own goroutine and reports back
// through Callbacks.
//
// On macOS, addresses are CoreBluetooth UUIDs rather than MAC addresses.
type TinyGoDriver struct {
	adapter *bluetooth.Adapter
	log     zerolog.Logger

	mu       sync.Mutex
	cb       Callbacks
	seen     map[string]bluetooth.Address // addresses reported while scanning
	handles  map[string]*tinygoHandle     // keyed by address
	scanStop chan struct{}
	scanDone chan struct{}
}

// NewTinyGoDriver creates a driver on the default adapter.
func NewTinyGoDriver(logger zerolog.Logger) *TinyGoDriver {
	return &TinyGoDriver{
		adapter: bluetooth.DefaultAdapter,
		log:     logger.With().Str("component", "tinygo").Logger(),
		seen:    make(map[string]bluetooth.Address),
		handles: make(map[string]*tinygoHandle),
	}
}

func (d *TinyGoDriver) SetCallbacks(cb Callbacks) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

func (d *TinyGoDriver) callbacks() Callbacks {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cb
}

func (d *TinyGoDriver) Enable() error {
	if err := d.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo reports peripheral disconnects through the adapter-level
	// connect handler with connected=false.
	d.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		d.mu.Lock()
		h, ok := d.handles[addr]
		cb := d.cb
		d.mu.Unlock()
		if ok && cb != nil {
			cb.OnConnectionStateChange(h, StatusSuccess, false)
		}
	})
	return nil
}

func (d *TinyGoDriver) StartScan(onFound func(Advertisement)) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	d.mu.Lock()
	prev := d.scanDone
	d.scanStop = stop
	d.scanDone = done
	d.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		select {
		case <-stop:
			return
		default:
		}
		err := d.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-stop:
				// StopScan raced the start of this scan.
				_ = a.StopScan()
				return
			default:
			}
			addr := result.Address.String()
			d.mu.Lock()
			d.seen[addr] = result.Address
			d.mu.Unlock()
			onFound(Advertisement{
				Address: addr,
				Name:    result.LocalName(),
				RSSI:    int(result.RSSI),
			})
		})
		if err != nil {
			d.log.Error().Err(err).Msg("[BLE] scan")
		}
	}()
	return nil
}

func (d *TinyGoDriver) StopScan() error {
	d.mu.Lock()
	stop := d.scanStop
	d.scanStop = nil
	d.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	// The scan callback may be waiting on the caller, so don't block on it.
	go func() {
		if err := d.adapter.StopScan(); err != nil {
			d.log.Debug().Err(err).Msg("[BLE] stop scan")
		}
	}()
	return nil
}

func (d *TinyGoDriver) Connect(address string) (Handle, error) {
	d.mu.Lock()
	addr, ok := d.seen[address]
	d.mu.Unlock()
	if !ok {
		addr.Set(address)
	}

	h := &tinygoHandle{address: address, chars: make(map[charKey]*tinygoCharacteristic)}
	d.mu.Lock()
	d.handles[address] = h
	d.mu.Unlock()

	go func() {
		device, err := d.adapter.Connect(addr, bluetooth.ConnectionParams{})
		cb := d.callbacks()
		if err != nil {
			d.log.Warn().Err(err).Str("address", address).Msg("[BLE] connect")
			cb.OnConnectionStateChange(h, StatusFailure, true)
			return
		}
		if !h.attach(&device) {
			// Closed while connecting: nobody owns this link.
			d.log.Info().Str("address", address).Msg("[BLE] dropping connection to a closed handle")
			d.disconnectDevice(address, &device)
			return
		}
		cb.OnConnectionStateChange(h, StatusSuccess, true)
	}()
	return h, nil
}

func (d *TinyGoDriver) Disconnect(h Handle) error {
	th, err := d.handle(h)
	if err != nil {
		return err
	}
	if device := th.startDisconnect(); device != nil {
		d.disconnectDevice(th.address, device)
	}
	return nil
}

func (d *TinyGoDriver) disconnectDevice(address string, device *bluetooth.Device) {
	go func() {
		if err := device.Disconnect(); err != nil {
			d.log.Warn().Err(err).Str("address", address).Msg("[BLE] disconnect")
		}
	}()
}

func (d *TinyGoDriver) Close(h Handle) error {
	th, ok := h.(*tinygoHandle)
	if !ok {
		return fmt.Errorf("ble: foreign handle %T", h)
	}
	d.mu.Lock()
	if d.handles[th.address] == th {
		delete(d.handles, th.address)
	}
	d.mu.Unlock()
	if device := th.release(); device != nil {
		d.disconnectDevice(th.address, device)
	}
	return nil
}

func (d *TinyGoDriver) DiscoverServices(h Handle) error {
	th, err := d.handle(h)
	if err != nil {
		return err
	}
	go func() {
		status := StatusSuccess
		if err := th.discover(); err != nil {
			d.log.Warn().Err(err).Str("address", th.address).Msg("[BLE] discover services")
			status = StatusFailure
		}
		d.callbacks().OnServicesDiscovered(h, status)
	}()
	return nil
}

func (d *TinyGoDriver) ReadCharacteristic(h Handle, c Characteristic) error {
	if _, err := d.handle(h); err != nil {
		return err
	}
	tc, err := characteristic(c)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, maxAttributeLen)
		n, err := tc.char.Read(buf)
		status := StatusSuccess
		if err != nil {
			d.log.Warn().Err(err).Stringer("characteristic", tc.id).Msg("[BLE] read")
			status = StatusFailure
			n = 0
		}
		d.callbacks().OnCharacteristicRead(h, c, buf[:n], status)
	}()
	return nil
}

func (d *TinyGoDriver) WriteCharacteristic(h Handle, c Characteristic, value []byte, noResponse bool) error {
	if _, err := d.handle(h); err != nil {
		return err
	}
	tc, err := characteristic(c)
	if err != nil {
		return err
	}
	data := append([]byte(nil), value...)
	go func() {
		var err error
		if noResponse {
			_, err = tc.char.WriteWithoutResponse(data)
		} else {
			_, err = writeWithResponse(tc.char, data)
		}
		status := StatusSuccess
		if err != nil {
			d.log.Warn().Err(err).Stringer("characteristic", tc.id).Msg("[BLE] write")
			status = StatusFailure
		}
		d.callbacks().OnCharacteristicWrite(h, c, status)
	}()
	return nil
}

// EnableNotification only validates its arguments: tinygo enables
// notifications and writes the CCCD in one call, issued by WriteDescriptor.
func (d *TinyGoDriver) EnableNotification(h Handle, c Characteristic) error {
	if _, err := d.handle(h); err != nil {
		return err
	}
	_, err := characteristic(c)
	return err
}

func (d *TinyGoDriver) WriteDescriptor(h Handle, c Characteristic, descriptor uuid.UUID, value []byte) error {
	if descriptor != ClientConfigDescriptor || len(value) == 0 || value[0]&0x01 == 0 {
		return fmt.Errorf("%w: descriptor write %s", ErrUnsupported, descriptor)
	}
	if _, err := d.handle(h); err != nil {
		return err
	}
	tc, err := characteristic(c)
	if err != nil {
		return err
	}
	go func() {
		err := tc.char.EnableNotifications(func(buf []byte) {
			d.callbacks().OnCharacteristicChanged(h, c, append([]byte(nil), buf...))
		})
		status := StatusSuccess
		if err != nil {
			d.log.Warn().Err(err).Stringer("characteristic", tc.id).Msg("[BLE] enable notifications")
			status = StatusFailure
		}
		d.callbacks().OnDescriptorWrite(h, c, descriptor, status)
	}()
	return nil
}

func (d *TinyGoDriver) handle(h Handle) (*tinygoHandle, error) {
	th, ok := h.(*tinygoHandle)
	if !ok {
		return nil, fmt.Errorf("ble: foreign handle %T", h)
	}
	if th.connectedDevice() == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, th.address)
	}
	return th, nil
}

func characteristic(c Characteristic) (*tinygoCharacteristic, error) {
	tc, ok := c.(*tinygoCharacteristic)
	if !ok {
		return nil, fmt.Errorf("ble: foreign characteristic %T", c)
	}
	return tc, nil
}

// Compile-time check that TinyGoDriver implements Driver.
var _ Driver = (*TinyGoDriver)(nil)

type charKey struct {
	service, char uuid.UUID
}

type tinygoHandle struct {
	address string

	mu           sync.Mutex
	device       *bluetooth.Device
	chars        map[charKey]*tinygoCharacteristic
	closed       bool
	disconnected bool // Disconnect was issued on device
}

func (h *tinygoHandle) Address() string { return h.address }

func (h *tinygoHandle) Characteristic(service, char uuid.UUID) (Characteristic, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.chars[charKey{service, char}]
	if !ok {
		return nil, false
	}
	return c, true
}

// attach records the connected device. It reports false once the handle
// is closed; the caller then owns the link.
func (h *tinygoHandle) attach(device *bluetooth.Device) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.device = device
	return true
}

// startDisconnect returns the device to disconnect, or nil when it was
// already disconnected.
func (h *tinygoHandle) startDisconnect() *bluetooth.Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.device == nil || h.disconnected {
		return nil
	}
	h.disconnected = true
	return h.device
}

// release closes the handle and returns a device that is still connected.
func (h *tinygoHandle) release() *bluetooth.Device {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.startDisconnect()
}

func (h *tinygoHandle) connectedDevice() *bluetooth.Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	return h.device
}

// discover walks the full service tree and indexes every characteristic.
func (h *tinygoHandle) discover() error {
	device := h.connectedDevice()
	if device == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, h.address)
	}
	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("ble: discover services: %w", err)
	}
	chars := make(map[charKey]*tinygoCharacteristic)
	for i := range svcs {
		svcID, err := uuid.Parse(svcs[i].UUID().String())
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		found, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("ble: discover characteristics of %s: %w", svcID, err)
		}
		for j := range found {
			charID, err := uuid.Parse(found[j].UUID().String())
			if err != nil {
				return fmt.Errorf("ble: parse characteristic UUID: %w", err)
			}
			chars[charKey{svcID, charID}] = &tinygoCharacteristic{
				service: svcID,
				id:      charID,
				char:    &found[j],
			}
		}
	}
	h.mu.Lock()
	h.chars = chars
	h.mu.Unlock()
	return nil
}

type tinygoCharacteristic struct {
	service uuid.UUID
	id      uuid.UUID
	char    *bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) Service() uuid.UUID { return c.service }
func (c *tinygoCharacteristic) UUID() uuid.UUID    { return c.id }
