// Package bluez drops BlueZ's cached GATT database for a peripheral over
// D-Bus. BlueZ keeps discovered services across connections; removing the
// device object forces a fresh discovery on the next connection.
package bluez

import (
	"fmt"
	"path"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	bluezService    = "org.bluez"
	deviceIface     = "org.bluez.Device1"
	adapterIface    = "org.bluez.Adapter1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// CacheInvalidator removes BlueZ device objects. The system bus is
// connected on first use.
type CacheInvalidator struct {
	log zerolog.Logger

	mu  sync.Mutex
	bus *dbus.Conn
}

// NewCacheInvalidator returns an invalidator that logs with logger.
func NewCacheInvalidator(logger zerolog.Logger) *CacheInvalidator {
	return &CacheInvalidator{log: logger.With().Str("component", "bluez").Logger()}
}

func (c *CacheInvalidator) conn() (*dbus.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus != nil {
		return c.bus, nil
	}
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	c.bus = bus
	return bus, nil
}

// Invalidate removes the device with the given address from its adapter.
// It reports false when BlueZ does not know the device.
func (c *CacheInvalidator) Invalidate(address string) (bool, error) {
	bus, err := c.conn()
	if err != nil {
		return false, err
	}

	var objs managedObjects
	call := bus.Object(bluezService, dbus.ObjectPath("/")).Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return false, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return false, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}

	devPath, adapter, ok := findDevice(objs, address)
	if !ok {
		c.log.Debug().Str("address", address).Msg("[BLE] device unknown to BlueZ, nothing to invalidate")
		return false, nil
	}
	if call := bus.Object(bluezService, adapter).Call(adapterIface+".RemoveDevice", 0, devPath); call.Err != nil {
		return false, fmt.Errorf("bluez: RemoveDevice(%s): %w", devPath, call.Err)
	}
	c.log.Info().Str("address", address).Str("path", string(devPath)).Msg("[BLE] GATT cache invalidated")
	return true, nil
}

// Close releases the system bus connection.
func (c *CacheInvalidator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus == nil {
		return nil
	}
	err := c.bus.Close()
	c.bus = nil
	return err
}

// findDevice returns the Device1 object for address and the adapter that
// owns it.
func findDevice(objs managedObjects, address string) (dbus.ObjectPath, dbus.ObjectPath, bool) {
	for p, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		mac := ""
		if v, ok := props["Address"]; ok {
			mac, _ = v.Value().(string)
		}
		if mac == "" {
			mac = macFromPath(p)
		}
		if !strings.EqualFold(mac, address) {
			continue
		}
		adapter := dbus.ObjectPath(path.Dir(string(p)))
		if v, ok := props["Adapter"]; ok {
			if a, ok := v.Value().(dbus.ObjectPath); ok && a.IsValid() {
				adapter = a
			}
		}
		return p, adapter, true
	}
	return "", "", false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
