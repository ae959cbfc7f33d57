package ble

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies an outward notification.
type EventKind int

const (
	DevicesUpdated EventKind = iota + 1
	ScanFinished
	DeviceConnected
	DeviceDisconnected
	DeviceError
	NotificationReceived
)

var eventKindNames = map[EventKind]string{
	DevicesUpdated:       "devices_updated",
	ScanFinished:         "scan_finished",
	DeviceConnected:      "device_connected",
	DeviceDisconnected:   "device_disconnected",
	DeviceError:          "device_error",
	NotificationReceived: "notification",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// DeviceInfo identifies a peripheral in events.
type DeviceInfo struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Event is a state change published by the Manager. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind EventKind
	Time time.Time

	Device  *DeviceInfo  // connected, disconnected, error, notification
	Devices []DeviceInfo // devices updated
	Status  Status       // error

	Service        uuid.UUID // notification
	Characteristic uuid.UUID // notification
	Value          []byte    // notification
}

// Publisher receives events. Publish is called with the manager's state lock
// held: it must not block and must not call back into the Manager.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

func (r *DeviceRecord) info() *DeviceInfo {
	if r == nil {
		return nil
	}
	return &DeviceInfo{Name: r.Name, Address: r.Address}
}

func (m *Manager) publish(e Event) {
	e.Time = m.now()
	m.publisher.Publish(e)
}

func (m *Manager) publishDeviceError(s *session, status Status) {
	m.log.Warn().Int("status", int(status)).Str("state", s.state.String()).Msg("[BLE] device error")
	m.publish(Event{Kind: DeviceError, Device: s.device.info(), Status: status})
}
