// Package events delivers manager events to observers: in-process
// subscribers, the log, NATS and MQTT.
package events

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/chaz8081/syncble/internal/ble"
	"github.com/google/uuid"
)

// Message is the wire form of a ble.Event.
type Message struct {
	Kind           string            `json:"kind"`
	Time           time.Time         `json:"time"`
	Device         *ble.DeviceInfo   `json:"device,omitempty"`
	Devices        *[]ble.DeviceInfo `json:"devices,omitempty"` // set for devices_updated only
	Status         *int              `json:"status,omitempty"`
	Service        string            `json:"service,omitempty"`
	Characteristic string            `json:"characteristic,omitempty"`
	Value          string            `json:"value,omitempty"` // hex
}

// Encode converts e to its wire form.
func Encode(e ble.Event) Message {
	msg := Message{
		Kind:   e.Kind.String(),
		Time:   e.Time.UTC(),
		Device: e.Device,
	}
	switch e.Kind {
	case ble.DeviceError:
		status := int(e.Status)
		msg.Status = &status
	case ble.NotificationReceived:
		msg.Service = uuidString(e.Service)
		msg.Characteristic = uuidString(e.Characteristic)
		msg.Value = hex.EncodeToString(e.Value)
	case ble.DevicesUpdated:
		devices := e.Devices
		if devices == nil {
			devices = []ble.DeviceInfo{}
		}
		msg.Devices = &devices
	}
	return msg
}

// Marshal returns the JSON encoding of e.
func Marshal(e ble.Event) ([]byte, error) {
	return json.Marshal(Encode(e))
}

func uuidString(u uuid.UUID) string {
	if u == uuid.Nil {
		return ""
	}
	return u.String()
}
