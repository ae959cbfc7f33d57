package events

import (
	"encoding/hex"

	"github.com/chaz8081/syncble/internal/ble"
	"github.com/rs/zerolog"
)

// Multi publishes every event to each publisher in order.
type Multi []ble.Publisher

func (m Multi) Publish(e ble.Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// LogSink writes one log line per event.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink returns a sink logging to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{log: logger.With().Str("component", "events").Logger()}
}

func (s *LogSink) Publish(e ble.Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case ble.DeviceError:
		ev = s.log.Warn().Int("status", int(e.Status))
	case ble.NotificationReceived:
		ev = s.log.Debug().
			Stringer("service", e.Service).
			Stringer("characteristic", e.Characteristic).
			Str("value", hex.EncodeToString(e.Value))
	case ble.DevicesUpdated:
		ev = s.log.Debug().Int("devices", len(e.Devices))
	default:
		ev = s.log.Info()
	}
	if e.Device != nil {
		ev = ev.Str("address", e.Device.Address).Str("name", e.Device.Name)
	}
	ev.Str("kind", e.Kind.String()).Msg("event")
}
