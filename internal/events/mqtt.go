package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/syncble/internal/ble"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTPublisher is the part of mqtt.Client the sink uses.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOptions configures DialMQTT.
type MQTTOptions struct {
	Broker   string
	ClientID string
}

// DialMQTT connects to an MQTT broker with automatic reconnection.
func DialMQTT(o MQTTOptions, logger zerolog.Logger) (mqtt.Client, error) {
	log := logger.With().Str("component", "mqtt").Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", o.Broker).Msg("connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("events: connect to MQTT broker %s: timeout", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("events: connect to MQTT broker %s: %w", o.Broker, err)
	}
	return client, nil
}

// MQTTSink publishes events as JSON on "<prefix>/<kind>". It does not wait
// for the broker to acknowledge.
type MQTTSink struct {
	client MQTTPublisher
	prefix string
	qos    byte
	log    zerolog.Logger
}

// NewMQTTSink returns a sink publishing through client.
func NewMQTTSink(client MQTTPublisher, prefix string, qos byte, logger zerolog.Logger) *MQTTSink {
	return &MQTTSink{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
		log:    logger.With().Str("component", "mqtt").Logger(),
	}
}

// Topic returns the topic events of kind k are published on.
func (s *MQTTSink) Topic(k ble.EventKind) string {
	if s.prefix == "" {
		return k.String()
	}
	return s.prefix + "/" + k.String()
}

func (s *MQTTSink) Publish(e ble.Event) {
	data, err := Marshal(e)
	if err != nil {
		s.log.Error().Err(err).Str("kind", e.Kind.String()).Msg("failed to marshal event")
		return
	}
	topic := s.Topic(e.Kind)
	// Device list snapshots are retained so late subscribers see the
	// current set.
	retained := e.Kind == ble.DevicesUpdated
	s.client.Publish(topic, s.qos, retained, data)
}
