package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/syncble/internal/ble"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSPublisher is the part of *nats.Conn the sink uses.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSOptions configures DialNATS.
type NATSOptions struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DialNATS connects to a NATS server, logging connection changes.
func DialNATS(o NATSOptions, logger zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "nats").Logger()
	url := o.URL
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.Name(o.Name),
		nats.MaxReconnects(o.MaxReconnects),
		nats.ReconnectWait(o.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: connect to NATS at %s: %w", url, err)
	}
	log.Info().Str("url", url).Msg("connected to NATS")
	return nc, nil
}

// NATSSink publishes events as JSON on "<prefix>.<kind>".
type NATSSink struct {
	conn   NATSPublisher
	prefix string
	log    zerolog.Logger
}

// NewNATSSink returns a sink publishing through conn.
func NewNATSSink(conn NATSPublisher, prefix string, logger zerolog.Logger) *NATSSink {
	return &NATSSink{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		log:    logger.With().Str("component", "nats").Logger(),
	}
}

// Subject returns the subject events of kind k are published on.
func (s *NATSSink) Subject(k ble.EventKind) string {
	if s.prefix == "" {
		return k.String()
	}
	return s.prefix + "." + k.String()
}

func (s *NATSSink) Publish(e ble.Event) {
	data, err := Marshal(e)
	if err != nil {
		s.log.Error().Err(err).Str("kind", e.Kind.String()).Msg("failed to marshal event")
		return
	}
	subject := s.Subject(e.Kind)
	if err := s.conn.Publish(subject, data); err != nil {
		s.log.Error().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}
