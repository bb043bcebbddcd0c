package gateway

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typerace/internal/protocol"
)

const eventSubjectPrefix = "race.events."

// Broker bridges game events over NATS so every gateway node fans the
// same frames out to its local connection pools.
type Broker struct {
	nc  *nats.Conn
	cm  *ConnectionManager
	sub *nats.Subscription
}

// NewBroker connects to NATS at url.
func NewBroker(url string, cm *ConnectionManager) (*Broker, error) {
	nc, err := nats.Connect(url,
		nats.Name("typerace-gateway"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Broker{nc: nc, cm: cm}, nil
}

// Publish implements the game service's Publisher over NATS.
func (b *Broker) Publish(gameID uuid.UUID, msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	subject := eventSubjectPrefix + gameID.String()
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe starts relaying every game's events to this node's local
// connection pools.
func (b *Broker) Subscribe() error {
	sub, err := b.nc.Subscribe(eventSubjectPrefix+">", func(m *nats.Msg) {
		gameID, err := uuid.Parse(strings.TrimPrefix(m.Subject, eventSubjectPrefix))
		if err != nil {
			log.Warn().Str("subject", m.Subject).Msg("ignoring event with malformed game id subject")
			return
		}
		b.cm.BroadcastToGame(gameID, m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to race events: %w", err)
	}
	b.sub = sub
	return nil
}

// Close drains the subscription and the connection.
func (b *Broker) Close() {
	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			log.Warn().Err(err).Msg("failed to drain nats subscription")
		}
	}
	if err := b.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("failed to drain nats connection")
	}
}
