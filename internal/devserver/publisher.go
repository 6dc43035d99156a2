package devserver

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/jawaracloud/live-pairing/pkg/models"
)

// Publisher pushes envelopes onto the per-user NATS subjects the client's
// realtime channels listen on.
type Publisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NewPublisher connects to NATS.
func NewPublisher(url string, log zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Publisher{nc: nc, log: log.With().Str("component", "publisher").Logger()}, nil
}

// Close drains the connection.
func (p *Publisher) Close() { p.nc.Close() }

// Publish sends one event to one user on a namespace ("control" or
// "chat").
func (p *Publisher) Publish(namespace, userID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error().Err(err).Str("event", event).Msg("marshal event payload")
		return
	}
	env, err := json.Marshal(models.Envelope{Event: event, Data: data})
	if err != nil {
		p.log.Error().Err(err).Str("event", event).Msg("marshal envelope")
		return
	}
	subject := fmt.Sprintf("pairing.%s.%s", namespace, userID)
	if err := p.nc.Publish(subject, env); err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("publish failed")
	}
}
