package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
)

// NATSConfig holds configuration for the NATS transport.
type NATSConfig struct {
	URL           string
	SubjectPrefix string // e.g. "quiz.games"; broadcasts arrive on <prefix>.<code>
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default NATS transport configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "quiz.games",
		Name:          "bokquiz-client",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSTransport receives game broadcasts relayed onto NATS subjects. It carries the same
// {type, payload} envelope as the ActionCable channel.
type NATSTransport struct {
	config NATSConfig
}

func NewNATSTransport(config NATSConfig) *NATSTransport {
	return &NATSTransport{config: config}
}

func (t *NATSTransport) subject(code models.SessionCode) string {
	return fmt.Sprintf("%s.%s", t.config.SubjectPrefix, code)
}

// actionSubject is where client actions for a game subject are published.
func actionSubject(subject, action string) string {
	return fmt.Sprintf("%s.actions.%s", subject, action)
}

func (t *NATSTransport) Subscribe(ctx context.Context, code models.SessionCode, sink Sink) (Subscription, error) {
	h := natsHandlers{code: code, sink: sink}
	opts := []nats.Option{
		nats.Name(t.config.Name),
		nats.MaxReconnects(t.config.MaxReconnects),
		nats.ReconnectWait(t.config.ReconnectWait),
		nats.DisconnectErrHandler(h.disconnected),
		nats.ReconnectHandler(h.reconnected),
		nats.ErrorHandler(h.asyncError),
	}

	nc, err := nats.Connect(t.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	subject := t.subject(code)
	sub, err := nc.Subscribe(subject, h.message)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := nc.FlushWithContext(flushCtx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("flush subscription %s: %w", subject, err)
	}

	log.Info().Str("subject", subject).Msg("subscribed to NATS game subject")
	sink(Event{Kind: EventConnected})

	return &natsSubscription{conn: nc, sub: sub, subject: subject}, nil
}

// natsHandlers turns NATS connection callbacks and deliveries into sink events.
type natsHandlers struct {
	code models.SessionCode
	sink Sink
}

func (h natsHandlers) disconnected(nc *nats.Conn, err error) {
	log.Error().Err(err).Str("game_code", string(h.code)).Msg("NATS disconnected")
	h.sink(Event{Kind: EventDisconnected, Err: err})
}

func (h natsHandlers) reconnected(nc *nats.Conn) {
	log.Info().Str("url", nc.ConnectedUrl()).Str("game_code", string(h.code)).Msg("NATS reconnected")
	h.sink(Event{Kind: EventConnected})
}

func (h natsHandlers) asyncError(nc *nats.Conn, sub *nats.Subscription, err error) {
	log.Error().Err(err).Str("game_code", string(h.code)).Msg("NATS error")
	h.sink(Event{Kind: EventError, Err: err})
}

func (h natsHandlers) message(m *nats.Msg) {
	msg, err := DecodeMessage(m.Data)
	if err != nil {
		log.Debug().Err(err).Str("subject", m.Subject).Msg("ignoring malformed broadcast")
		return
	}
	h.sink(Event{Kind: EventMessage, Message: msg})
}

// natsConn is the part of *nats.Conn a subscription uses.
type natsConn interface {
	IsConnected() bool
	Publish(subject string, data []byte) error
	Close()
}

type natsSubscription struct {
	conn    natsConn
	sub     *nats.Subscription
	subject string
}

// Perform publishes to <subject>.actions.<action>.
func (s *natsSubscription) Perform(action string, data map[string]any) error {
	if !s.conn.IsConnected() {
		return ErrNotSubscribed
	}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode action data: %w", err)
	}
	return s.conn.Publish(actionSubject(s.subject, action), body)
}

func (s *natsSubscription) Unsubscribe() error {
	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
	}
	s.conn.Close()
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", s.subject, err)
	}
	return nil
}
