package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
)

// ActionCableConfig holds configuration for the Rails ActionCable transport.
type ActionCableConfig struct {
	URL              string
	Channel          string
	Origin           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout bounds the silence between frames; the server pings every few seconds.
	ReadTimeout    time.Duration
	MaxMessageSize int64
	MaxReconnects  int // -1 for unlimited
	ReconnectWait  time.Duration
}

// DefaultActionCableConfig returns default ActionCable configuration for url.
func DefaultActionCableConfig(url string) ActionCableConfig {
	return ActionCableConfig{
		URL:              url,
		Channel:          "GameChannel",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      15 * time.Second,
		MaxMessageSize:   64 * 1024,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
	}
}

// ActionCableTransport subscribes to game channels on a Rails ActionCable endpoint.
// Every subscription gets its own websocket so a subscription's lifecycle maps onto
// exactly one connect/disconnect stream.
type ActionCableTransport struct {
	config ActionCableConfig
	dialer *websocket.Dialer
	clock  clockwork.Clock
}

func NewActionCableTransport(config ActionCableConfig, clock clockwork.Clock) *ActionCableTransport {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.Channel == "" {
		config.Channel = "GameChannel"
	}
	return &ActionCableTransport{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			Subprotocols:     []string{"actioncable-v1-json", "actioncable-unsupported"},
		},
		clock: clock,
	}
}

// cableFrame is a server-to-client ActionCable frame.
type cableFrame struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Reconnect  *bool           `json:"reconnect,omitempty"`
}

// cableCommand is a client-to-server ActionCable command.
type cableCommand struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

type channelIdentifier struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

func (t *ActionCableTransport) Subscribe(ctx context.Context, code models.SessionCode, sink Sink) (Subscription, error) {
	identifier, err := json.Marshal(channelIdentifier{Channel: t.config.Channel, Code: string(code)})
	if err != nil {
		return nil, fmt.Errorf("encode channel identifier: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &cableSubscription{
		id:         uuid.New().String(),
		transport:  t,
		code:       code,
		identifier: string(identifier),
		sink:       sink,
		ctx:        subCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.connectLoop()

	return s, nil
}

type cableSubscription struct {
	id         string
	transport  *ActionCableTransport
	code       models.SessionCode
	identifier string
	sink       Sink

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	outbox    chan []byte
	confirmed bool
}

func (s *cableSubscription) Perform(action string, data map[string]any) error {
	s.mu.Lock()
	out, confirmed := s.outbox, s.confirmed
	s.mu.Unlock()

	if out == nil || !confirmed {
		return ErrNotSubscribed
	}

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["action"] = action

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode action data: %w", err)
	}
	frame, err := json.Marshal(cableCommand{Command: "message", Identifier: s.identifier, Data: string(encoded)})
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	select {
	case out <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Unsubscribe stops reconnecting, tells the server goodbye and waits for the socket to close.
func (s *cableSubscription) Unsubscribe() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *cableSubscription) connectLoop() {
	defer close(s.done)

	cfg := s.transport.config
	failures := 0
	for {
		terminal, confirmed := s.connectOnce()
		if terminal || s.ctx.Err() != nil {
			return
		}
		if confirmed {
			failures = 0
		}
		failures++
		if cfg.MaxReconnects >= 0 && failures > cfg.MaxReconnects {
			log.Error().
				Str("connection_id", s.id).
				Str("game_code", string(s.code)).
				Int("attempts", failures).
				Msg("giving up on ActionCable reconnects")
			s.sink(Event{Kind: EventError, Err: ErrReconnectsSpent})
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.transport.clock.After(cfg.ReconnectWait):
		}
	}
}

// connectOnce runs one websocket session. terminal means the subscription must not be
// retried; confirmed means the server accepted the subscription during this session.
func (s *cableSubscription) connectOnce() (terminal, confirmed bool) {
	cfg := s.transport.config

	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}

	conn, _, err := s.transport.dialer.DialContext(s.ctx, cfg.URL, header)
	if err != nil {
		if s.ctx.Err() != nil {
			return true, false
		}
		log.Warn().Err(err).Str("connection_id", s.id).Str("url", cfg.URL).Msg("failed to dial ActionCable")
		s.sink(Event{Kind: EventError, Err: fmt.Errorf("dial action cable: %w", err)})
		return false, false
	}

	out := make(chan []byte, 64)
	s.mu.Lock()
	s.outbox = out
	s.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(s.ctx)
	writerDone := make(chan struct{})
	go s.writePump(sessionCtx, conn, out, writerDone)

	terminal, confirmed = s.readPump(conn, out)

	cancel()
	<-writerDone
	conn.Close()

	s.mu.Lock()
	s.outbox = nil
	wasConfirmed := s.confirmed
	s.confirmed = false
	s.mu.Unlock()

	if wasConfirmed {
		log.Info().Str("connection_id", s.id).Str("game_code", string(s.code)).Msg("ActionCable subscription disconnected")
		s.sink(Event{Kind: EventDisconnected})
	}
	if s.ctx.Err() != nil {
		terminal = true
	}
	return terminal, confirmed
}

// writePump is the only writer on conn.
func (s *cableSubscription) writePump(ctx context.Context, conn *websocket.Conn, out <-chan []byte, done chan<- struct{}) {
	cfg := s.transport.config
	defer func() {
		conn.Close()
		close(done)
	}()

	for {
		select {
		case frame := <-out:
			conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("connection_id", s.id).Msg("failed to write to ActionCable")
				return
			}
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				s.goodbye(conn)
			}
			return
		}
	}
}

func (s *cableSubscription) goodbye(conn *websocket.Conn) {
	deadline := time.Now().Add(s.transport.config.WriteTimeout)
	if frame, err := json.Marshal(cableCommand{Command: "unsubscribe", Identifier: s.identifier}); err == nil {
		conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (s *cableSubscription) readPump(conn *websocket.Conn, out chan<- []byte) (terminal, confirmed bool) {
	cfg := s.transport.config
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection_id", s.id).Msg("unexpected ActionCable close")
			}
			return false, confirmed
		}

		var frame cableFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug().Err(err).Str("connection_id", s.id).Msg("ignoring undecodable ActionCable frame")
			continue
		}

		switch frame.Type {
		case "welcome":
			cmd, _ := json.Marshal(cableCommand{Command: "subscribe", Identifier: s.identifier})
			select {
			case out <- cmd:
			default:
				return false, confirmed
			}
		case "ping":
		case "confirm_subscription":
			if frame.Identifier != s.identifier {
				continue
			}
			s.mu.Lock()
			s.confirmed = true
			s.mu.Unlock()
			confirmed = true
			log.Info().Str("connection_id", s.id).Str("game_code", string(s.code)).Msg("ActionCable subscription confirmed")
			s.sink(Event{Kind: EventConnected})
		case "reject_subscription":
			if frame.Identifier != s.identifier {
				continue
			}
			log.Error().Str("connection_id", s.id).Str("game_code", string(s.code)).Msg("ActionCable subscription rejected")
			s.sink(Event{Kind: EventError, Err: fmt.Errorf("%w: game %s", ErrRejected, s.code)})
			return true, confirmed
		case "disconnect":
			log.Info().Str("connection_id", s.id).Str("reason", frame.Reason).Msg("ActionCable server disconnect")
			if frame.Reconnect != nil && !*frame.Reconnect {
				return true, confirmed
			}
			return false, confirmed
		case "":
			if frame.Identifier != s.identifier || len(frame.Message) == 0 {
				continue
			}
			msg, err := DecodeMessage(frame.Message)
			if err != nil {
				log.Debug().Err(err).Str("connection_id", s.id).RawJSON("message", frame.Message).Msg("ignoring malformed broadcast")
				continue
			}
			s.sink(Event{Kind: EventMessage, Message: msg})
		default:
			log.Debug().Str("type", frame.Type).Msg("ignoring unknown ActionCable frame type")
		}
	}
}
