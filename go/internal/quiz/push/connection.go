package push

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
)

var (
	ErrNotSubscribed   = errors.New("push: no active subscription")
	ErrSendBufferFull  = errors.New("push: send buffer full")
	ErrRejected        = errors.New("push: subscription rejected")
	ErrReconnectsSpent = errors.New("push: reconnect attempts exhausted")
)

// Transport opens subscriptions to a session's broadcast channel.
//
// Subscribe returns once the subscription is registered; connection progress and
// broadcasts are reported through sink, possibly from other goroutines.
type Transport interface {
	Subscribe(ctx context.Context, code models.SessionCode, sink Sink) (Subscription, error)
}

// Subscription is one live channel subscription.
type Subscription interface {
	Perform(action string, data map[string]any) error
	Unsubscribe() error
}

// Connection owns at most one subscription at a time and funnels its events onto a
// single channel. Events from a subscription that has been replaced or closed are dropped.
type Connection struct {
	transport Transport
	events    chan Event

	mu      sync.Mutex
	code    models.SessionCode
	sub     Subscription
	gen     uint64
	genDone chan struct{}
}

func NewConnection(transport Transport, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 256
	}
	return &Connection{
		transport: transport,
		events:    make(chan Event, buffer),
	}
}

// Events is never closed; consumers stop reading when their own context ends.
func (c *Connection) Events() <-chan Event {
	return c.events
}

func (c *Connection) Code() models.SessionCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// Open subscribes to code. Opening the code that is already open is a no-op; opening a
// different code closes the previous subscription first. Subscribe failures are reported
// as an EventError rather than returned.
func (c *Connection) Open(ctx context.Context, code models.SessionCode) {
	if code == "" {
		return
	}

	c.mu.Lock()
	if c.code == code && c.genDone != nil {
		c.mu.Unlock()
		return
	}
	prev, prevDone := c.sub, c.genDone
	c.gen++
	gen := c.gen
	done := make(chan struct{})
	c.code, c.sub, c.genDone = code, nil, done
	c.mu.Unlock()

	c.teardown(prev, prevDone)

	sink := func(ev Event) {
		ev.Code = code
		c.deliver(gen, done, ev)
	}

	sub, err := c.transport.Subscribe(ctx, code, sink)
	if err != nil {
		log.Error().Err(err).Str("game_code", string(code)).Msg("failed to subscribe to game channel")
		sink(Event{Kind: EventError, Err: err})

		// Leave the connection closed so a later Open of the same code retries.
		c.mu.Lock()
		if c.gen == gen {
			c.gen++
			c.code, c.genDone = "", nil
			close(done)
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		// Superseded while subscribing.
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("game_code", string(code)).Msg("unsubscribe of superseded subscription failed")
		}
		return
	}
	c.sub = sub
	c.mu.Unlock()

	log.Info().Str("game_code", string(code)).Msg("subscribed to game channel")
}

// Close tears the subscription down. Safe to call when nothing is open.
func (c *Connection) Close() {
	c.mu.Lock()
	prev, prevDone, code := c.sub, c.genDone, c.code
	c.gen++
	c.code, c.sub, c.genDone = "", nil, nil
	c.mu.Unlock()

	if prevDone == nil {
		return
	}
	c.teardown(prev, prevDone)
	log.Info().Str("game_code", string(code)).Msg("game channel closed")
}

func (c *Connection) teardown(sub Subscription, done chan struct{}) {
	if done != nil {
		close(done)
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe from game channel")
		}
	}
}

// Send performs action on the open subscription. It reports false when there is no
// subscription or the transport refused the message; delivery is never confirmed.
func (c *Connection) Send(action string, data map[string]any) bool {
	c.mu.Lock()
	sub, code := c.sub, c.code
	c.mu.Unlock()

	if sub == nil {
		log.Warn().Str("action", action).Msg("cannot send message: channel not connected")
		return false
	}
	if err := sub.Perform(action, data); err != nil {
		log.Warn().Err(err).Str("game_code", string(code)).Str("action", action).Msg("failed to send message")
		return false
	}
	return true
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Connection) deliver(gen uint64, done <-chan struct{}, ev Event) {
	if !c.current(gen) {
		return
	}
	select {
	case c.events <- ev:
	case <-done:
	}
}
