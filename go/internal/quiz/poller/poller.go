package poller

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Poller runs a function on a fixed interval. At most one ticker exists per Poller.
type Poller struct {
	name  string
	clock clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

func New(name string, clock clockwork.Clock) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		name:  name,
		clock: clock,
	}
}

// Start begins calling fn every interval. It is a no-op when already running or when
// interval is not positive. The first call happens after one interval.
func (p *Poller) Start(interval time.Duration, fn func()) {
	if interval <= 0 || fn == nil {
		return
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		log.Debug().Str("poller", p.name).Msg("poller already running")
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stopChan, p.done
	ticker := p.clock.NewTicker(interval)
	p.mu.Unlock()

	go p.run(ticker, stop, done, fn)

	log.Debug().
		Str("poller", p.name).
		Dur("interval", interval).
		Msg("poller started")
}

// Stop cancels polling and waits for an in-flight call to return. It is a no-op when idle.
// fn must not call Stop on its own Poller.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	done := p.done
	p.mu.Unlock()

	<-done

	log.Debug().Str("poller", p.name).Msg("poller stopped")
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(ticker clockwork.Ticker, stop <-chan struct{}, done chan<- struct{}, fn func()) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			select {
			case <-stop:
				return
			default:
			}
			fn()
		}
	}
}
