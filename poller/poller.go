// Package poller runs a status fetch on a fixed interval while a view is in
// the foreground.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/massensors/beltconsole/telemetry"
)

// Ticker delivers ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a ticker with the given period.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewTicker wraps time.NewTicker.
func NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Result is handed to the update callback after every fetch.
type Result[T any] struct {
	Value T
	Err   error
	At    time.Time
}

// Option customises a poller.
type Option func(*settings)

type settings struct {
	newTicker TickerFactory
	immediate bool
	logger    zerolog.Logger
	metrics   telemetry.Collector
	now       func() time.Time
}

// WithTicker replaces the ticker factory.
func WithTicker(f TickerFactory) Option {
	return func(s *settings) {
		if f != nil {
			s.newTicker = f
		}
	}
}

// WithImmediate fetches once as soon as the poller starts.
func WithImmediate() Option {
	return func(s *settings) {
		s.immediate = true
	}
}

// WithLogger sets the poller logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithCollector records every delivered tick.
func WithCollector(c telemetry.Collector) Option {
	return func(s *settings) {
		if c != nil {
			s.metrics = c
		}
	}
}

// Poller repeatedly calls fetch and hands each result to update. A poller is
// either idle or active; at most one run is active at a time.
//
// Results are delivered while the poller's lock is held, so update must not
// call Start or Stop on the same poller.
type Poller[T any] struct {
	name     string
	interval time.Duration
	fetch    func(context.Context) (T, error)
	update   func(Result[T])
	settings

	mu       sync.Mutex
	gen      uint64
	active   bool
	inFlight bool
	stop     chan struct{}
	done     chan struct{}
}

// New creates an idle poller.
func New[T any](name string, interval time.Duration, fetch func(context.Context) (T, error), update func(Result[T]), opts ...Option) *Poller[T] {
	p := &Poller[T]{
		name:     name,
		interval: interval,
		fetch:    fetch,
		update:   update,
		settings: settings{
			newTicker: NewTicker,
			logger:    zerolog.Nop(),
			metrics:   telemetry.Noop(),
			now:       time.Now,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&p.settings)
		}
	}
	return p
}

// Name identifies the poller in logs and metrics.
func (p *Poller[T]) Name() string {
	return p.name
}

// Interval returns the tick period.
func (p *Poller[T]) Interval() time.Duration {
	return p.interval
}

// Active reports whether a run is in progress.
func (p *Poller[T]) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Start begins a new run, stopping any run already in progress. Fetches use
// ctx; cancelling it ends the run.
func (p *Poller[T]) Start(ctx context.Context) {
	p.mu.Lock()
	prevDone := p.haltLocked()
	p.gen++
	gen := p.gen
	p.active = true
	p.inFlight = false
	stop := make(chan struct{})
	done := make(chan struct{})
	p.stop = stop
	p.done = done
	ticker := p.newTicker(p.interval)
	if p.immediate {
		p.inFlight = true
		go p.run(ctx, gen)
	}
	p.mu.Unlock()

	if prevDone != nil {
		<-prevDone
	}
	p.logger.Debug().Str("poller", p.name).Dur("interval", p.interval).Msg("poller started")
	go p.loop(ctx, gen, ticker, stop, done)
}

// Stop ends the active run. Once Stop returns no further results are
// delivered; a fetch still in flight finishes but its result is dropped.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	wasActive := p.active
	done := p.haltLocked()
	p.mu.Unlock()
	if done != nil {
		<-done
	}
	if wasActive {
		p.logger.Debug().Str("poller", p.name).Msg("poller stopped")
	}
}

// haltLocked invalidates the current run and returns its loop's done channel.
func (p *Poller[T]) haltLocked() chan struct{} {
	if !p.active {
		return nil
	}
	p.gen++
	p.active = false
	close(p.stop)
	done := p.done
	p.stop = nil
	p.done = nil
	return done
}

func (p *Poller[T]) loop(ctx context.Context, gen uint64, ticker Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			p.mu.Lock()
			if p.gen == gen && p.active {
				p.gen++
				p.active = false
				p.stop = nil
				p.done = nil
			}
			p.mu.Unlock()
			return
		case <-ticker.C():
			p.mu.Lock()
			if p.gen != gen || !p.active {
				p.mu.Unlock()
				return
			}
			if p.inFlight {
				p.mu.Unlock()
				p.logger.Debug().Str("poller", p.name).Msg("previous fetch still running, skipping tick")
				continue
			}
			p.inFlight = true
			p.mu.Unlock()
			go p.run(ctx, gen)
		}
	}
}

func (p *Poller[T]) run(ctx context.Context, gen uint64) {
	value, err := p.fetch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || !p.active {
		return
	}
	p.inFlight = false
	p.metrics.IncPollTick(p.name, err == nil)
	if err != nil {
		p.logger.Debug().Err(err).Str("poller", p.name).Msg("poll failed")
	}
	if p.update != nil {
		p.update(Result[T]{Value: value, Err: err, At: p.now()})
	}
}
