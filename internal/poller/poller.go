// Package poller refreshes a value on a fixed interval.
//
// A tick that arrives while the previous fetch is still running is
// dropped, not queued. A failed fetch never replaces the last good value;
// it is reported through OnError only.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// FetchFunc loads the current value.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Option configures a Poller.
type Option[T any] func(*Poller[T])

// WithOnResult is called with every successful fetch.
func WithOnResult[T any](fn func(T)) Option[T] {
	return func(p *Poller[T]) { p.onResult = fn }
}

// WithOnError is called with every failed fetch.
func WithOnError[T any](fn func(error)) Option[T] {
	return func(p *Poller[T]) { p.onError = fn }
}

// WithLogger sets the logger.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(p *Poller[T]) { p.logger = l }
}

// WithFetchTimeout bounds each fetch. Zero means the interval.
func WithFetchTimeout[T any](d time.Duration) Option[T] {
	return func(p *Poller[T]) { p.fetchTimeout = d }
}

// Poller runs fetch every interval, starting immediately.
type Poller[T any] struct {
	name         string
	interval     time.Duration
	fetchTimeout time.Duration
	fetch        FetchFunc[T]
	onResult     func(T)
	onError      func(error)
	logger       *slog.Logger

	inFlight atomic.Bool
	running  atomic.Bool
	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	mu          sync.RWMutex
	last        T
	hasValue    bool
	lastErr     error
	lastSuccess time.Time
}

// New creates a poller. name labels its metrics and log lines.
func New[T any](name string, interval time.Duration, fetch FetchFunc[T], opts ...Option[T]) *Poller[T] {
	p := &Poller[T]{
		name:     name,
		interval: interval,
		fetch:    fetch,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.fetchTimeout <= 0 {
		p.fetchTimeout = interval
	}
	return p
}

// Start launches the loop. The first fetch happens right away.
func (p *Poller[T]) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	go p.loop(ctx)
}

// Stop ends the loop and waits for an in-flight fetch to return.
// Safe to call more than once, and before Start.
func (p *Poller[T]) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.running.Load() {
		<-p.done
	}
}

// Running reports whether the loop is active.
func (p *Poller[T]) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return p.running.Load()
	}
}

// Trigger asks for an out-of-band refresh. Repeated calls before the loop
// picks one up collapse into one.
func (p *Poller[T]) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Latest returns the last successfully fetched value.
func (p *Poller[T]) Latest() (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.hasValue
}

// LastError returns the error of the most recent fetch, or nil if it succeeded.
func (p *Poller[T]) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// LastSuccess returns when a fetch last succeeded.
func (p *Poller[T]) LastSuccess() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSuccess
}

func (p *Poller[T]) loop(ctx context.Context) {
	defer close(p.done)
	defer p.wg.Wait()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick(ctx)
		case <-p.trigger:
			p.tick(ctx)
		}
	}
}

// tick starts a fetch unless one is already running.
func (p *Poller[T]) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		skipped.WithLabelValues(p.name).Inc()
		p.logger.Debug("poll skipped, previous fetch still running", "poller", p.name)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Store(false)
		p.run(ctx)
	}()
}

func (p *Poller[T]) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in poller", "poller", p.name, "panic", fmt.Sprint(r))
			p.fail(fmt.Errorf("poller %s: panic: %v", p.name, r))
		}
	}()

	fctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	start := time.Now()
	v, err := p.fetch(fctx)
	fetchDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	if err != nil {
		p.fail(err)
		return
	}

	fetches.WithLabelValues(p.name, "ok").Inc()
	p.mu.Lock()
	p.last = v
	p.hasValue = true
	p.lastErr = nil
	p.lastSuccess = time.Now()
	p.mu.Unlock()

	if p.onResult != nil {
		p.onResult(v)
	}
}

func (p *Poller[T]) fail(err error) {
	fetches.WithLabelValues(p.name, "error").Inc()
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()

	p.logger.Warn("poll failed", "poller", p.name, "error", err)
	if p.onError != nil {
		p.onError(err)
	}
}
