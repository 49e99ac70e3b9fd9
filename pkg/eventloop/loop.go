// Package eventloop provides the single cooperative scheduler the job
// lifecycle runs on.
//
// Every mutation of shared job state and every change notification executes
// as a callback on one Loop goroutine, one callback at a time and to
// completion. I/O happens elsewhere; goroutines doing I/O post their
// completions back with Post. Because of this the job registry itself needs
// no locking.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted to a loop that has stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop runs posted callbacks sequentially in FIFO order.
//
// The queue is unbounded so callbacks may post further work without
// deadlocking the loop. The internal mutex only guards the queue; callbacks
// never run while it is held.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	running bool

	clock Clock
	log   *zap.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock used by After. Defaults to SystemClock.
func WithClock(c Clock) Option {
	return func(l *Loop) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the logger used for recovered callback panics.
func WithLogger(log *zap.Logger) Option {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// New creates a loop. Call Run to start executing callbacks.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake:  make(chan struct{}, 1),
		clock: SystemClock{},
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Clock returns the loop's clock.
func (l *Loop) Clock() Clock {
	return l.clock
}

// Post enqueues fn. It returns false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits for it to finish.
//
// Do must not be called from a callback running on the loop; use a plain
// call there instead.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// After runs fn on the loop once d has elapsed on the loop's clock.
func (l *Loop) After(d time.Duration, fn func()) Timer {
	return l.clock.AfterFunc(d, func() { l.Post(fn) })
}

// Run executes callbacks until ctx is done. Pending callbacks are dropped on
// exit and later Posts fail.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running || l.stopped {
		l.mu.Unlock()
		return errors.New("event loop already started")
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()

	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.invoke(fn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Drain runs queued callbacks on the calling goroutine until the queue is
// empty. It is meant for tests and single-goroutine tools that never call Run.
func (l *Loop) Drain() int {
	n := 0
	for {
		fn, ok := l.next()
		if !ok {
			return n
		}
		l.invoke(fn)
		n++
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Event loop callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
