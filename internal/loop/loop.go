// Package loop provides the single control goroutine that owns the pipeline
// state. Work from other goroutines reaches it through Post and Call.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrNotRunning = errors.New("loop is not running")

type Poster interface {
	Post(fn func())
}

type Loop struct {
	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	qmu   sync.Mutex
	queue []func()
	wake  chan struct{}
}

func New() *Loop {
	return &Loop{
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
}

func (l *Loop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running.Store(true)

	go func() {
		defer close(l.done)

		slog.Info("control loop started")

		// Tasks posted before Start run first.
		l.drain()

		for {
			select {
			case <-ctx.Done():
				slog.Info("control loop stopping")
				return
			case <-l.wake:
				l.drain()
			}
		}
	}()

	return true
}

// Stop halts the loop. Tasks still queued stay queued for the next Start.
func (l *Loop) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running.Load() {
		return false
	}

	l.cancel()
	<-l.done
	l.running.Store(false)

	slog.Info("control loop stopped")
	return true
}

func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

// Post queues fn for the loop goroutine. It never blocks.
func (l *Loop) Post(fn func()) {
	l.qmu.Lock()
	l.queue = append(l.queue, fn)
	l.qmu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	if !l.running.Load() {
		return ErrNotRunning
	}
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc fires fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

func (l *Loop) drain() {
	for {
		l.qmu.Lock()
		tasks := l.queue
		l.queue = nil
		l.qmu.Unlock()

		if len(tasks) == 0 {
			return
		}
		for _, fn := range tasks {
			l.safeRun(fn)
		}
	}
}

func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("control loop task panic recovered", "panic", r)
		}
	}()

	fn()
}
