// ABOUTME: Single-goroutine main context that owns every observable collection
// ABOUTME: Background work posts closures here so state mutations never race
package livesync

import (
	"context"
	"errors"
	"sync"
)

// ErrLoopClosed is returned when work is posted to a closed loop.
var ErrLoopClosed = errors.New("loop closed")

// Loop runs posted closures one at a time in posting order.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	signal  chan struct{}
	closed  bool
	stopped chan struct{}
	exited  chan struct{}
}

func NewLoop() *Loop {
	return &Loop{
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Start runs the loop on its own goroutine.
func (l *Loop) Start() *Loop {
	go l.Run()
	return l
}

// Run processes closures until Close. Call it at most once.
func (l *Loop) Run() {
	defer close(l.exited)
	for {
		l.mu.Lock()
		if l.closed {
			l.queue = nil
			l.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			select {
			case <-l.signal:
			case <-l.stopped:
			}
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// Post queues fn without waiting. Returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it. It must not be called from the loop itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrLoopClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		// fn may have completed just before the close
		select {
		case <-done:
			return nil
		default:
			return ErrLoopClosed
		}
	}
}

// Close stops the loop. Queued closures that have not started are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.stopped)
}

// Exited is closed once Run has returned.
func (l *Loop) Exited() <-chan struct{} {
	return l.exited
}
