// Package notify serializes vendor I/O on one goroutine and turns bursts of
// OPC UA data changes into single delayed callbacks.
package notify

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

var ErrLoopClosed = errors.New("loop closed")

// Loop runs posted functions one at a time on a single goroutine locked to
// its OS thread. Every call into the vendor tree session, the Virtuos DLL and
// the OPC UA client goes through it.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	l := &Loop{
		tasks: make(chan func(), buffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	// COM apartments are bound to the OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			return
		}
	}
}

// Post queues fn. It reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Task states of a Do call.
const (
	taskQueued int32 = iota
	taskRunning
	taskAbandoned
)

// Do runs fn on the loop and waits for its result. It must not be called
// from a function already running on the loop.
//
// If ctx ends while fn is still queued, fn never runs and Do returns
// ctx.Err(). Once fn has started, Do waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	_, err := Call(ctx, l, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

type outcome[T any] struct {
	val T
	err error
}

// Call is Do for functions with a result. The value travels back over the
// result channel, so fn shares no variables with the caller.
func Call[T any](ctx context.Context, l *Loop, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	var state atomic.Int32
	result := make(chan outcome[T], 1)
	task := func() {
		if !state.CompareAndSwap(taskQueued, taskRunning) {
			return
		}
		v, err := fn()
		result <- outcome[T]{v, err}
	}
	if !l.Post(task) {
		return zero, ErrLoopClosed
	}
	select {
	case r := <-result:
		return r.val, r.err
	case <-ctx.Done():
		if state.CompareAndSwap(taskQueued, taskAbandoned) {
			return zero, ctx.Err()
		}
	case <-l.done:
		if state.CompareAndSwap(taskQueued, taskAbandoned) {
			return zero, ErrLoopClosed
		}
	}
	// fn is running or finished; the loop only exits between tasks.
	r := <-result
	return r.val, r.err
}

// Close stops the loop after the running function returns. Queued functions
// are dropped.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}
