// Package raft implements the consensus state machine: a per-node
// context owning the replicated log, a replaceable role, and a
// single-threaded executor that serializes all state mutation.
package raft

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

// ErrExecutorClosed is returned for work submitted after Close.
var ErrExecutorClosed = errors.New("raft: executor closed")

// Executor is the single logical thread that owns a context's state.
// Transport callbacks, disk completions, and timers all re-dispatch
// onto it before touching state.
type Executor struct {
	tasks  chan func()
	done   chan struct{}
	goid   atomic.Uint64
	closed atomic.Bool
}

// NewExecutor starts the executor goroutine.
func NewExecutor() *Executor {
	e := &Executor{
		tasks: make(chan func(), 1024),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	e.goid.Store(currentGoroutineID())
	defer close(e.done)
	for task := range e.tasks {
		task()
	}
}

// Execute enqueues fn onto the executor thread. Work submitted after
// Close is dropped.
func (e *Executor) Execute(fn func()) {
	if e.closed.Load() {
		return
	}
	defer func() {
		// A concurrent Close may have closed the channel under us.
		recover()
	}()
	e.tasks <- fn
}

// Invoke runs fn on the executor thread and waits for it. Calls from
// the executor thread itself run inline.
func (e *Executor) Invoke(fn func()) error {
	if e.OnThread() {
		fn()
		return nil
	}
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	done := make(chan struct{})
	e.Execute(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-e.done:
		return ErrExecutorClosed
	}
}

// OnThread reports whether the caller is the executor goroutine.
func (e *Executor) OnThread() bool {
	return currentGoroutineID() == e.goid.Load()
}

// CheckThread panics when a mutating path runs off the executor
// thread.
func (e *Executor) CheckThread() {
	if !e.OnThread() {
		panic("raft: state mutated off the context thread")
	}
}

// Close stops the executor after draining queued work.
func (e *Executor) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	close(e.tasks)
	<-e.done
}

// Timer is a cancellable deferred task scheduled on the executor.
type Timer struct {
	cancelled atomic.Bool
	timer     *time.Timer
}

// Schedule runs fn on the executor thread after d unless cancelled.
func (e *Executor) Schedule(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		e.Execute(func() {
			if !t.cancelled.Load() {
				fn()
			}
		})
	})
	return t
}

// Cancel prevents the timer from firing. Safe to call repeatedly and
// from any goroutine.
func (t *Timer) Cancel() {
	if t != nil && t.cancelled.CompareAndSwap(false, true) {
		t.timer.Stop()
	}
}

// currentGoroutineID parses the goroutine id from the stack header.
// Used only for the thread-ownership assertion.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}
