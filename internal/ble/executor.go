package ble

import (
	"sync"

	"github.com/rs/zerolog"
)

// Executor runs functions on a goroutine it owns.
//
// The manager hands callbacks to Execute while holding its state lock, so
// Execute must not run fn inline: a callback that calls back into the
// Manager would deadlock.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor. The function must hand fn to
// another goroutine, for example a SerialExecutor, rather than call it.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// SerialExecutor runs submitted functions one at a time, in submission
// order, on a single goroutine. Execute never blocks.
type SerialExecutor struct {
	name string
	log  zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerialExecutor starts a worker goroutine.
func NewSerialExecutor(name string, logger zerolog.Logger) *SerialExecutor {
	e := &SerialExecutor{
		name: name,
		log:  logger.With().Str("worker", name).Logger(),
		done: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Execute queues fn. Functions queued after Close are dropped.
func (e *SerialExecutor) Execute(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.log.Warn().Msg("executor closed, dropping work")
		return
	}
	e.queue = append(e.queue, fn)
	e.cond.Signal()
}

// Close lets the worker drain what is already queued and waits for it to exit.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	e.closed = true
	e.cond.Signal()
	e.mu.Unlock()
	<-e.done
}

func (e *SerialExecutor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.call(fn)
	}
}

func (e *SerialExecutor) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("work item panicked")
		}
	}()
	fn()
}
