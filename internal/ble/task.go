package ble

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Mode selects how Submit waits for a Task.
type Mode int

const (
	// Sync tasks block the submitting goroutine until they are finalized.
	Sync Mode = iota
	// Async tasks return immediately and report through a callback.
	Async
)

func (m Mode) String() string {
	if m == Async {
		return "async"
	}
	return "sync"
}

// Task is an ordered, replayable sequence of operations. Operations run
// strictly in order; a failed operation aborts the rest of the task.
type Task struct {
	ID uuid.UUID

	mode     Mode
	ops      []*Operation
	cursor   int // index of the next operation
	callback func(*Task)
	executor Executor

	queued bool
	done   chan struct{}
	once   *sync.Once
}

// NewSyncTask returns a task that Submit waits for.
func NewSyncTask(ops ...*Operation) *Task {
	return newTask(Sync, nil, ops)
}

// NewAsyncTask returns a task whose callback is invoked once it finishes.
// callback may be nil.
func NewAsyncTask(callback func(*Task), ops ...*Operation) *Task {
	return newTask(Async, callback, ops)
}

func newTask(mode Mode, callback func(*Task), ops []*Operation) *Task {
	return &Task{
		ID:       uuid.New(),
		mode:     mode,
		ops:      ops,
		callback: callback,
		done:     make(chan struct{}),
		once:     new(sync.Once),
	}
}

// WithExecutor makes the callback run on e instead of the manager's
// default executor. e must not run the callback inline; see Executor.
func (t *Task) WithExecutor(e Executor) *Task {
	t.executor = e
	return t
}

// Mode returns the task's execution mode.
func (t *Task) Mode() Mode { return t.mode }

// Operations returns the task's operations in execution order.
func (t *Task) Operations() []*Operation { return t.ops }

// Succeeded reports whether every operation succeeded.
func (t *Task) Succeeded() bool {
	for _, op := range t.ops {
		if !op.Succeeded() {
			return false
		}
	}
	return true
}

// Done is closed when the current submission of the task is finalized.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task is finalized or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// arm prepares the task for a new submission.
func (t *Task) arm() error {
	if t.queued {
		return ErrTaskQueued
	}
	select {
	case <-t.done:
		t.done = make(chan struct{})
		t.once = new(sync.Once)
	default:
	}
	t.cursor = 0
	for _, op := range t.ops {
		op.clear()
	}
	return nil
}

func (t *Task) hasNext() bool { return t.cursor < len(t.ops) }

func (t *Task) next() *Operation {
	op := t.ops[t.cursor]
	t.cursor++
	return op
}

// current returns the operation most recently taken by next.
func (t *Task) current() *Operation {
	if t.cursor == 0 {
		return nil
	}
	return t.ops[t.cursor-1]
}

// failAll marks every operation that has not completed as failed.
func (t *Task) failAll() {
	for _, op := range t.ops {
		if op.result == Pending {
			op.fail()
		}
	}
}

// finish opens the completion gate and posts the callback. Only the first
// call per submission has any effect.
func (t *Task) finish(fallback Executor) {
	t.once.Do(func() {
		t.cursor = 0
		close(t.done)
		if t.mode != Async || t.callback == nil {
			return
		}
		e := t.executor
		if e == nil {
			e = fallback
		}
		cb := t.callback
		e.Execute(func() { cb(t) })
	})
}
