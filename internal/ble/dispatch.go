package ble

import (
	"context"
	"fmt"
)

// Submit runs t against the connected device. Sync tasks block until every
// operation finished or the task was aborted; async tasks return at once and
// report through their callback.
//
// Without a ready connection every operation is marked failed and the task
// completes immediately. Inspect the operations for the outcome; the
// returned error only reports misuse.
func (m *Manager) Submit(t *Task) error {
	return m.SubmitContext(context.Background(), t)
}

// SubmitContext is Submit with a bound on how long a sync task is waited
// for. When ctx ends first the task stays queued and completes later.
func (m *Manager) SubmitContext(ctx context.Context, t *Task) error {
	m.mu.Lock()
	if err := t.arm(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.closed || m.sess == nil || !m.sess.ready {
		t.failAll()
		t.finish(m.completion)
		m.mu.Unlock()
		m.log.Debug().Str("task", t.ID.String()).Msg("[BLE] no ready connection, task failed")
		return nil
	}

	t.queued = true
	m.queue = append(m.queue, t)
	m.log.Debug().Str("task", t.ID.String()).Str("mode", t.mode.String()).Int("queued", len(m.queue)).Msg("[BLE] task queued")
	if t.mode == Async {
		m.pumpLocked()
		m.mu.Unlock()
		return nil
	}
	done := t.done
	m.mu.Unlock()

	m.syncWorker.Execute(m.pump)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ble: wait for task %s: %w", t.ID, ctx.Err())
	}
}

// Bind registers a host client. The manager never goes idle while a client
// is bound.
func (m *Manager) Bind() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bound++
}

// Unbind releases a client registered with Bind.
func (m *Manager) Unbind() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bound == 0 {
		m.log.Warn().Msg("[BLE] unbind without bind")
		return
	}
	m.bound--
	if m.bound == 0 {
		m.pumpLocked()
	}
}

// IsIdle reports whether the queue is empty and no client is bound.
func (m *Manager) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) == 0 && m.bound == 0
}

// QueueLen returns the number of queued tasks, including the running one.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) pump() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pumpLocked()
}

// pumpLocked issues operations until one is in flight or the queue drains.
func (m *Manager) pumpLocked() {
	for !m.inFlight {
		if len(m.queue) == 0 {
			m.idleLocked()
			return
		}
		t := m.queue[0]
		if !t.hasNext() {
			m.finalizeHeadLocked()
			continue
		}

		s := m.sess
		if s == nil || s.handle == nil || !s.ready {
			// Queued tasks wait for the session to come back.
			return
		}
		h := s.handle

		op := t.next()
		c, ok := h.Characteristic(op.Service, op.Characteristic)
		if !ok {
			m.log.Warn().Str("task", t.ID.String()).Stringer("op", op).Msg("[BLE] characteristic not found, aborting task")
			op.fail()
			m.publishDeviceError(s, StatusFailure)
			m.finalizeHeadLocked()
			continue
		}

		if op.Kind == OpCheck {
			op.succeed(nil)
			continue
		}

		if err := m.issueLocked(h, c, op); err != nil {
			m.log.Error().Err(err).Str("task", t.ID.String()).Stringer("op", op).Msg("[BLE] issue operation")
			m.publishDeviceError(s, StatusIssueFailed)
			op.fail()
			m.finalizeHeadLocked()
			continue
		}
		m.inFlight = true
	}
}

func (m *Manager) issueLocked(h Handle, c Characteristic, op *Operation) error {
	switch op.Kind {
	case OpRead:
		return m.driver.ReadCharacteristic(h, c)
	case OpWrite:
		return m.driver.WriteCharacteristic(h, c, op.Payload, false)
	case OpWriteNoResponse:
		return m.driver.WriteCharacteristic(h, c, op.Payload, true)
	case OpListen:
		if err := m.driver.EnableNotification(h, c); err != nil {
			return err
		}
		return m.driver.WriteDescriptor(h, c, ClientConfigDescriptor, EnableNotificationValue)
	default:
		return fmt.Errorf("ble: unknown operation kind %d", int(op.Kind))
	}
}

// completion identifies which driver callback finished an operation.
type completion int

const (
	readCompletion completion = iota
	writeCompletion
	descriptorCompletion
)

func completionFor(k OpKind) completion {
	switch k {
	case OpWrite, OpWriteNoResponse:
		return writeCompletion
	case OpListen:
		return descriptorCompletion
	default:
		return readCompletion
	}
}

// onOperationComplete finishes the in-flight operation when the callback
// kind matches it.
func (m *Manager) onOperationComplete(h Handle, kind completion, value []byte, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || h == nil || s.handle != h || !m.inFlight || len(m.queue) == 0 {
		m.log.Debug().Int("status", int(status)).Msg("[BLE] ignoring unexpected completion")
		return
	}
	t := m.queue[0]
	op := t.current()
	if completionFor(op.Kind) != kind {
		m.log.Debug().Stringer("op", op).Msg("[BLE] ignoring completion of another kind")
		return
	}
	m.inFlight = false

	if status != StatusSuccess {
		m.publishDeviceError(s, status)
		op.fail()
		m.finalizeHeadLocked()
		m.pumpLocked()
		return
	}
	op.succeed(value)
	if !t.hasNext() {
		m.finalizeHeadLocked()
	}
	m.pumpLocked()
}

func (m *Manager) onNotification(h Handle, c Characteristic, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || h == nil || s.handle != h || c == nil {
		return
	}
	m.publish(Event{
		Kind:           NotificationReceived,
		Device:         s.device.info(),
		Service:        c.Service(),
		Characteristic: c.UUID(),
		Value:          append([]byte(nil), value...),
	})
}

// finalizeHeadLocked pops the head task and completes it.
func (m *Manager) finalizeHeadLocked() {
	t := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	m.inFlight = false
	t.queued = false
	t.finish(m.completion)
	m.log.Debug().Str("task", t.ID.String()).Bool("succeeded", t.Succeeded()).Msg("[BLE] task finished")
}

// abortHeadLocked fails the in-flight operation and completes its task.
func (m *Manager) abortHeadLocked() {
	if len(m.queue) == 0 {
		m.inFlight = false
		return
	}
	if op := m.queue[0].current(); op != nil {
		op.fail()
	}
	m.finalizeHeadLocked()
}

func (m *Manager) failQueueLocked() {
	for len(m.queue) > 0 {
		m.queue[0].failAll()
		m.finalizeHeadLocked()
	}
}

func (m *Manager) idleLocked() {
	if m.closed || m.bound > 0 || m.opts.IdleHandler == nil {
		return
	}
	m.log.Info().Msg("[BLE] queue drained and no client bound, going idle")
	m.stopScanLocked()
	m.disconnectLocked()
	m.completion.Execute(m.opts.IdleHandler)
}
