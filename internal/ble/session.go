package ble

import (
	"fmt"
	"time"
)

// State is the connection state of the session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingServices
	StateReady
	StateDisconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingServices:
		return "awaiting_services"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// session is the single connection slot. A session is replaced for a new
// device, never re-pointed.
type session struct {
	device        *DeviceRecord
	handle        Handle
	ready         bool
	autoReconnect bool
	state         State

	// retained is the handle of an auto-reconnect session that dropped
	// unsolicited. It stays open until the session reconnects or is torn
	// down.
	retained Handle
}

// Connect opens a connection to a device seen in the current or the
// previous scan cycle. The session becomes ready asynchronously, once
// services are discovered; a DeviceConnected event announces it.
//
// With autoReconnect set, an unsolicited disconnection keeps the handle and
// the queued tasks, and reconnection is retried with backoff.
func (m *Manager) Connect(address string, autoReconnect bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return ErrUnavailable
	}
	if err := m.connectLocked(address, autoReconnect, nil); err != nil {
		return err
	}
	m.stopReconnectLocked()
	return nil
}

func (m *Manager) connectLocked(address string, autoReconnect bool, fallback *DeviceRecord) error {
	if s := m.sess; s != nil && s.device.Address == address && s.handle != nil {
		return ErrAlreadyConnected
	}
	dev, ok := m.registry.resolve(address)
	if !ok {
		if fallback == nil || fallback.Address != address {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, address)
		}
		dev = fallback
	}

	if old := m.sess; old != nil {
		if old.handle != nil {
			m.log.Warn().Str("address", old.device.Address).Msg("[BLE] replacing a session that was not disconnected")
		}
		if old.retained != nil {
			m.closeRetained(old.retained)
			old.retained = nil
		}
	}
	if m.inFlight {
		m.abortHeadLocked()
	}

	s := &session{device: dev, autoReconnect: autoReconnect, state: StateConnecting}
	m.sess = s
	h, err := m.driver.Connect(address)
	if err != nil {
		s.state = StateIdle
		return fmt.Errorf("ble: connect to %s: %w", address, err)
	}
	s.handle = h
	m.log.Info().Str("address", address).Bool("auto_reconnect", autoReconnect).Msg("[BLE] connecting")
	return nil
}

func (m *Manager) onConnectionStateChange(h Handle, status Status, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || h == nil || s.handle != h {
		m.log.Debug().Bool("connected", connected).Msg("[BLE] ignoring connection event for stale handle")
		return
	}

	if !connected {
		m.log.Info().Str("address", s.device.Address).Int("status", int(status)).Msg("[BLE] disconnected")
		m.handleDisconnectedLocked(s, h, false)
		return
	}
	if s.state == StateDisconnecting {
		// The link came up after Disconnect; the pending release closes it.
		m.log.Debug().Str("address", s.device.Address).Msg("[BLE] ignoring late connection while disconnecting")
		return
	}
	if status != StatusSuccess {
		m.log.Warn().Str("address", s.device.Address).Int("status", int(status)).Msg("[BLE] connection failed")
		s.handle = nil
		s.state = StateIdle
		m.scheduleDisconnect(h, 0)
		m.publishDeviceError(s, status)
		m.scheduleReconnectLocked(s)
		return
	}

	m.log.Info().Str("address", s.device.Address).Msg("[BLE] connected, discovering services")
	s.state = StateAwaitingServices
	if err := m.driver.DiscoverServices(h); err != nil {
		m.log.Error().Err(err).Msg("[BLE] discover services")
		s.state = StateError
		m.publishDeviceError(s, StatusIssueFailed)
	}
}

func (m *Manager) onServicesDiscovered(h Handle, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || h == nil || s.handle != h {
		return
	}
	if status != StatusSuccess {
		s.state = StateError
		m.publishDeviceError(s, status)
		return
	}
	s.ready = true
	s.state = StateReady
	m.reconnectAttempt = 0
	m.log.Info().Str("address", s.device.Address).Msg("[BLE] ready")
	m.publish(Event{Kind: DeviceConnected, Device: s.device.info()})
	m.pumpLocked()
}

// handleDisconnectedLocked completes the Disconnected transition. released
// is set when the handle was already closed by the caller.
func (m *Manager) handleDisconnectedLocked(s *session, h Handle, released bool) {
	requested := s.state == StateDisconnecting
	// A requested disconnect is released by its own disconnect job.
	if !released && !requested {
		if s.autoReconnect {
			s.retained = h
		} else {
			m.scheduleRelease(h)
		}
	}
	s.handle = nil
	s.ready = false
	s.state = StateIdle
	m.publish(Event{Kind: DeviceDisconnected, Device: s.device.info()})

	if m.inFlight {
		m.abortHeadLocked()
	}
	if !s.autoReconnect || requested || m.closed {
		m.failQueueLocked()
	} else {
		m.scheduleReconnectLocked(s)
	}
	m.pumpLocked()
}

// Disconnect asks the driver to drop the connection. The handle is closed
// on a dedicated worker after a short grace delay.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

// DisconnectDevice disconnects only if the session belongs to address.
func (m *Manager) DisconnectDevice(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.device.Address != address || s.handle == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, address)
	}
	m.disconnectLocked()
	return nil
}

func (m *Manager) disconnectLocked() {
	m.stopReconnectLocked()
	s := m.sess
	if s != nil && s.retained != nil {
		m.scheduleRelease(s.retained)
		s.retained = nil
	}
	if s == nil || s.handle == nil {
		return
	}
	h := s.handle
	s.ready = false
	s.state = StateDisconnecting
	m.log.Info().Str("address", s.device.Address).Msg("[BLE] disconnecting")
	m.scheduleDisconnect(h, m.opts.DisconnectGrace)
}

// scheduleDisconnect disconnects h, waits grace, then closes it and
// invalidates the platform cache. If the driver never reported the
// disconnection, the transition is completed here.
func (m *Manager) scheduleDisconnect(h Handle, grace time.Duration) {
	m.disconnectWorker.Execute(func() {
		if err := m.driver.Disconnect(h); err != nil {
			m.log.Warn().Err(err).Msg("[BLE] disconnect")
		}
		if grace > 0 {
			time.Sleep(grace)
		}
		m.releaseHandle(h)

		m.mu.Lock()
		defer m.mu.Unlock()
		if s := m.sess; s != nil && s.handle == h {
			m.handleDisconnectedLocked(s, h, true)
		}
	})
}

func (m *Manager) scheduleRelease(h Handle) {
	m.disconnectWorker.Execute(func() { m.releaseHandle(h) })
}

// closeRetained closes a handle replaced by a reconnection. The cache is
// kept: the device is being connected again.
func (m *Manager) closeRetained(h Handle) {
	m.disconnectWorker.Execute(func() {
		if err := m.driver.Close(h); err != nil {
			m.log.Warn().Err(err).Msg("[BLE] close retained handle")
		}
	})
}

func (m *Manager) releaseHandle(h Handle) {
	if err := m.driver.Close(h); err != nil {
		m.log.Warn().Err(err).Msg("[BLE] close handle")
	}
	m.invalidateCache(h)
}

// invalidateCache drops the platform's GATT cache for h when the driver
// supports it.
func (m *Manager) invalidateCache(h Handle) bool {
	ci, ok := m.driver.(CacheInvalidator)
	if !ok {
		m.log.Debug().Msg("[BLE] driver cannot invalidate the GATT cache")
		return false
	}
	done, err := ci.InvalidateCache(h)
	if err != nil {
		m.log.Warn().Err(err).Str("address", h.Address()).Msg("[BLE] invalidate GATT cache")
		return false
	}
	return done
}

// RefreshCache invalidates the platform cache for the live connection.
func (m *Manager) RefreshCache() bool {
	m.mu.Lock()
	s := m.sess
	var h Handle
	if s != nil {
		h = s.handle
	}
	m.mu.Unlock()
	if h == nil {
		return false
	}
	return m.invalidateCache(h)
}

// Close stops scanning and disconnects.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *Manager) closeLocked() {
	m.stopScanLocked()
	m.disconnectLocked()
}

// Reconnect reconnects the session's device when the session exists and is
// not ready. It is a no-op otherwise.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectLocked()
}

func (m *Manager) reconnectLocked() error {
	s := m.sess
	if s == nil || s.ready {
		return nil
	}
	if s.handle != nil {
		// Still connecting or awaiting services.
		return nil
	}
	return m.connectLocked(s.device.Address, s.autoReconnect, s.device)
}

// State returns the session's connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StateIdle
	}
	return m.sess.state
}

// Connected returns the device of a ready session.
func (m *Manager) Connected() (DeviceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || !m.sess.ready {
		return DeviceRecord{}, false
	}
	return *m.sess.device, true
}

func (m *Manager) scheduleReconnectLocked(s *session) {
	if !s.autoReconnect || m.closed {
		return
	}
	m.cancelReconnectTimerLocked()
	delay := backoffDelay(m.reconnectAttempt, m.opts.ReconnectMax)
	m.reconnectAttempt++
	m.log.Info().Int("attempt", m.reconnectAttempt).Dur("delay", delay).Msg("[BLE] reconnect backoff")
	m.reconnectTimer = m.afterFunc(delay, func() { m.reconnectTick(s) })
}

func (m *Manager) reconnectTick(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectTimer = nil
	if m.closed || m.sess != s || s.ready || s.handle != nil {
		return
	}
	if err := m.reconnectLocked(); err != nil {
		m.log.Warn().Err(err).Int("attempt", m.reconnectAttempt).Msg("[BLE] reconnect failed")
		// connectLocked already replaced s.
		m.scheduleReconnectLocked(m.sess)
	}
}

func (m *Manager) stopReconnectLocked() {
	m.cancelReconnectTimerLocked()
	m.reconnectAttempt = 0
}

func (m *Manager) cancelReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
