package ble

import "fmt"

// StartScan begins a scan window. With continuous set, a new window starts
// as soon as one ends until StopScan is called.
//
// Starting a scan while one is active is a programming error and panics.
func (m *Manager) StartScan(continuous bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startScanLocked(continuous)
}

func (m *Manager) startScanLocked(continuous bool) error {
	if !m.available {
		return ErrUnavailable
	}
	if m.scanning {
		panic("ble: StartScan called while a scan is already running")
	}
	m.continuous = continuous
	m.iteration++
	if err := m.driver.StartScan(m.onAdvertisement); err != nil {
		return fmt.Errorf("ble: start scan: %w", err)
	}
	m.scanning = true
	m.armScanWindowLocked()
	m.log.Info().Bool("continuous", continuous).Uint64("iteration", m.iteration).Msg("[BLE] scan started")
	return nil
}

// StopScan ends scanning and rolls the discovered devices into the
// previous snapshot.
func (m *Manager) StopScan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopScanLocked()
}

func (m *Manager) stopScanLocked() {
	if !m.scanning {
		return
	}
	m.scanning = false
	m.scanGen++
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
	if err := m.driver.StopScan(); err != nil {
		m.log.Warn().Err(err).Msg("[BLE] stop scan")
	}
	m.registry.roll()
	m.log.Info().Msg("[BLE] scan stopped")
}

// SetScanning turns scanning on or off. Asking for the current state only
// updates the continuous flag.
func (m *Manager) SetScanning(enable, continuous bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enable == m.scanning {
		m.continuous = continuous
		return nil
	}
	if enable {
		return m.startScanLocked(continuous)
	}
	m.continuous = continuous
	m.stopScanLocked()
	return nil
}

// SetContinuousScan changes whether the running scan restarts at the end
// of its window.
func (m *Manager) SetContinuousScan(continuous bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.continuous = continuous
}

// IsScanning reports whether a scan window is open.
func (m *Manager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// Devices returns the devices discovered in the current scan cycle, in
// discovery order.
func (m *Manager) Devices() []DeviceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.snapshot()
}

// PreviousDevices returns the devices of the last completed scan cycle, in
// discovery order. A one-shot scan leaves its results here once its window
// ends.
func (m *Manager) PreviousDevices() []DeviceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.previousSnapshot()
}

// ResetDevices forgets the current cycle's devices. They remain resolvable
// by Connect until the next cycle ends.
func (m *Manager) ResetDevices() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry.roll()
}

func (m *Manager) armScanWindowLocked() {
	m.scanGen++
	gen := m.scanGen
	m.scanTimer = m.afterFunc(m.opts.ScanWindow, func() { m.scanWindowElapsed(gen) })
}

func (m *Manager) onAdvertisement(adv Advertisement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning || adv.Address == "" {
		return
	}
	if m.registry.observe(adv, m.iteration) {
		m.log.Debug().Str("address", adv.Address).Str("name", adv.Name).Int("rssi", adv.RSSI).Msg("[BLE] device list changed")
		m.publish(Event{Kind: DevicesUpdated, Devices: m.registry.infos()})
	}
}

func (m *Manager) scanWindowElapsed(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning || gen != m.scanGen {
		return
	}
	if err := m.driver.StopScan(); err != nil {
		m.log.Warn().Err(err).Msg("[BLE] stop scan at window end")
	}
	m.publish(Event{Kind: DevicesUpdated, Devices: m.registry.infos()})

	if m.continuous {
		m.iteration++
		if err := m.driver.StartScan(m.onAdvertisement); err != nil {
			m.log.Error().Err(err).Msg("[BLE] restart scan")
			m.finishScanLocked()
			return
		}
		m.armScanWindowLocked()
		return
	}
	m.finishScanLocked()
}

func (m *Manager) finishScanLocked() {
	m.scanning = false
	m.scanTimer = nil
	m.publish(Event{Kind: ScanFinished})
	m.registry.roll()
	m.log.Info().Uint64("iteration", m.iteration).Msg("[BLE] scan finished")
}
