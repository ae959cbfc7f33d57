package ble

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a Manager.
type Options struct {
	ScanWindow      time.Duration // length of one scan window
	DisconnectGrace time.Duration // delay between a disconnect request and closing the handle
	ReconnectMax    int           // max reconnect backoff in seconds
	Instance        int           // tags log lines when several managers run in one process

	Logger    *zerolog.Logger // nil uses the global zerolog logger
	Publisher Publisher       // nil discards events
	// Executor runs async task callbacks and the idle handler. It must not
	// run work inline. When nil the manager starts its own single worker.
	Executor Executor
	// IdleHandler is invoked whenever the queue drains while no client is
	// bound, after scanning was stopped and the device disconnected.
	IdleHandler func()
}

// DefaultOptions returns sensible defaults for production use.
func DefaultOptions() Options {
	return Options{
		ScanWindow:      30 * time.Second,
		DisconnectGrace: 100 * time.Millisecond,
		ReconnectMax:    30,
	}
}

type timer interface {
	Stop() bool
}

// Manager owns the scan controller, the single connection session and the
// task queue. Every piece of state below mu is guarded by it; driver
// completions re-enter through callbacks that take the lock.
type Manager struct {
	driver    Driver
	opts      Options
	log       zerolog.Logger
	publisher Publisher

	completion       Executor
	ownedCompletion  *SerialExecutor
	syncWorker       *SerialExecutor
	disconnectWorker *SerialExecutor

	// Swapped by tests.
	now       func() time.Time
	afterFunc func(time.Duration, func()) timer

	mu        sync.Mutex
	available bool
	closed    bool

	registry   *registry
	scanning   bool
	continuous bool
	iteration  uint64
	scanGen    uint64
	scanTimer  timer

	sess             *session
	reconnectTimer   timer
	reconnectAttempt int

	queue    []*Task
	inFlight bool
	bound    int
}

// NewManager enables the driver and returns a ready-to-use Manager. A driver
// that fails to enable leaves the manager usable but unavailable: scanning
// and connecting return ErrUnavailable.
func NewManager(driver Driver, opts Options) *Manager {
	if driver == nil {
		panic("ble: NewManager called with nil driver")
	}
	def := DefaultOptions()
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = def.ScanWindow
	}
	if opts.DisconnectGrace < 0 {
		opts.DisconnectGrace = def.DisconnectGrace
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}

	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	logger := base.With().Str("component", "ble").Int("instance", opts.Instance).Logger()

	m := &Manager{
		driver:           driver,
		opts:             opts,
		log:              logger,
		publisher:        opts.Publisher,
		completion:       opts.Executor,
		syncWorker:       NewSerialExecutor("sync", logger),
		disconnectWorker: NewSerialExecutor("disconnect", logger),
		now:              time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		registry: newRegistry(),
	}
	if m.publisher == nil {
		m.publisher = nopPublisher{}
	}
	if m.completion == nil {
		m.ownedCompletion = NewSerialExecutor("completion", logger)
		m.completion = m.ownedCompletion
	}

	driver.SetCallbacks(driverCallbacks{m})
	if err := driver.Enable(); err != nil {
		m.log.Error().Err(err).Msg("[BLE] adapter unavailable")
	} else {
		m.available = true
	}
	return m
}

// Available reports whether the driver was enabled.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Shutdown stops scanning, disconnects, fails every queued task and stops
// the manager's workers. The manager must not be used afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closeLocked()
	m.closed = true
	m.stopReconnectLocked()
	if n := len(m.queue); n > 0 {
		m.log.Warn().Int("count", n).Msg("[BLE] shutting down with queued tasks")
	}
	m.failQueueLocked()
	m.mu.Unlock()

	m.syncWorker.Close()
	m.disconnectWorker.Close()
	if m.ownedCompletion != nil {
		m.ownedCompletion.Close()
	}
	m.log.Info().Msg("[BLE] manager stopped")
}

// driverCallbacks keeps the Callbacks methods off the Manager's exported API.
type driverCallbacks struct{ m *Manager }

func (c driverCallbacks) OnConnectionStateChange(h Handle, status Status, connected bool) {
	c.m.onConnectionStateChange(h, status, connected)
}

func (c driverCallbacks) OnServicesDiscovered(h Handle, status Status) {
	c.m.onServicesDiscovered(h, status)
}

func (c driverCallbacks) OnCharacteristicRead(h Handle, ch Characteristic, value []byte, status Status) {
	c.m.onOperationComplete(h, readCompletion, value, status)
}

func (c driverCallbacks) OnCharacteristicWrite(h Handle, ch Characteristic, status Status) {
	c.m.onOperationComplete(h, writeCompletion, nil, status)
}

func (c driverCallbacks) OnDescriptorWrite(h Handle, ch Characteristic, descriptor uuid.UUID, status Status) {
	c.m.onOperationComplete(h, descriptorCompletion, nil, status)
}

func (c driverCallbacks) OnCharacteristicChanged(h Handle, ch Characteristic, value []byte) {
	c.m.onNotification(h, ch, value)
}

var _ Callbacks = driverCallbacks{}
