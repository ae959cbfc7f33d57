package ble

import (
	"errors"
	"testing"
	"time"
)

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30)
		if got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}

	if got := backoffDelay(200, 30); got != 30*time.Second {
		t.Errorf("backoffDelay(200, 30) = %v, want cap", got)
	}
}

func TestConnectUnknownDevice(t *testing.T) {
	env := newEnv(t)

	err := env.m.Connect("AA:BB", false)
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("Connect() error = %v, want ErrUnknownDevice", err)
	}
	if env.m.sess != nil {
		t.Error("failed Connect should not create a session")
	}
	if env.d.count("Connect") != 0 {
		t.Error("driver Connect should not be called for an unknown device")
	}
	if env.m.State() != StateIdle {
		t.Errorf("State() = %v, want idle", env.m.State())
	}
}

func TestConnectUnavailable(t *testing.T) {
	d := newFakeDriver()
	d.enableErr = errBoom
	env := newTestEnv(t, d, d, nil)
	env.seed(testAddr, "X")

	if err := env.m.Connect(testAddr, false); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Connect() error = %v, want ErrUnavailable", err)
	}
}

func TestConnectLifecycle(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")

	if err := env.m.Connect(testAddr, false); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if env.m.State() != StateConnecting {
		t.Errorf("State() = %v, want connecting", env.m.State())
	}
	h := env.d.latestHandle()

	env.d.SimulateConnected(h, StatusSuccess)
	if env.m.State() != StateAwaitingServices {
		t.Errorf("State() = %v, want awaiting_services", env.m.State())
	}
	if env.d.count("DiscoverServices") != 1 {
		t.Error("service discovery should be requested once connected")
	}
	if _, ok := env.m.Connected(); ok {
		t.Error("session should not be ready before services are discovered")
	}

	env.d.SimulateServicesDiscovered(h, StatusSuccess)
	if env.m.State() != StateReady {
		t.Errorf("State() = %v, want ready", env.m.State())
	}
	ev, ok := env.events.last(DeviceConnected)
	if !ok || ev.Device.Address != testAddr || ev.Device.Name != "X" {
		t.Errorf("DeviceConnected event = %+v", ev)
	}
	if dev, ok := env.m.Connected(); !ok || dev.Address != testAddr {
		t.Errorf("Connected() = %+v, %v", dev, ok)
	}
}

func TestConnectAlreadyConnected(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")
	env.connectReady(t, testAddr, false)

	if err := env.m.Connect(testAddr, false); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Connect() error = %v, want ErrAlreadyConnected", err)
	}
	if env.d.count("Connect") != 1 {
		t.Error("second Connect should not reach the driver")
	}
}

func TestConnectDriverError(t *testing.T) {
	d := newFakeDriver()
	d.connectErr = errBoom
	env := newTestEnv(t, d, d, nil)
	env.seed(testAddr, "X")

	if err := env.m.Connect(testAddr, false); !errors.Is(err, errBoom) {
		t.Errorf("Connect() error = %v, want wrapped errBoom", err)
	}
	if env.m.State() != StateIdle {
		t.Errorf("State() = %v, want idle", env.m.State())
	}
}

func TestConnectFailureStatus(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")
	_ = env.m.Connect(testAddr, false)
	h := env.d.latestHandle()

	env.d.SimulateConnected(h, StatusFailure)

	ev, ok := env.events.last(DeviceError)
	if !ok || ev.Status != StatusFailure {
		t.Errorf("DeviceError event = %+v, %v", ev, ok)
	}
	if env.m.State() != StateIdle {
		t.Errorf("State() = %v, want idle", env.m.State())
	}
	waitFor(t, "handle to be closed", func() bool { return env.d.closeCount(h) == 1 })
	if env.d.count("Disconnect") != 1 {
		t.Error("failed connection should be disconnected")
	}
}

func TestServicesDiscoveryFailure(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")
	_ = env.m.Connect(testAddr, false)
	h := env.d.latestHandle()
	env.d.SimulateConnected(h, StatusSuccess)

	env.d.SimulateServicesDiscovered(h, Status(133))

	if env.m.State() != StateError {
		t.Errorf("State() = %v, want error", env.m.State())
	}
	ev, _ := env.events.last(DeviceError)
	if ev.Status != 133 {
		t.Errorf("error status = %d, want 133", ev.Status)
	}

	task := NewSyncTask(Read(testService, charA))
	_ = env.m.Submit(task)
	if task.Operations()[0].Result() != Failed {
		t.Error("task on a non-ready session should fail")
	}
}

func TestStaleHandleEventsIgnored(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")
	env.seed("11:22:33:44:55:66", "Y")

	_ = env.m.Connect(testAddr, false)
	stale := env.d.latestHandle()
	env.m.Disconnect()
	waitFor(t, "disconnect to complete", func() bool { return env.m.State() == StateIdle })

	env.connectReady(t, "11:22:33:44:55:66", false)
	before := env.events.count(DeviceDisconnected)

	env.d.SimulateDisconnect(stale)
	env.d.SimulateServicesDiscovered(stale, StatusFailure)

	if env.m.State() != StateReady {
		t.Errorf("State() = %v, events for a stale handle changed the session", env.m.State())
	}
	if env.events.count(DeviceDisconnected) != before {
		t.Error("stale disconnect should not be published")
	}
}

func TestUnsolicitedDisconnectReleasesHandle(t *testing.T) {
	fd := newFakeDriver()
	cd := &cacheDriver{fakeDriver: fd}
	env := newTestEnv(t, cd, fd, nil)
	env.seed(testAddr, "X")
	h := env.connectReady(t, testAddr, false)

	env.d.SimulateDisconnect(h)

	if env.m.State() != StateIdle {
		t.Errorf("State() = %v, want idle", env.m.State())
	}
	if n := env.events.count(DeviceDisconnected); n != 1 {
		t.Errorf("DeviceDisconnected published %d times, want 1", n)
	}
	waitFor(t, "handle release", func() bool { return fd.closeCount(h) == 1 && cd.invalidations() == 1 })
}

func TestDisconnectClosesHandle(t *testing.T) {
	fd := newFakeDriver()
	cd := &cacheDriver{fakeDriver: fd}
	env := newTestEnv(t, cd, fd, func(o *Options) { o.DisconnectGrace = 20 * time.Millisecond })
	env.seed(testAddr, "X")
	h := env.connectReady(t, testAddr, false)

	env.m.Disconnect()
	if env.m.State() != StateDisconnecting {
		t.Errorf("State() = %v, want disconnecting", env.m.State())
	}
	waitFor(t, "disconnect to complete", func() bool { return env.m.State() == StateIdle })

	if fd.count("Disconnect") != 1 {
		t.Errorf("driver Disconnect called %d times, want 1", fd.count("Disconnect"))
	}
	if fd.closeCount(h) != 1 {
		t.Errorf("handle closed %d times, want 1", fd.closeCount(h))
	}
	if cd.invalidations() != 1 {
		t.Errorf("cache invalidated %d times, want 1", cd.invalidations())
	}

	// The driver's own report arrives after the worker finished.
	env.d.SimulateDisconnect(h)
	if n := env.events.count(DeviceDisconnected); n != 1 {
		t.Errorf("DeviceDisconnected published %d times, want 1", n)
	}
}

func TestDisconnectWithoutCacheCapability(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")
	h := env.connectReady(t, testAddr, false)

	env.m.Disconnect()
	waitFor(t, "handle release", func() bool { return env.d.closeCount(h) == 1 })

	if env.m.RefreshCache() {
		t.Error("RefreshCache without a session should report false")
	}
}

func TestRefreshCache(t *testing.T) {
	fd := newFakeDriver()
	cd := &cacheDriver{fakeDriver: fd}
	env := newTestEnv(t, cd, fd, nil)
	env.seed(testAddr, "X")
	env.connectReady(t, testAddr, false)

	if !env.m.RefreshCache() {
		t.Error("RefreshCache() = false, want true")
	}

	cd.mu.Lock()
	cd.err = errBoom
	cd.mu.Unlock()
	if env.m.RefreshCache() {
		t.Error("RefreshCache() should report false when invalidation fails")
	}
}

func TestDisconnectDevice(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")
	env.connectReady(t, testAddr, false)

	if err := env.m.DisconnectDevice("11:22:33:44:55:66"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("DisconnectDevice(other) error = %v, want ErrNotConnected", err)
	}
	if env.m.State() != StateReady {
		t.Error("disconnecting another address should not touch the session")
	}
	if err := env.m.DisconnectDevice(testAddr); err != nil {
		t.Errorf("DisconnectDevice() error = %v", err)
	}
	waitFor(t, "disconnect", func() bool { return env.m.State() == StateIdle })
}

func TestAutoReconnect(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")
	h := env.connectReady(t, testAddr, true)

	// Queue a task behind an in-flight read so it survives the drop.
	first := newAsyncResult()
	second := newAsyncResult()
	_ = env.m.Submit(NewAsyncTask(first.callback, Read(testService, charA)))
	_ = env.m.Submit(NewAsyncTask(second.callback, Read(testService, charB)))

	env.d.SimulateDisconnect(h)

	if got := first.wait(t); got.Succeeded() {
		t.Error("in-flight task should fail on disconnect")
	}
	if env.d.closeCount(h) != 0 {
		t.Error("auto-reconnect session should keep its handle open")
	}
	if env.timers.len() != 1 {
		t.Fatalf("armed %d timers, want 1 reconnect timer", env.timers.len())
	}
	if got := env.timers.get(0).d; got != time.Second {
		t.Errorf("first reconnect delay = %v, want 1s", got)
	}
	if env.m.QueueLen() != 1 {
		t.Errorf("QueueLen() = %d, want the queued task to wait", env.m.QueueLen())
	}

	env.timers.fire(0)
	if env.d.count("Connect") != 2 {
		t.Fatalf("driver Connect called %d times, want 2", env.d.count("Connect"))
	}
	h2 := env.d.latestHandle()
	env.d.SimulateConnected(h2, StatusSuccess)
	env.d.SimulateServicesDiscovered(h2, StatusSuccess)

	calls := env.d.hardwareCalls()
	last := calls[len(calls)-1]
	if last.handle != h2 || last.char != charB {
		t.Fatalf("queued task should run on the new handle, last call = %+v", last)
	}
	env.d.SimulateRead(h2, charB, []byte{1}, StatusSuccess)
	if got := second.wait(t); !got.Succeeded() {
		t.Error("queued task should succeed after reconnection")
	}
	waitFor(t, "retained handle to be closed", func() bool { return env.d.closeCount(h) == 1 })
	if env.d.closeCount(h2) != 0 {
		t.Error("the new handle should stay open")
	}
}

func TestDisconnectReleasesRetainedHandle(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")
	h := env.connectReady(t, testAddr, true)
	env.d.SimulateDisconnect(h)
	if env.d.closeCount(h) != 0 {
		t.Fatal("auto-reconnect session should keep its handle open")
	}

	env.m.Disconnect()

	waitFor(t, "retained handle to be closed", func() bool { return env.d.closeCount(h) == 1 })
	if !env.timers.get(0).stopped {
		t.Error("Disconnect should cancel the pending reconnect")
	}
}

func TestAutoReconnectBacksOff(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")
	h := env.connectReady(t, testAddr, true)
	env.d.SimulateDisconnect(h)

	env.timers.fire(0)
	env.d.SimulateConnected(env.d.latestHandle(), StatusFailure)

	if env.timers.len() != 2 {
		t.Fatalf("armed %d timers, want 2", env.timers.len())
	}
	if got := env.timers.get(1).d; got != 2*time.Second {
		t.Errorf("second reconnect delay = %v, want 2s", got)
	}

	env.m.Disconnect()
	if !env.timers.get(1).stopped {
		t.Error("Disconnect should cancel the pending reconnect")
	}
}

func TestAutoReconnectRetriesAfterConnectError(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")
	h := env.connectReady(t, testAddr, true)

	first := newAsyncResult()
	queued := newAsyncResult()
	_ = env.m.Submit(NewAsyncTask(first.callback, Read(testService, charA)))
	_ = env.m.Submit(NewAsyncTask(queued.callback, Read(testService, charB)))
	env.d.SimulateDisconnect(h)
	first.wait(t)

	env.d.setConnectErr(errBoom)
	env.timers.fire(0)
	if env.d.count("Connect") != 2 {
		t.Fatalf("driver Connect called %d times, want 2", env.d.count("Connect"))
	}
	if env.timers.len() != 2 {
		t.Fatalf("armed %d timers, want a retry after the connect error", env.timers.len())
	}
	if got := env.timers.get(1).d; got != 2*time.Second {
		t.Errorf("retry delay = %v, want 2s", got)
	}

	env.d.setConnectErr(nil)
	env.timers.fire(1)
	if env.d.count("Connect") != 3 {
		t.Fatalf("driver Connect called %d times, want 3", env.d.count("Connect"))
	}
	if env.m.QueueLen() != 1 {
		t.Errorf("QueueLen() = %d, want the queued task kept", env.m.QueueLen())
	}

	h3 := env.d.latestHandle()
	env.d.SimulateConnected(h3, StatusSuccess)
	env.d.SimulateServicesDiscovered(h3, StatusSuccess)
	env.d.SimulateRead(h3, charB, []byte{7}, StatusSuccess)
	if got := queued.wait(t); !got.Succeeded() {
		t.Error("queued task should succeed once the retry connects")
	}
}

func TestLateConnectionWhileDisconnecting(t *testing.T) {
	d := newFakeDriver()
	env := newTestEnv(t, d, d, func(o *Options) { o.DisconnectGrace = 200 * time.Millisecond })
	env.seed(testAddr, "X")
	if err := env.m.Connect(testAddr, false); err != nil {
		t.Fatal(err)
	}
	h := env.d.latestHandle()

	env.m.Disconnect()
	env.d.SimulateConnected(h, StatusSuccess)

	if got := env.m.State(); got != StateDisconnecting {
		t.Errorf("State() = %v, want disconnecting", got)
	}
	if env.d.count("DiscoverServices") != 0 {
		t.Error("a connection reported after Disconnect should not discover services")
	}
	waitFor(t, "handle release", func() bool { return env.d.closeCount(h) == 1 })
	waitFor(t, "idle", func() bool { return env.m.State() == StateIdle })
}

func TestReconnect(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")

	if err := env.m.Reconnect(); err != nil {
		t.Errorf("Reconnect() without a session error = %v", err)
	}

	h := env.connectReady(t, testAddr, false)
	if err := env.m.Reconnect(); err != nil || env.d.count("Connect") != 1 {
		t.Error("Reconnect on a ready session should be a no-op")
	}

	env.d.SimulateDisconnect(h)
	// Forget every scan result; the session still knows its device.
	env.m.mu.Lock()
	env.m.registry = newRegistry()
	env.m.mu.Unlock()
	if err := env.m.Reconnect(); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	if env.d.count("Connect") != 2 {
		t.Errorf("driver Connect called %d times, want 2", env.d.count("Connect"))
	}
	if env.m.State() != StateConnecting {
		t.Errorf("State() = %v, want connecting", env.m.State())
	}
}

func TestCloseStopsScanAndDisconnects(t *testing.T) {
	env := newEnv(t)
	env.seed(testAddr, "X")
	env.connectReady(t, testAddr, false)
	_ = env.m.StartScan(true)

	env.m.Close()

	if env.m.IsScanning() {
		t.Error("Close should stop scanning")
	}
	waitFor(t, "disconnect", func() bool { return env.m.State() == StateIdle })
}
