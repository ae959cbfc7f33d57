package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/syncble/internal/ble"
	"github.com/chaz8081/syncble/internal/events"
	"github.com/rs/zerolog"
)

type fakeManager struct {
	mu sync.Mutex

	available bool
	state     ble.State
	connected *ble.DeviceRecord
	scanning  bool
	devices   []ble.DeviceRecord
	previous  []ble.DeviceRecord

	scanCalls     []bool
	continuous    bool
	resets        int
	connectAddr   string
	autoReconnect bool
	disconnects   int
	reconnects    int
	refreshed     bool

	connectErr error
	scanErr    error
	submitErr  error
	submitted  []*ble.Task
}

func (f *fakeManager) Available() bool  { return f.available }
func (f *fakeManager) State() ble.State { return f.state }
func (f *fakeManager) Connected() (ble.DeviceRecord, bool) {
	if f.connected == nil {
		return ble.DeviceRecord{}, false
	}
	return *f.connected, true
}
func (f *fakeManager) IsScanning() bool            { return f.scanning }
func (f *fakeManager) QueueLen() int               { return len(f.submitted) }
func (f *fakeManager) Devices() []ble.DeviceRecord { return f.devices }
func (f *fakeManager) PreviousDevices() []ble.DeviceRecord {
	return f.previous
}
func (f *fakeManager) ResetDevices()      { f.resets++ }
func (f *fakeManager) Disconnect()        { f.disconnects++ }
func (f *fakeManager) Reconnect() error   { f.reconnects++; return nil }
func (f *fakeManager) RefreshCache() bool { return f.refreshed }
func (f *fakeManager) DisconnectDevice(a string) error {
	if f.connected == nil || f.connected.Address != a {
		return fmt.Errorf("%w: %s", ble.ErrNotConnected, a)
	}
	f.disconnects++
	return nil
}

func (f *fakeManager) SetScanning(enable, continuous bool) error {
	if f.scanErr != nil {
		return f.scanErr
	}
	f.scanCalls = append(f.scanCalls, enable)
	f.scanning = enable
	f.continuous = continuous
	return nil
}

func (f *fakeManager) Connect(address string, autoReconnect bool) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connectAddr = address
	f.autoReconnect = autoReconnect
	f.state = ble.StateConnecting
	return nil
}

func (f *fakeManager) SubmitContext(ctx context.Context, t *ble.Task) error {
	f.mu.Lock()
	f.submitted = append(f.submitted, t)
	f.mu.Unlock()
	return f.submitErr
}

func newTestServer(mgr *fakeManager) *Server {
	return NewServer(mgr, nil, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	mgr := &fakeManager{
		available: true,
		state:     ble.StateReady,
		scanning:  true,
		connected: &ble.DeviceRecord{Address: "AA:BB:CC:DD:EE:FF", Name: "sensor"},
	}
	rec := do(t, newTestServer(mgr), http.MethodGet, "/api/v1/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got healthResponse
	decode(t, rec, &got)
	if !got.Available || got.State != "ready" || !got.Scanning {
		t.Errorf("health = %+v", got)
	}
	if got.Connected == nil || got.Connected.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("connected = %+v", got.Connected)
	}
}

func TestListDevices(t *testing.T) {
	mgr := &fakeManager{devices: []ble.DeviceRecord{
		{Address: "AA:BB:CC:DD:EE:01", Name: "one"},
		{Address: "AA:BB:CC:DD:EE:02"},
	}}
	rec := do(t, newTestServer(mgr), http.MethodGet, "/api/v1/devices", "")

	var got []deviceResponse
	decode(t, rec, &got)
	if len(got) != 2 || got[0].Name != "one" || got[1].Address != "AA:BB:CC:DD:EE:02" {
		t.Errorf("devices = %+v", got)
	}

	empty := do(t, newTestServer(&fakeManager{}), http.MethodGet, "/api/v1/devices", "")
	if strings.TrimSpace(empty.Body.String()) != "[]" {
		t.Errorf("empty list body = %q, want []", empty.Body.String())
	}
}

func TestListPreviousDevices(t *testing.T) {
	mgr := &fakeManager{previous: []ble.DeviceRecord{{Address: "AA:BB:CC:DD:EE:03", Name: "gone"}}}
	s := newTestServer(mgr)

	rec := do(t, s, http.MethodGet, "/api/v1/devices?cycle=previous", "")
	var got []deviceResponse
	decode(t, rec, &got)
	if len(got) != 1 || got[0].Name != "gone" {
		t.Errorf("previous devices = %+v", got)
	}

	live := do(t, s, http.MethodGet, "/api/v1/devices?cycle=current", "")
	if strings.TrimSpace(live.Body.String()) != "[]" {
		t.Errorf("current devices body = %q, want []", live.Body.String())
	}
	if bad := do(t, s, http.MethodGet, "/api/v1/devices?cycle=older", ""); bad.Code != http.StatusBadRequest {
		t.Errorf("unknown cycle status = %d, want 400", bad.Code)
	}
}

func TestResetDevices(t *testing.T) {
	mgr := &fakeManager{}
	rec := do(t, newTestServer(mgr), http.MethodDelete, "/api/v1/devices", "")
	if rec.Code != http.StatusNoContent || mgr.resets != 1 {
		t.Errorf("status = %d, resets = %d", rec.Code, mgr.resets)
	}
}

func TestScan(t *testing.T) {
	mgr := &fakeManager{}
	s := newTestServer(mgr)

	if rec := do(t, s, http.MethodPost, "/api/v1/scan", `{"continuous":true}`); rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d", rec.Code)
	}
	if !mgr.scanning || !mgr.continuous {
		t.Errorf("scanning = %v, continuous = %v", mgr.scanning, mgr.continuous)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/scan", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("start without body status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/api/v1/scan", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("stop status = %d", rec.Code)
	}
	if mgr.scanning {
		t.Error("scan should be stopped")
	}
}

func TestScanUnavailable(t *testing.T) {
	mgr := &fakeManager{scanErr: ble.ErrUnavailable}
	rec := do(t, newTestServer(mgr), http.MethodPost, "/api/v1/scan", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		connectErr error
		wantStatus int
	}{
		{"ok", `{"address":"AA:BB:CC:DD:EE:FF","auto_reconnect":true}`, nil, http.StatusAccepted},
		{"missing address", `{}`, nil, http.StatusBadRequest},
		{"bad body", `{`, nil, http.StatusBadRequest},
		{"unknown device", `{"address":"11:22:33:44:55:66"}`, fmt.Errorf("%w: 11:22:33:44:55:66", ble.ErrUnknownDevice), http.StatusNotFound},
		{"already connected", `{"address":"AA:BB:CC:DD:EE:FF"}`, ble.ErrAlreadyConnected, http.StatusConflict},
		{"unavailable", `{"address":"AA:BB:CC:DD:EE:FF"}`, ble.ErrUnavailable, http.StatusServiceUnavailable},
		{"driver failure", `{"address":"AA:BB:CC:DD:EE:FF"}`, fmt.Errorf("ble: connect: radio off"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := &fakeManager{connectErr: tt.connectErr}
			rec := do(t, newTestServer(mgr), http.MethodPost, "/api/v1/connect", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusAccepted && (mgr.connectAddr != "AA:BB:CC:DD:EE:FF" || !mgr.autoReconnect) {
				t.Errorf("Connect(%q, %v)", mgr.connectAddr, mgr.autoReconnect)
			}
		})
	}
}

func TestDisconnect(t *testing.T) {
	mgr := &fakeManager{connected: &ble.DeviceRecord{Address: "AA:BB:CC:DD:EE:FF"}}
	s := newTestServer(mgr)

	if rec := do(t, s, http.MethodPost, "/api/v1/disconnect", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/disconnect", `{"address":"AA:BB:CC:DD:EE:FF"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/disconnect", `{"address":"11:22:33:44:55:66"}`); rec.Code != http.StatusConflict {
		t.Errorf("other device status = %d, want 409", rec.Code)
	}
	if mgr.disconnects != 2 {
		t.Errorf("disconnects = %d, want 2", mgr.disconnects)
	}
}

func TestReconnectAndRefresh(t *testing.T) {
	mgr := &fakeManager{refreshed: true}
	s := newTestServer(mgr)

	if rec := do(t, s, http.MethodPost, "/api/v1/reconnect", ""); rec.Code != http.StatusAccepted || mgr.reconnects != 1 {
		t.Errorf("reconnect status = %d, calls = %d", rec.Code, mgr.reconnects)
	}
	rec := do(t, s, http.MethodPost, "/api/v1/refresh-cache", "")
	var got map[string]bool
	decode(t, rec, &got)
	if !got["invalidated"] {
		t.Errorf("refresh-cache = %v", got)
	}
}

func TestSubmitSyncTask(t *testing.T) {
	mgr := &fakeManager{}
	body := `{"operations":[
		{"kind":"write","service":"180f","characteristic":"2a19","payload":"0102"},
		{"kind":"read","service":"0000180f-0000-1000-8000-00805f9b34fb","characteristic":"2a19"}
	]}`
	rec := do(t, newTestServer(mgr), http.MethodPost, "/api/v1/tasks", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if len(mgr.submitted) != 1 {
		t.Fatalf("submitted %d tasks, want 1", len(mgr.submitted))
	}
	task := mgr.submitted[0]
	if task.Mode() != ble.Sync {
		t.Errorf("mode = %v, want sync", task.Mode())
	}
	ops := task.Operations()
	if len(ops) != 2 || ops[0].Kind != ble.OpWrite || ops[1].Kind != ble.OpRead {
		t.Fatalf("operations = %v", ops)
	}
	if ops[0].Service != ble.ShortUUID(0x180f) || ops[0].Characteristic != ble.ShortUUID(0x2a19) {
		t.Errorf("short UUIDs not expanded: %v", ops[0])
	}
	if string(ops[0].Payload) != "\x01\x02" {
		t.Errorf("payload = %x", ops[0].Payload)
	}

	var got taskResponse
	decode(t, rec, &got)
	if got.ID != task.ID.String() || !got.Done || len(got.Operations) != 2 {
		t.Errorf("response = %+v", got)
	}
}

func TestSubmitChunkedWrite(t *testing.T) {
	mgr := &fakeManager{}
	body := `{"operations":[{"kind":"write_no_response","service":"180f","characteristic":"2a19","payload":"0102030405","chunk":2}]}`
	rec := do(t, newTestServer(mgr), http.MethodPost, "/api/v1/tasks", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	ops := mgr.submitted[0].Operations()
	if len(ops) != 3 {
		t.Fatalf("got %d operations, want 3", len(ops))
	}
	for _, op := range ops {
		if op.Kind != ble.OpWriteNoResponse {
			t.Errorf("kind = %v, want write_no_response", op.Kind)
		}
	}
	if string(ops[2].Payload) != "\x05" {
		t.Errorf("last chunk = %x, want 05", ops[2].Payload)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", `{"operations":[]}`},
		{"bad kind", `{"operations":[{"kind":"notify","service":"180f","characteristic":"2a19"}]}`},
		{"bad uuid", `{"operations":[{"kind":"read","service":"nope","characteristic":"2a19"}]}`},
		{"bad short uuid", `{"operations":[{"kind":"read","service":"zzzz","characteristic":"2a19"}]}`},
		{"bad payload", `{"operations":[{"kind":"write","service":"180f","characteristic":"2a19","payload":"0g"}]}`},
		{"negative chunk", `{"operations":[{"kind":"write","service":"180f","characteristic":"2a19","payload":"01","chunk":-1}]}`},
		{"bad mode", `{"mode":"later","operations":[{"kind":"read","service":"180f","characteristic":"2a19"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := &fakeManager{}
			rec := do(t, newTestServer(mgr), http.MethodPost, "/api/v1/tasks", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if len(mgr.submitted) != 0 {
				t.Error("invalid task should not be submitted")
			}
		})
	}
}

func TestSubmitSyncTaskTimeout(t *testing.T) {
	mgr := &fakeManager{submitErr: fmt.Errorf("ble: wait for task: %w", context.DeadlineExceeded)}
	s := newTestServer(mgr)
	rec := do(t, s, http.MethodPost, "/api/v1/tasks", `{"operations":[{"kind":"read","service":"180f","characteristic":"2a19"}]}`)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	var got taskResponse
	decode(t, rec, &got)
	if got.Done {
		t.Error("timed out task should not be reported done")
	}
	if lookup := do(t, s, http.MethodGet, "/api/v1/tasks/"+got.ID, ""); lookup.Code != http.StatusOK {
		t.Errorf("timed out task lookup status = %d, want 200", lookup.Code)
	}
}

func TestSubmitAsyncTask(t *testing.T) {
	mgr := &fakeManager{}
	s := newTestServer(mgr)
	rec := do(t, s, http.MethodPost, "/api/v1/tasks", `{"mode":"async","operations":[{"kind":"listen","service":"180f","characteristic":"2a19"}]}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var accepted map[string]string
	decode(t, rec, &accepted)
	if mgr.submitted[0].Mode() != ble.Async || accepted["id"] != mgr.submitted[0].ID.String() {
		t.Errorf("accepted = %v", accepted)
	}

	lookup := do(t, s, http.MethodGet, "/api/v1/tasks/"+accepted["id"], "")
	var got taskResponse
	decode(t, lookup, &got)
	if got.Done || got.Mode != "async" {
		t.Errorf("pending task = %+v", got)
	}
}

func TestGetTaskErrors(t *testing.T) {
	s := newTestServer(&fakeManager{})
	if rec := do(t, s, http.MethodGet, "/api/v1/tasks/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/tasks/8a0c1f5e-7d8f-4f5b-9c57-1b1c1d1e1f10", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestResultsAreBounded(t *testing.T) {
	s := newTestServer(&fakeManager{})
	for i := 0; i < maxResults+10; i++ {
		s.store(describeTask(ble.NewAsyncTask(nil), false))
	}
	if len(s.results) != maxResults || len(s.order) != maxResults {
		t.Errorf("kept %d results, %d ids; want %d", len(s.results), len(s.order), maxResults)
	}
}

func TestEventStream(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	s := NewServer(&fakeManager{}, bus, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// The handler subscribes before flushing headers, so the subscription
	// exists once the response arrived.
	bus.Publish(ble.Event{Kind: ble.DeviceConnected, Time: time.Now(), Device: &ble.DeviceInfo{Address: "AA:BB:CC:DD:EE:FF"}})

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	want := []string{"event: device_connected", "data: "}
	for _, prefix := range want {
		select {
		case line := <-lines:
			if !strings.HasPrefix(line, prefix) {
				t.Fatalf("line = %q, want prefix %q", line, prefix)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", prefix)
		}
	}
}

func TestNoEventStreamWithoutBus(t *testing.T) {
	rec := do(t, newTestServer(&fakeManager{}), http.MethodGet, "/api/v1/events", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
