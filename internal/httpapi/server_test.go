package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuelight/cuelight/internal/bridge"
	"github.com/cuelight/cuelight/internal/db"
	"github.com/cuelight/cuelight/internal/ledger"
	"github.com/cuelight/cuelight/internal/signal"
	"github.com/cuelight/cuelight/internal/state"
	"github.com/cuelight/cuelight/internal/storage/kv"
)

// fakeBridge satisfies both the board's controller interface and the
// API's manager interface.
type fakeBridge struct {
	connected    bool
	rooms        []bridge.Room
	applyErr     error
	configured   [][2]string
	configureErr error
	testResult   bridge.TestResult
	testErr      error
	disconnected bool
}

func (f *fakeBridge) Connected() bool { return f.connected }

func (f *fakeBridge) Status() bridge.Status {
	st := bridge.StateUnconfigured
	if f.connected {
		st = bridge.StateConnected
	}
	return bridge.Status{State: st, Connected: f.connected}
}

func (f *fakeBridge) Rooms(context.Context) ([]bridge.Room, error) { return f.rooms, nil }

func (f *fakeBridge) ApplyToRoom(context.Context, bridge.Room, signal.Signal) error {
	return f.applyErr
}

func (f *fakeBridge) ClearRoom(context.Context, bridge.Room) error { return f.applyErr }

func (f *fakeBridge) ClearAllRooms(_ context.Context, rooms []bridge.Room) ([]string, error) {
	var ids []string
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (f *fakeBridge) Configure(host, token string) error {
	if f.configureErr != nil {
		return f.configureErr
	}
	f.configured = append(f.configured, [2]string{host, token})
	return nil
}

func (f *fakeBridge) TestConnection(context.Context) (bridge.TestResult, error) {
	return f.testResult, f.testErr
}

func (f *fakeBridge) Disconnect() { f.disconnected = true }

func newTestServer(t *testing.T, fake *fakeBridge) *Server {
	t.Helper()

	d, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	return NewServer(Options{
		Board:  state.New(fake, kv.NewMemoryBucket("state"), nil),
		Bridge: fake,
		Ledger: ledger.New(d.DB),
		Discover: func(context.Context, time.Duration) []bridge.DiscoveredBridge {
			return nil
		},
	})
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	decoded := make(map[string]any)
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: invalid JSON response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestGetSignals(t *testing.T) {
	s := newTestServer(t, &fakeBridge{})

	rec, body := doJSON(t, s, "GET", "/api/signals", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	signals, ok := body["signals"].([]any)
	if !ok || len(signals) != 5 {
		t.Fatalf("signals = %v", body["signals"])
	}
	first, _ := signals[0].(map[string]any)
	if first["id"] != "room-ready" || first["brightness"] != float64(80) {
		t.Errorf("first signal = %v", first)
	}
}

func TestGetRoomsDemoFixture(t *testing.T) {
	s := newTestServer(t, &fakeBridge{})

	rec, body := doJSON(t, s, "GET", "/api/rooms", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rooms, _ := body["rooms"].([]any)
	if len(rooms) != 3 {
		t.Errorf("rooms = %v", body["rooms"])
	}
	if body["stale"] != false {
		t.Errorf("stale = %v", body["stale"])
	}
}

func TestApplyAndClearSignal(t *testing.T) {
	s := newTestServer(t, &fakeBridge{})

	rec, body := doJSON(t, s, "PUT", "/api/rooms/1/signal", `{"signal_id":"assistance"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status = %d: %v", rec.Code, body)
	}

	// The board now shows the signal.
	_, stateBody := doJSON(t, s, "GET", "/api/state", "")
	rooms, _ := stateBody["rooms"].([]any)
	var found bool
	for _, r := range rooms {
		room, _ := r.(map[string]any)
		if room["id"] == "1" && room["signal_id"] == "assistance" {
			found = true
		}
	}
	if !found {
		t.Errorf("state missing applied signal: %v", stateBody)
	}
	if stateBody["demo"] != true {
		t.Errorf("demo = %v, want true without a bridge", stateBody["demo"])
	}

	rec, _ = doJSON(t, s, "DELETE", "/api/rooms/1/signal", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}

	_, stateBody = doJSON(t, s, "GET", "/api/state", "")
	rooms, _ = stateBody["rooms"].([]any)
	for _, r := range rooms {
		room, _ := r.(map[string]any)
		if room["id"] == "1" && room["signal_id"] != nil {
			t.Errorf("room 1 still shows %v", room["signal_id"])
		}
	}
}

func TestApplySignalValidation(t *testing.T) {
	s := newTestServer(t, &fakeBridge{})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "invalid json", path: "/api/rooms/1/signal", body: `{`, want: http.StatusBadRequest},
		{name: "missing signal id", path: "/api/rooms/1/signal", body: `{}`, want: http.StatusBadRequest},
		{name: "unknown signal", path: "/api/rooms/1/signal", body: `{"signal_id":"disco"}`, want: http.StatusBadRequest},
		{name: "unknown room", path: "/api/rooms/99/signal", body: `{"signal_id":"doctor"}`, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doJSON(t, s, "PUT", tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if msg, _ := body["error"].(string); msg == "" {
				t.Error("error body missing")
			}
		})
	}
}

func TestApplySignalBridgeFailure(t *testing.T) {
	fake := &fakeBridge{
		connected: true,
		rooms:     []bridge.Room{{ID: "r1", Name: "Exam 1", GroupID: "g1"}},
		applyErr:  errors.New("group command failed"),
	}
	s := newTestServer(t, fake)

	rec, _ := doJSON(t, s, "PUT", "/api/rooms/r1/signal", `{"signal_id":"emergency"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestClearAll(t *testing.T) {
	s := newTestServer(t, &fakeBridge{})

	if rec, _ := doJSON(t, s, "PUT", "/api/rooms/1/signal", `{"signal_id":"doctor"}`); rec.Code != http.StatusOK {
		t.Fatalf("seed apply failed: %d", rec.Code)
	}

	rec, body := doJSON(t, s, "POST", "/api/clear", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["count"] != float64(3) {
		t.Errorf("count = %v, want 3", body["count"])
	}
}

func TestBridgeConfigure(t *testing.T) {
	fake := &fakeBridge{}
	s := newTestServer(t, fake)

	rec, _ := doJSON(t, s, "PUT", "/api/bridge/config", `{"host":"192.168.1.50","token":"tok"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(fake.configured) != 1 || fake.configured[0] != [2]string{"192.168.1.50", "tok"} {
		t.Errorf("configured = %v", fake.configured)
	}

	fake.configureErr = errors.New("bridge host must not be empty")
	rec, body := doJSON(t, s, "PUT", "/api/bridge/config", `{"host":"","token":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %v", rec.Code, body)
	}
}

func TestBridgeTest(t *testing.T) {
	fake := &fakeBridge{
		testResult: bridge.TestResult{Connected: true, Version: bridge.VersionModern, Message: "connected using the modern protocol"},
	}
	s := newTestServer(t, fake)

	rec, body := doJSON(t, s, "POST", "/api/bridge/test", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["connected"] != true || body["version"] != "modern" {
		t.Errorf("body = %v", body)
	}
}

func TestBridgeTestFailureStillAnswers(t *testing.T) {
	host := "192.168.1.50"
	fake := &fakeBridge{
		testResult: bridge.TestResult{
			Message:   "bridge certificate is not trusted yet; open the action URL once and accept it, then test again",
			ActionURL: "https://" + host + "/api",
		},
		testErr: &bridge.TrustError{Host: host},
	}
	s := newTestServer(t, fake)

	rec, body := doJSON(t, s, "POST", "/api/bridge/test", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, diagnosis must reach the UI", rec.Code)
	}
	if body["action_url"] != "https://192.168.1.50/api" {
		t.Errorf("action_url = %v", body["action_url"])
	}
}

func TestBridgeTestUnconfigured(t *testing.T) {
	fake := &fakeBridge{testErr: bridge.ErrNotConfigured}
	s := newTestServer(t, fake)

	rec, _ := doJSON(t, s, "POST", "/api/bridge/test", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestBridgeDisconnect(t *testing.T) {
	fake := &fakeBridge{connected: true}
	s := newTestServer(t, fake)

	rec, _ := doJSON(t, s, "POST", "/api/bridge/disconnect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !fake.disconnected {
		t.Error("manager never told to disconnect")
	}
}

func TestBridgeDiscover(t *testing.T) {
	s := newTestServer(t, &fakeBridge{})
	s.discover = func(context.Context, time.Duration) []bridge.DiscoveredBridge {
		return []bridge.DiscoveredBridge{{ID: "abc", Host: "192.168.1.50", Source: "mdns"}}
	}

	rec, body := doJSON(t, s, "POST", "/api/bridge/discover", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	bridges, _ := body["bridges"].([]any)
	if len(bridges) != 1 {
		t.Fatalf("bridges = %v", body["bridges"])
	}
	first, _ := bridges[0].(map[string]any)
	if first["host"] != "192.168.1.50" || first["source"] != "mdns" {
		t.Errorf("bridge = %v", first)
	}
}

func TestActivityFeed(t *testing.T) {
	s := newTestServer(t, &fakeBridge{})

	if err := s.ledger.Append(ledger.Entry{EventType: "signal.applied", RoomID: "1", SignalID: "doctor"}); err != nil {
		t.Fatal(err)
	}
	if err := s.ledger.Append(ledger.Entry{EventType: "signal.cleared", RoomID: "1"}); err != nil {
		t.Fatal(err)
	}

	rec, body := doJSON(t, s, "GET", "/api/activity?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	entries, _ := body["entries"].([]any)
	if len(entries) != 2 {
		t.Errorf("entries = %v", body["entries"])
	}

	rec, _ = doJSON(t, s, "GET", "/api/activity?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, &fakeBridge{})

	rec, _ := doJSON(t, s, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}

	rec, body := doJSON(t, s, "GET", "/ready", "")
	if rec.Code != http.StatusOK {
		t.Errorf("ready = %d", rec.Code)
	}
	if body["bridge"] != string(bridge.StateUnconfigured) {
		t.Errorf("bridge state = %v", body["bridge"])
	}

	s.ready = func() error { return errors.New("database gone") }
	rec, body = doJSON(t, s, "GET", "/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded ready = %d", rec.Code)
	}
	if body["status"] != "degraded" {
		t.Errorf("body = %v", body)
	}
}
