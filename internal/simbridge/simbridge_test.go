package simbridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func doRequest(t *testing.T, s *Simulator, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if key != "" {
		req.Header.Set("hue-application-key", key)
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func TestConfigIsUnauthenticated(t *testing.T) {
	s := New(Options{RequiredKey: "secret"})

	rec := doRequest(t, s, "GET", "/api/config", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}

	var cfg map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("invalid config body: %v", err)
	}
	if cfg["bridgeid"] == "" {
		t.Error("config missing bridgeid")
	}
}

func TestModernListLights(t *testing.T) {
	s := New(Options{})

	rec := doRequest(t, s, "GET", "/clip/v2/resource/light", "any-key", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}

	var result struct {
		Errors []any            `json:"errors"`
		Data   []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
	if len(result.Data) != 5 {
		t.Errorf("got %d lights, want 5", len(result.Data))
	}
}

func TestModernRejectsBadKey(t *testing.T) {
	s := New(Options{RequiredKey: "secret"})

	tests := []struct {
		name string
		key  string
	}{
		{name: "missing_key", key: ""},
		{name: "wrong_key", key: "bad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, "GET", "/clip/v2/resource/light", tt.key, "")
			if rec.Code != http.StatusForbidden {
				t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusForbidden)
			}
		})
	}
}

func TestModernPutGroupedLightUpdatesAllRoomLights(t *testing.T) {
	s := New(Options{})

	// Find the grouped light id for Exam 1 via the room list.
	rec := doRequest(t, s, "GET", "/clip/v2/resource/room", "k", "")
	var rooms struct {
		Data []struct {
			Metadata struct {
				Name string `json:"name"`
			} `json:"metadata"`
			Services []struct {
				RID   string `json:"rid"`
				RType string `json:"rtype"`
			} `json:"services"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rooms); err != nil {
		t.Fatalf("invalid room envelope: %v", err)
	}

	groupID := ""
	for _, room := range rooms.Data {
		if room.Metadata.Name == "Exam 1" {
			for _, svc := range room.Services {
				if svc.RType == "grouped_light" {
					groupID = svc.RID
				}
			}
		}
	}
	if groupID == "" {
		t.Fatal("Exam 1 has no grouped_light service")
	}

	body := `{"on":{"on":true},"dimming":{"brightness":80},"color":{"xy":{"x":0.17,"y":0.7}}}`
	rec = doRequest(t, s, "PUT", "/clip/v2/resource/grouped_light/"+groupID, "k", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	for _, id := range []string{"1", "2"} {
		snap, ok := s.Light(id)
		if !ok {
			t.Fatalf("light %s missing", id)
		}
		if !snap.On || snap.Brightness != 80 {
			t.Errorf("light %s = on:%v bri:%d, want on:true bri:80", id, snap.On, snap.Brightness)
		}
		if len(snap.XY) != 2 || snap.XY[0] != 0.17 {
			t.Errorf("light %s xy = %v, want [0.17 0.7]", id, snap.XY)
		}
	}

	// Procedure room must be untouched.
	snap, _ := s.Light("5")
	if snap.On {
		t.Error("light outside the group was changed")
	}
}

func TestModernPutUnknownLight(t *testing.T) {
	s := New(Options{})

	rec := doRequest(t, s, "PUT", "/clip/v2/resource/light/no-such-id", "k", `{"on":{"on":true}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusNotFound)
	}
}

func TestLegacyBadTokenEmbedsError(t *testing.T) {
	s := New(Options{RequiredToken: "goodtoken"})

	rec := doRequest(t, s, "GET", "/api/badtoken/lights", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("legacy auth failures ride in HTTP 200, got %d", rec.Code)
	}

	var results []struct {
		Error *struct {
			Type        int    `json:"type"`
			Description string `json:"description"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("expected error array body: %v", err)
	}
	if len(results) == 0 || results[0].Error == nil {
		t.Fatal("no embedded error element")
	}
	if results[0].Error.Type != legacyErrUnauthorized {
		t.Errorf("error type = %d, want %d", results[0].Error.Type, legacyErrUnauthorized)
	}
}

func TestLegacyListGroupsIncludesZone(t *testing.T) {
	s := New(Options{})

	rec := doRequest(t, s, "GET", "/api/tok/groups", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d", rec.Code)
	}

	var groups map[string]struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &groups); err != nil {
		t.Fatalf("invalid groups body: %v", err)
	}

	roomCount, zoneCount := 0, 0
	for _, g := range groups {
		switch g.Type {
		case "Room":
			roomCount++
		case "Zone":
			zoneCount++
		}
	}
	if roomCount != 3 {
		t.Errorf("got %d rooms, want 3", roomCount)
	}
	if zoneCount != 1 {
		t.Errorf("got %d zones, want 1", zoneCount)
	}
}

func TestLegacyPutGroupScalesBrightness(t *testing.T) {
	s := New(Options{})

	rec := doRequest(t, s, "PUT", "/api/tok/groups/1/action", "", `{"on":true,"bri":204,"xy":[0.17,0.7]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d", rec.Code)
	}

	snap, ok := s.Light("1")
	if !ok {
		t.Fatal("light 1 missing")
	}
	if !snap.On {
		t.Error("light 1 still off")
	}
	// 204 on the native scale is 80 percent.
	if snap.Brightness != 80 {
		t.Errorf("brightness = %d, want 80", snap.Brightness)
	}
}

func TestLegacyPutUnknownLight(t *testing.T) {
	s := New(Options{})

	rec := doRequest(t, s, "PUT", "/api/tok/lights/99/state", "", `{"on":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not available") {
		t.Errorf("missing not-available error, got %s", rec.Body.String())
	}
}

func TestLegacyOnlyHidesModernRoutes(t *testing.T) {
	s := New(Options{LegacyOnly: true})

	rec := doRequest(t, s, "GET", "/clip/v2/resource/light", "k", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusNotFound)
	}

	rec = doRequest(t, s, "GET", "/api/tok/lights", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("legacy surface should still answer, got %d", rec.Code)
	}
}
