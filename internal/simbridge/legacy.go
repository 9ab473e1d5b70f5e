package simbridge

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Legacy responses mimic the original API down to its quirks: failures
// ride inside HTTP 200 bodies as error elements, and list responses
// are keyed maps, not sequences.

const (
	legacyErrUnauthorized = 1
	legacyErrNotAvailable = 3
)

type legacyUpdate struct {
	On  *bool     `json:"on"`
	Bri *int      `json:"bri"`
	XY  []float64 `json:"xy"`
}

func legacyError(errType int, address, description string) []map[string]any {
	return []map[string]any{
		{
			"error": map[string]any{
				"type":        errType,
				"address":     address,
				"description": description,
			},
		},
	}
}

func (s *Simulator) legacyAuthorized(w http.ResponseWriter, r *http.Request, address string) bool {
	token := chi.URLParam(r, "token")
	if token == "" || (s.opts.RequiredToken != "" && token != s.opts.RequiredToken) {
		writeJSON(w, http.StatusOK, legacyError(legacyErrUnauthorized, address, "unauthorized user"))
		return false
	}
	return true
}

func (s *Simulator) legacyLightJSON(l *simLight) map[string]any {
	state := map[string]any{
		"on":        l.on,
		"bri":       briFromPercent(l.brightness),
		"reachable": true,
	}
	if l.xy != nil {
		state["xy"] = []float64{l.xy[0], l.xy[1]}
	}
	return map[string]any{
		"name":  l.name,
		"type":  "Extended color light",
		"state": state,
	}
}

func (s *Simulator) handleLegacyListLights(w http.ResponseWriter, r *http.Request) {
	if !s.legacyAuthorized(w, r, "/lights") {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.lights))
	for id, l := range s.lights {
		out[id] = s.legacyLightJSON(l)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Simulator) handleLegacyListGroups(w http.ResponseWriter, r *http.Request) {
	if !s.legacyAuthorized(w, r, "/groups") {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.rooms)+len(s.zones))
	for _, room := range s.rooms {
		out[room.legacyID] = s.legacyGroupJSON(room, "Room")
	}
	for _, zone := range s.zones {
		out[zone.legacyID] = s.legacyGroupJSON(zone, "Zone")
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Simulator) legacyGroupJSON(room simRoom, groupType string) map[string]any {
	anyOn := false
	for _, id := range room.lightIDs {
		if s.lights[id].on {
			anyOn = true
			break
		}
	}
	return map[string]any{
		"name":   room.name,
		"lights": room.lightIDs,
		"type":   groupType,
		"state":  map[string]any{"any_on": anyOn, "all_on": false},
		"action": map[string]any{"on": anyOn},
	}
}

func (s *Simulator) handleLegacyPutLight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	address := fmt.Sprintf("/lights/%s/state", id)
	if !s.legacyAuthorized(w, r, address) {
		return
	}

	var update legacyUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusOK, legacyError(legacyErrNotAvailable, address, "body contains invalid json"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	light, ok := s.lights[id]
	if !ok {
		writeJSON(w, http.StatusOK, legacyError(legacyErrNotAvailable, address, fmt.Sprintf("resource, /lights/%s, not available", id)))
		return
	}

	s.applyLegacyUpdate(light, update)
	writeJSON(w, http.StatusOK, legacySuccess(address, update))
}

func (s *Simulator) handleLegacyPutGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	address := fmt.Sprintf("/groups/%s/action", id)
	if !s.legacyAuthorized(w, r, address) {
		return
	}

	var update legacyUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusOK, legacyError(legacyErrNotAvailable, address, "body contains invalid json"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var room *simRoom
	for i := range s.rooms {
		if s.rooms[i].legacyID == id {
			room = &s.rooms[i]
			break
		}
	}
	if room == nil {
		for i := range s.zones {
			if s.zones[i].legacyID == id {
				room = &s.zones[i]
				break
			}
		}
	}
	if room == nil {
		writeJSON(w, http.StatusOK, legacyError(legacyErrNotAvailable, address, fmt.Sprintf("resource, /groups/%s, not available", id)))
		return
	}

	for _, lightID := range room.lightIDs {
		s.applyLegacyUpdate(s.lights[lightID], update)
	}
	writeJSON(w, http.StatusOK, legacySuccess(address, update))
}

func (s *Simulator) applyLegacyUpdate(l *simLight, update legacyUpdate) {
	var brightness *int
	if update.Bri != nil {
		pct := percentFromBri(*update.Bri)
		brightness = &pct
	}
	var xy []float64
	if len(update.XY) == 2 {
		xy = update.XY
	}
	s.update(l, update.On, brightness, xy)
}

// legacySuccess acknowledges each field the update touched, the way
// the original API does.
func legacySuccess(address string, update legacyUpdate) []map[string]any {
	var out []map[string]any
	if update.On != nil {
		out = append(out, map[string]any{"success": map[string]any{address + "/on": *update.On}})
	}
	if update.Bri != nil {
		out = append(out, map[string]any{"success": map[string]any{address + "/bri": *update.Bri}})
	}
	if len(update.XY) == 2 {
		out = append(out, map[string]any{"success": map[string]any{address + "/xy": update.XY}})
	}
	if out == nil {
		out = append(out, map[string]any{"success": map[string]any{address: "no fields"}})
	}
	return out
}
