package simbridge

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// envelope is the modern response wrapper. Errors and Data are always
// present, even when empty.
type envelope struct {
	Errors []envelopeError `json:"errors"`
	Data   []any           `json:"data"`
}

type envelopeError struct {
	Description string `json:"description"`
}

type modernUpdate struct {
	On *struct {
		On bool `json:"on"`
	} `json:"on"`
	Dimming *struct {
		Brightness float64 `json:"brightness"`
	} `json:"dimming"`
	Color *struct {
		XY struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"xy"`
	} `json:"color"`
}

func (s *Simulator) modernAuthorized(w http.ResponseWriter, r *http.Request) bool {
	key := r.Header.Get("hue-application-key")
	if key == "" || (s.opts.RequiredKey != "" && key != s.opts.RequiredKey) {
		writeJSON(w, http.StatusForbidden, envelope{
			Errors: []envelopeError{{Description: "unauthorized user"}},
			Data:   []any{},
		})
		return false
	}
	return true
}

func (s *Simulator) modernLightJSON(l *simLight) map[string]any {
	data := map[string]any{
		"id":    l.modernID,
		"id_v1": "/lights/" + l.legacyID,
		"type":  "light",
		"metadata": map[string]any{
			"name":      l.name,
			"archetype": "ceiling_round",
		},
		"on":      map[string]any{"on": l.on},
		"dimming": map[string]any{"brightness": float64(l.brightness)},
	}
	if l.xy != nil {
		data["color"] = map[string]any{
			"xy": map[string]any{"x": l.xy[0], "y": l.xy[1]},
		}
	}
	return data
}

func (s *Simulator) handleModernListLights(w http.ResponseWriter, r *http.Request) {
	if !s.modernAuthorized(w, r) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := make([]any, 0, len(s.lights))
	for _, room := range s.rooms {
		for _, id := range room.lightIDs {
			data = append(data, s.modernLightJSON(s.lights[id]))
		}
	}
	writeJSON(w, http.StatusOK, envelope{Errors: []envelopeError{}, Data: data})
}

func (s *Simulator) handleModernListRooms(w http.ResponseWriter, r *http.Request) {
	if !s.modernAuthorized(w, r) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := make([]any, 0, len(s.rooms))
	for _, room := range s.rooms {
		children := make([]any, 0, len(room.lightIDs))
		for _, id := range room.lightIDs {
			children = append(children, map[string]any{
				"rid":   s.lights[id].modernID,
				"rtype": "light",
			})
		}
		data = append(data, map[string]any{
			"id":   room.modernID,
			"type": "room",
			"metadata": map[string]any{
				"name":      room.name,
				"archetype": "office",
			},
			"children": children,
			"services": []any{
				map[string]any{"rid": room.groupedLightID, "rtype": "grouped_light"},
			},
		})
	}
	writeJSON(w, http.StatusOK, envelope{Errors: []envelopeError{}, Data: data})
}

func (s *Simulator) handleModernListGroupedLights(w http.ResponseWriter, r *http.Request) {
	if !s.modernAuthorized(w, r) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := make([]any, 0, len(s.rooms))
	for _, room := range s.rooms {
		anyOn := false
		for _, id := range room.lightIDs {
			if s.lights[id].on {
				anyOn = true
				break
			}
		}
		data = append(data, map[string]any{
			"id":    room.groupedLightID,
			"type":  "grouped_light",
			"owner": map[string]any{"rid": room.modernID, "rtype": "room"},
			"on":    map[string]any{"on": anyOn},
		})
	}
	writeJSON(w, http.StatusOK, envelope{Errors: []envelopeError{}, Data: data})
}

func (s *Simulator) handleModernPutLight(w http.ResponseWriter, r *http.Request) {
	if !s.modernAuthorized(w, r) {
		return
	}

	var update modernUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{
			Errors: []envelopeError{{Description: "invalid request body"}},
			Data:   []any{},
		})
		return
	}

	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	light := s.findByModernID(id)
	if light == nil {
		writeJSON(w, http.StatusNotFound, envelope{
			Errors: []envelopeError{{Description: "resource not found: " + id}},
			Data:   []any{},
		})
		return
	}

	s.applyModernUpdate(light, update)
	writeJSON(w, http.StatusOK, envelope{
		Errors: []envelopeError{},
		Data:   []any{map[string]any{"rid": id, "rtype": "light"}},
	})
}

func (s *Simulator) handleModernPutGroupedLight(w http.ResponseWriter, r *http.Request) {
	if !s.modernAuthorized(w, r) {
		return
	}

	var update modernUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{
			Errors: []envelopeError{{Description: "invalid request body"}},
			Data:   []any{},
		})
		return
	}

	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.findRoomByGroupedLight(id)
	if room == nil {
		writeJSON(w, http.StatusNotFound, envelope{
			Errors: []envelopeError{{Description: "resource not found: " + id}},
			Data:   []any{},
		})
		return
	}

	for _, lightID := range room.lightIDs {
		s.applyModernUpdate(s.lights[lightID], update)
	}
	writeJSON(w, http.StatusOK, envelope{
		Errors: []envelopeError{},
		Data:   []any{map[string]any{"rid": id, "rtype": "grouped_light"}},
	})
}

func (s *Simulator) applyModernUpdate(l *simLight, update modernUpdate) {
	var on *bool
	var brightness *int
	var xy []float64

	if update.On != nil {
		on = &update.On.On
	}
	if update.Dimming != nil {
		pct := int(update.Dimming.Brightness)
		brightness = &pct
	}
	if update.Color != nil {
		xy = []float64{update.Color.XY.X, update.Color.XY.Y}
	}
	s.update(l, on, brightness, xy)
}
