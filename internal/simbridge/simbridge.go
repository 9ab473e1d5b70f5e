// Package simbridge is an in-memory stand-in for a real bridge. One
// listener serves both wire protocol generations plus the
// unauthenticated config path, so the daemon can be developed and
// tested without hardware. State changes are logged instead of
// lighting anything up.
package simbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Options configures the simulator.
type Options struct {
	// RequiredKey is the modern application key to enforce. Empty
	// accepts any non-empty key, which keeps first-run setups working
	// without pairing.
	RequiredKey string

	// RequiredToken is the legacy token to enforce, with the same
	// empty-accepts-any rule.
	RequiredToken string

	// LegacyOnly hides the modern API entirely, standing in for an
	// old bridge so version fallback can be exercised end to end.
	LegacyOnly bool

	// BridgeID is reported from /api/config. Defaults to a fixed id.
	BridgeID string
}

type simLight struct {
	legacyID   string
	modernID   string
	name       string
	on         bool
	brightness int // percent
	xy         []float64
}

type simRoom struct {
	legacyID       string
	modernID       string
	groupedLightID string
	name           string
	lightIDs       []string // legacy ids, in fixture order
}

// Simulator holds the mutable light state behind one mutex. Handlers
// for both protocol generations read and write the same lights.
type Simulator struct {
	opts Options

	mu     sync.Mutex
	lights map[string]*simLight // keyed by legacy id
	rooms  []simRoom
	zones  []simRoom // legacy-only grouping kinds, never rooms
}

// LightSnapshot is a read-only view of one simulated light, used by
// tests and the state change log.
type LightSnapshot struct {
	ID         string
	Name       string
	On         bool
	Brightness int
	XY         []float64
}

// New creates a simulator with the default clinic fixture: three rooms
// with grouped lights, plus one zone that must never show up as a
// room.
func New(opts Options) *Simulator {
	if opts.BridgeID == "" {
		opts.BridgeID = "FEDCBA9876543210"
	}

	s := &Simulator{
		opts:   opts,
		lights: make(map[string]*simLight),
	}

	fixture := []struct {
		room   string
		lights []string
	}{
		{room: "Exam 1", lights: []string{"Exam 1 Ceiling", "Exam 1 Door"}},
		{room: "Exam 2", lights: []string{"Exam 2 Ceiling", "Exam 2 Door"}},
		{room: "Procedure", lights: []string{"Procedure Ceiling"}},
	}

	next := 1
	allIDs := make([]string, 0, 5)
	for i, f := range fixture {
		room := simRoom{
			legacyID:       fmt.Sprintf("%d", i+1),
			modernID:       uuid.NewString(),
			groupedLightID: uuid.NewString(),
			name:           f.room,
		}
		for _, name := range f.lights {
			id := fmt.Sprintf("%d", next)
			next++
			s.lights[id] = &simLight{
				legacyID: id,
				modernID: uuid.NewString(),
				name:     name,
			}
			room.lightIDs = append(room.lightIDs, id)
			allIDs = append(allIDs, id)
		}
		s.rooms = append(s.rooms, room)
	}

	s.zones = append(s.zones, simRoom{
		legacyID: fmt.Sprintf("%d", len(fixture)+1),
		modernID: uuid.NewString(),
		name:     "Whole Clinic",
		lightIDs: allIDs,
	})

	return s
}

// Routes builds the full wire surface.
func (s *Simulator) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/api/config", s.handleConfig)

	if !s.opts.LegacyOnly {
		r.Route("/clip/v2/resource", func(r chi.Router) {
			r.Get("/light", s.handleModernListLights)
			r.Get("/room", s.handleModernListRooms)
			r.Get("/grouped_light", s.handleModernListGroupedLights)
			r.Put("/light/{id}", s.handleModernPutLight)
			r.Put("/grouped_light/{id}", s.handleModernPutGroupedLight)
		})
	}

	r.Route("/api/{token}", func(r chi.Router) {
		r.Get("/lights", s.handleLegacyListLights)
		r.Get("/groups", s.handleLegacyListGroups)
		r.Put("/lights/{id}/state", s.handleLegacyPutLight)
		r.Put("/groups/{id}/action", s.handleLegacyPutGroup)
	})

	return r
}

// Run serves the simulator until the context is cancelled.
func (s *Simulator) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}

	log.Info().
		Str("addr", addr).
		Bool("legacy_only", s.opts.LegacyOnly).
		Msg("Starting bridge simulator")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Bridge simulator shutdown error")
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Simulator) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       "cuelight sim",
		"bridgeid":   s.opts.BridgeID,
		"modelid":    "BSB002",
		"apiversion": "1.67.0",
		"swversion":  "1967054020",
	})
}

// Snapshot returns the current state of every light, keyed by legacy
// id.
func (s *Simulator) Snapshot() map[string]LightSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]LightSnapshot, len(s.lights))
	for id, l := range s.lights {
		out[id] = snapshotOf(l)
	}
	return out
}

// Light returns the state of a single light by legacy id.
func (s *Simulator) Light(legacyID string) (LightSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lights[legacyID]
	if !ok {
		return LightSnapshot{}, false
	}
	return snapshotOf(l), true
}

func snapshotOf(l *simLight) LightSnapshot {
	snap := LightSnapshot{
		ID:         l.legacyID,
		Name:       l.name,
		On:         l.on,
		Brightness: l.brightness,
	}
	if l.xy != nil {
		snap.XY = []float64{l.xy[0], l.xy[1]}
	}
	return snap
}

// update is the single write path for light state. Nil fields leave
// the current value alone, matching how both real APIs treat partial
// bodies.
func (s *Simulator) update(l *simLight, on *bool, brightness *int, xy []float64) {
	if on != nil {
		l.on = *on
	}
	if brightness != nil {
		l.brightness = *brightness
	}
	if xy != nil {
		l.xy = []float64{xy[0], xy[1]}
	}
	log.Info().
		Str("light", l.name).
		Bool("on", l.on).
		Int("brightness", l.brightness).
		Floats64("xy", l.xy).
		Msg("Light state changed")
}

func (s *Simulator) findByModernID(id string) *simLight {
	for _, l := range s.lights {
		if l.modernID == id {
			return l
		}
	}
	return nil
}

func (s *Simulator) findRoomByGroupedLight(id string) *simRoom {
	for i := range s.rooms {
		if s.rooms[i].groupedLightID == id {
			return &s.rooms[i]
		}
	}
	return nil
}

func briFromPercent(pct int) int {
	return int(math.Round(float64(pct) / 100 * 254))
}

func percentFromBri(bri int) int {
	return int(math.Round(float64(bri) / 254 * 100))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
