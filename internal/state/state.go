// Package state owns the clinic board: the room list, the active
// signal per room, and the demo fallback used while no bridge is
// connected. Bridge commands go out before the board mutates, so the
// board never claims a color the lights did not accept.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cuelight/cuelight/internal/bridge"
	"github.com/cuelight/cuelight/internal/eventbus"
	"github.com/cuelight/cuelight/internal/signal"
	"github.com/cuelight/cuelight/internal/storage/kv"
)

var (
	ErrUnknownRoom   = errors.New("state: unknown room")
	ErrUnknownSignal = errors.New("state: unknown signal")
)

const activeSignalsKey = "active_signals"

// repaintTimeout bounds the reapply pass that runs after a reconnect.
const repaintTimeout = 30 * time.Second

// BridgeController is the slice of the bridge manager the board needs.
type BridgeController interface {
	Connected() bool
	Status() bridge.Status
	Rooms(ctx context.Context) ([]bridge.Room, error)
	ApplyToRoom(ctx context.Context, room bridge.Room, sig signal.Signal) error
	ClearRoom(ctx context.Context, room bridge.Room) error
	ClearAllRooms(ctx context.Context, rooms []bridge.Room) ([]string, error)
}

// RoomView is one room as the staff UI sees it.
type RoomView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Lights   int    `json:"lights"`
	SignalID string `json:"signal_id,omitempty"`
}

// RoomsResult carries the room list together with its provenance. When
// a live fetch fails but an earlier list is known, Stale is set and the
// old list is served; with nothing to fall back on, Err is set.
type RoomsResult struct {
	Rooms []RoomView `json:"rooms"`
	Stale bool       `json:"stale"`
	Err   error      `json:"-"`
}

// Snapshot is the full board for GET /api/state.
type Snapshot struct {
	Rooms  []RoomView    `json:"rooms"`
	Stale  bool          `json:"stale,omitempty"`
	Demo   bool          `json:"demo"`
	Bridge bridge.Status `json:"bridge"`
}

// State is the board itself. Safe for concurrent use.
type State struct {
	bridge BridgeController
	bucket kv.Bucket
	bus    *eventbus.Bus

	mu     sync.RWMutex
	rooms  []bridge.Room     // last room list fetched from the bridge
	active map[string]string // room id -> signal id
}

// New builds the board, restores the persisted active signals, and
// subscribes to bridge lifecycle events so a reconnect repaints the
// lights.
func New(bridgeCtrl BridgeController, bucket kv.Bucket, bus *eventbus.Bus) *State {
	s := &State{
		bridge: bridgeCtrl,
		bucket: bucket,
		bus:    bus,
		active: make(map[string]string),
	}
	s.restore()

	if bus != nil {
		bus.Subscribe(eventbus.EventBridgeConnected, func(eventbus.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), repaintTimeout)
			defer cancel()
			s.onConnected(ctx)
		})
		bus.Subscribe(eventbus.EventBridgeDisconnected, func(eventbus.Event) {
			s.onDisconnected()
		})
	}
	return s
}

// restore loads the persisted active-signal map. Entries naming a
// signal that no longer exists are dropped.
func (s *State) restore() {
	if s.bucket == nil {
		return
	}
	v, err := s.bucket.Get(activeSignalsKey)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to restore active signals")
		return
	}

	// The sqlite bucket JSON round trip yields map[string]any; the
	// memory bucket hands back the stored map unchanged.
	stored := make(map[string]string)
	switch raw := v.(type) {
	case map[string]string:
		stored = raw
	case map[string]any:
		for roomID, sv := range raw {
			if signalID, ok := sv.(string); ok {
				stored[roomID] = signalID
			}
		}
	default:
		return
	}

	for roomID, signalID := range stored {
		if _, known := signal.ByID(signalID); !known {
			log.Warn().Str("room_id", roomID).Str("signal_id", signalID).Msg("Dropping persisted signal with unknown id")
			continue
		}
		s.active[roomID] = signalID
	}
	if len(s.active) > 0 {
		log.Info().Int("count", len(s.active)).Msg("Restored active signals")
	}
}

// persist writes the active map. Called outside the mutex with a copy.
func (s *State) persist(active map[string]string) {
	if s.bucket == nil {
		return
	}
	if err := s.bucket.Store(activeSignalsKey, active, nil); err != nil {
		log.Warn().Err(err).Msg("Failed to persist active signals")
	}
}

// onConnected refreshes the room list and repaints every room that had
// a signal before the connection came (back) up.
func (s *State) onConnected(ctx context.Context) {
	rooms, err := s.bridge.Rooms(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Room refresh after connect failed")
		return
	}

	s.mu.Lock()
	s.rooms = rooms
	active := copyMap(s.active)
	s.mu.Unlock()

	for _, room := range rooms {
		signalID, ok := active[room.ID]
		if !ok {
			continue
		}
		sig, ok := signal.ByID(signalID)
		if !ok {
			continue
		}
		if err := s.bridge.ApplyToRoom(ctx, room, sig); err != nil {
			log.Warn().Err(err).Str("room_id", room.ID).Str("signal_id", signalID).Msg("Repaint failed")
			continue
		}
		log.Info().Str("room_id", room.ID).Str("signal_id", signalID).Msg("Repainted room after reconnect")
	}
}

// onDisconnected drops the live room list; the board falls back to the
// demo fixture until the next connection.
func (s *State) onDisconnected() {
	s.mu.Lock()
	s.rooms = nil
	s.mu.Unlock()
}

// Rooms returns the current room list. Live when connected, the demo
// fixture otherwise; a failed live fetch falls back to the last known
// list with the stale flag set.
func (s *State) Rooms(ctx context.Context) RoomsResult {
	rooms, stale, err := s.currentRooms(ctx)
	if err != nil {
		return RoomsResult{Err: err}
	}
	return RoomsResult{Rooms: s.viewsFor(rooms), Stale: stale}
}

// currentRooms resolves the room list without building views.
func (s *State) currentRooms(ctx context.Context) ([]bridge.Room, bool, error) {
	if !s.bridge.Connected() {
		return demoRooms(), false, nil
	}

	rooms, err := s.bridge.Rooms(ctx)
	if err == nil {
		s.mu.Lock()
		s.rooms = rooms
		s.mu.Unlock()
		return rooms, false, nil
	}

	s.mu.RLock()
	cached := s.rooms
	s.mu.RUnlock()

	if len(cached) > 0 {
		log.Warn().Err(err).Msg("Room fetch failed, serving last known list")
		return cached, true, nil
	}
	return nil, false, fmt.Errorf("failed to fetch rooms: %w", err)
}

func (s *State) viewsFor(rooms []bridge.Room) []RoomView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]RoomView, 0, len(rooms))
	for _, r := range rooms {
		views = append(views, RoomView{
			ID:       r.ID,
			Name:     r.Name,
			Lights:   len(r.LightIDs),
			SignalID: s.active[r.ID],
		})
	}
	return views
}

// ActiveSignals returns a copy of the room id to signal id map.
func (s *State) ActiveSignals() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.active)
}

// Snapshot builds the full board view.
func (s *State) Snapshot(ctx context.Context) Snapshot {
	result := s.Rooms(ctx)
	return Snapshot{
		Rooms:  result.Rooms,
		Stale:  result.Stale,
		Demo:   !s.bridge.Connected(),
		Bridge: s.bridge.Status(),
	}
}

// ApplySignal puts a signal on one room. With a live bridge the light
// command must succeed before the board changes; in demo mode the board
// changes immediately.
func (s *State) ApplySignal(ctx context.Context, roomID, signalID string) error {
	sig, ok := signal.ByID(signalID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSignal, signalID)
	}
	if sig.IsClear() {
		return s.ClearRoom(ctx, roomID)
	}

	room, live, err := s.resolveRoom(ctx, roomID)
	if err != nil {
		return err
	}

	if live {
		if err := s.bridge.ApplyToRoom(ctx, room, sig); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.active[roomID] = signalID
	active := copyMap(s.active)
	s.mu.Unlock()
	s.persist(active)

	log.Info().Str("room_id", roomID).Str("signal_id", signalID).Bool("live", live).Msg("Signal applied")
	s.publish(eventbus.EventSignalApplied, map[string]interface{}{
		"room_id":   roomID,
		"signal_id": signalID,
		"room_name": room.Name,
		"source":    "staff",
	})
	return nil
}

// ClearRoom removes the signal from one room and powers its lights off.
func (s *State) ClearRoom(ctx context.Context, roomID string) error {
	room, live, err := s.resolveRoom(ctx, roomID)
	if err != nil {
		return err
	}

	if live {
		if err := s.bridge.ClearRoom(ctx, room); err != nil {
			return err
		}
	}

	s.mu.Lock()
	delete(s.active, roomID)
	active := copyMap(s.active)
	s.mu.Unlock()
	s.persist(active)

	log.Info().Str("room_id", roomID).Bool("live", live).Msg("Signal cleared")
	s.publish(eventbus.EventSignalCleared, map[string]interface{}{
		"room_id":   roomID,
		"room_name": room.Name,
		"source":    "staff",
	})
	return nil
}

// ClearAll clears every room, one command per room in room-list order.
// Rooms whose clear command failed keep their board entry. Returns the
// ids of the rooms actually cleared.
func (s *State) ClearAll(ctx context.Context, source string) ([]string, error) {
	rooms, _, err := s.currentRooms(ctx)
	if err != nil {
		return nil, err
	}

	var cleared []string
	var clearErr error
	if s.bridge.Connected() {
		cleared, clearErr = s.bridge.ClearAllRooms(ctx, rooms)
	} else {
		for _, r := range rooms {
			cleared = append(cleared, r.ID)
		}
	}

	s.mu.Lock()
	for _, id := range cleared {
		delete(s.active, id)
	}
	active := copyMap(s.active)
	s.mu.Unlock()
	s.persist(active)

	log.Info().Int("count", len(cleared)).Str("source", source).Msg("Rooms cleared")
	s.publish(eventbus.EventRoomsCleared, map[string]interface{}{
		"count":  len(cleared),
		"source": source,
	})
	return cleared, clearErr
}

// resolveRoom finds a room by id in the current list and reports
// whether commands should go to the bridge.
func (s *State) resolveRoom(ctx context.Context, roomID string) (bridge.Room, bool, error) {
	rooms, _, err := s.currentRooms(ctx)
	if err != nil {
		return bridge.Room{}, false, err
	}
	for _, r := range rooms {
		if r.ID == roomID {
			return r, s.bridge.Connected(), nil
		}
	}
	return bridge.Room{}, false, fmt.Errorf("%w: %q", ErrUnknownRoom, roomID)
}

func (s *State) publish(eventType eventbus.EventType, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Data: data})
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// demoRooms is the fixture served while no bridge is connected. Same
// clinic layout as the simulator, so screenshots and demos line up.
func demoRooms() []bridge.Room {
	return []bridge.Room{
		{ID: "1", Name: "Exam 1", LightIDs: []string{"1", "2"}},
		{ID: "2", Name: "Exam 2", LightIDs: []string{"3", "4"}},
		{ID: "3", Name: "Procedure", LightIDs: []string{"5"}},
	}
}
