package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cuelight/cuelight/internal/bridge"
	"github.com/cuelight/cuelight/internal/ledger"
	"github.com/cuelight/cuelight/internal/signal"
	"github.com/cuelight/cuelight/internal/state"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"bridge": string(s.bridge.Status().State),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.board.Snapshot(r.Context()))
}

func (s *Server) handleSignals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"signals": signal.All()})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	result := s.board.Rooms(r.Context())
	if result.Err != nil {
		writeError(w, http.StatusBadGateway, result.Err.Error())
		return
	}
	rooms := result.Rooms
	if rooms == nil {
		rooms = []state.RoomView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms": rooms,
		"stale": result.Stale,
	})
}

func (s *Server) handleApplySignal(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	var body struct {
		SignalID string `json:"signal_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.SignalID == "" {
		writeError(w, http.StatusBadRequest, "signal_id is required")
		return
	}

	if err := s.board.ApplySignal(r.Context(), roomID, body.SignalID); err != nil {
		writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"room_id":   roomID,
		"signal_id": body.SignalID,
	})
}

func (s *Server) handleClearSignal(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	if err := s.board.ClearRoom(r.Context(), roomID); err != nil {
		writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"room_id": roomID,
		"status":  "cleared",
	})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.board.ClearAll(r.Context(), "staff")
	if cleared == nil {
		cleared = []string{}
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   err.Error(),
			"cleared": cleared,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cleared": cleared,
		"count":   len(cleared),
	})
}

// writeBoardError maps board errors onto status codes: bad input is the
// caller's fault, a failed light command is the bridge's.
func writeBoardError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrUnknownSignal):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, state.ErrUnknownRoom):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleBridgeStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Status())
}

func (s *Server) handleBridgeConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Host  string `json:"host"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.bridge.Configure(body.Host, body.Token); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.bridge.Status())
}

func (s *Server) handleBridgeTest(w http.ResponseWriter, r *http.Request) {
	result, err := s.bridge.TestConnection(r.Context())
	if errors.Is(err, bridge.ErrNotConfigured) {
		writeError(w, http.StatusConflict, "no bridge configured")
		return
	}
	// Failed tests still answer 200: the TestResult message and action
	// URL are the payload the staff UI needs to show.
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBridgeDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.bridge.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBridgeDiscover(w http.ResponseWriter, r *http.Request) {
	bridges := s.discover(r.Context(), s.discoveryTimeout)
	if bridges == nil {
		bridges = []bridge.DiscoveredBridge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bridges": bridges})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.ledger.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read activity log")
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
