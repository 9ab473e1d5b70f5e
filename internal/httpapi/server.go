// Package httpapi is the staff-facing REST surface: board state, signal
// changes, bridge configuration and the activity feed. It is a local
// trusted API, like the rest of the daemon's HTTP endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/cuelight/cuelight/internal/bridge"
	"github.com/cuelight/cuelight/internal/ledger"
	"github.com/cuelight/cuelight/internal/state"
)

// BridgeManager is the slice of the connection manager the API drives.
type BridgeManager interface {
	Status() bridge.Status
	Configure(host, token string) error
	TestConnection(ctx context.Context) (bridge.TestResult, error)
	Disconnect()
}

// DiscoverFunc finds bridges on the network. Swappable in tests.
type DiscoverFunc func(ctx context.Context, timeout time.Duration) []bridge.DiscoveredBridge

// Server serves the staff API.
type Server struct {
	listen           string
	board            *state.State
	bridge           BridgeManager
	ledger           *ledger.Ledger
	discover         DiscoverFunc
	discoveryTimeout time.Duration
	ready            func() error

	httpServer *http.Server
}

// Options wires the server's collaborators.
type Options struct {
	Listen           string
	Board            *state.State
	Bridge           BridgeManager
	Ledger           *ledger.Ledger
	Discover         DiscoverFunc
	DiscoveryTimeout time.Duration
	Ready            func() error
}

// NewServer creates the staff API server.
func NewServer(opts Options) *Server {
	s := &Server{
		listen:           opts.Listen,
		board:            opts.Board,
		bridge:           opts.Bridge,
		ledger:           opts.Ledger,
		discover:         opts.Discover,
		discoveryTimeout: opts.DiscoveryTimeout,
		ready:            opts.Ready,
	}
	if s.discover == nil {
		s.discover = bridge.Discover
	}
	if s.discoveryTimeout == 0 {
		s.discoveryTimeout = 3 * time.Second
	}
	return s
}

// Routes builds the router. Exposed separately so tests can drive the
// handlers without a listener.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/signals", s.handleSignals)
		r.Get("/rooms", s.handleRooms)
		r.Put("/rooms/{roomID}/signal", s.handleApplySignal)
		r.Delete("/rooms/{roomID}/signal", s.handleClearSignal)
		r.Post("/clear", s.handleClearAll)

		r.Get("/bridge", s.handleBridgeStatus)
		r.Put("/bridge/config", s.handleBridgeConfig)
		r.Post("/bridge/test", s.handleBridgeTest)
		r.Post("/bridge/disconnect", s.handleBridgeDisconnect)
		r.Post("/bridge/discover", s.handleBridgeDiscover)

		r.Get("/activity", s.handleActivity)
	})

	return r
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    s.listen,
		Handler: s.Routes(),
	}

	log.Info().Str("addr", s.listen).Msg("Starting staff API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Staff API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
