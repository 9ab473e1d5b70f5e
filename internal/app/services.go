package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cuelight/cuelight/internal/autoclear"
	"github.com/cuelight/cuelight/internal/bridge"
	"github.com/cuelight/cuelight/internal/config"
	"github.com/cuelight/cuelight/internal/db"
	"github.com/cuelight/cuelight/internal/eventbus"
	"github.com/cuelight/cuelight/internal/httpapi"
	"github.com/cuelight/cuelight/internal/ledger"
	"github.com/cuelight/cuelight/internal/state"
	"github.com/cuelight/cuelight/internal/storage/kv"
)

// KV bucket names. Both persist across restarts.
const (
	bucketBridge = "bridge"
	bucketBoard  = "state"
)

// startupConnectTimeout bounds the background reconnect attempt made
// for a bridge remembered from a previous run.
const startupConnectTimeout = 30 * time.Second

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	KV     *kv.Manager
	Ledger *ledger.Ledger
	Bus    *eventbus.Bus

	// Domain services
	Bridge   *bridge.Manager
	Board    *state.State
	Recorder *ledger.Recorder

	// Outer surfaces
	Autoclear *autoclear.Scheduler
	HTTP      *httpapi.Server
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.KV = kv.NewManager(database.DB)
	s.Ledger = ledger.New(database.DB)
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	s.Bridge = bridge.NewManager(s.KV.Bucket(bucketBridge, true), s.Bus, bridge.ManagerConfig{
		RequestTimeout: cfg.Bridge.RequestTimeout.Duration(),
		ProbeTimeout:   cfg.Bridge.ProbeTimeout.Duration(),
		RateLimitRPS:   cfg.Bridge.RateLimitRPS,
	})

	// The board subscribes to bridge events, so the recorder created
	// after it also sees everything the board publishes.
	s.Board = state.New(s.Bridge, s.KV.Bucket(bucketBoard, true), s.Bus)
	s.Recorder = ledger.NewRecorder(s.Ledger, s.Bus)

	if cfg.Autoclear.Enabled {
		s.Autoclear, err = autoclear.New(s.Board, cfg.Autoclear.Schedule)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	s.HTTP = httpapi.NewServer(httpapi.Options{
		Listen:           cfg.Server.Listen,
		Board:            s.Board,
		Bridge:           s.Bridge,
		Ledger:           s.Ledger,
		DiscoveryTimeout: cfg.Bridge.DiscoveryTimeout.Duration(),
		Ready:            database.Ping,
	})

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a service the application
// cannot live without fails (e.g. the API listener).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	s.KV.StartCleanup(ctx, s.cfg.Ledger.CleanupInterval.Duration())
	go s.pruneLedger(ctx)

	// A bridge remembered from a previous run reconnects in the
	// background so startup never blocks on the network.
	if s.Bridge.Status().State == bridge.StateConfigured {
		go func() {
			testCtx, cancel := context.WithTimeout(ctx, startupConnectTimeout)
			defer cancel()
			if result, err := s.Bridge.TestConnection(testCtx); err != nil {
				log.Warn().Err(err).Str("message", result.Message).Msg("Startup bridge connection failed")
			}
		}()
	}

	if s.Autoclear != nil {
		s.Autoclear.Start()
	}

	go func() {
		if err := s.HTTP.Run(ctx, s.cfg.Server.ShutdownTimeout.Duration()); err != nil {
			onFatalError(err)
		}
	}()

	return nil
}

// pruneLedger deletes activity entries older than the retention window.
func (s *Services) pruneLedger(ctx context.Context) {
	retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(s.cfg.Ledger.CleanupInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Ledger.DeleteOlderThan(time.Now().Add(-retention))
			if err != nil {
				log.Error().Err(err).Msg("Activity feed cleanup failed")
				continue
			}
			if deleted > 0 {
				log.Debug().Int64("deleted", deleted).Msg("Pruned old activity entries")
			}
		}
	}
}

// ResetBoard wipes the persisted signal board without touching the
// stored bridge settings.
func (s *Services) ResetBoard() error {
	return s.KV.Bucket(bucketBoard, true).Clear()
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Autoclear != nil {
		s.Autoclear.Stop()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.KV != nil {
		s.KV.StopCleanup()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
