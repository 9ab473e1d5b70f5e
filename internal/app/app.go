// Package app assembles the daemon: configuration goes in, a running
// service graph comes out. Construction wires every service up front;
// Start only flips them on.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/cuelight/cuelight/internal/config"
)

// App ties the service container to a cancellable lifetime.
type App struct {
	services *Services

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the full service graph from configuration. Nothing is
// running yet when it returns.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{services: services}, nil
}

// Start brings all services up under the given context. A fatal error
// in any background service cancels the whole application.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.cancel()
	}

	if err := a.services.Start(a.ctx, onFatalError); err != nil {
		return err
	}

	log.Info().Msg("Cuelight started")
	return nil
}

// Wait blocks until the application winds down, either because the
// parent context was cancelled or a service failed fatally.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// Stop shuts the services down in reverse start order.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}
	if a.services == nil {
		return nil
	}
	return a.services.Stop()
}

// ResetBoard wipes the persisted signal board. Backs the --reset-board
// flag for starting a shift with a clean slate.
func (a *App) ResetBoard() error {
	if a.services == nil {
		return nil
	}
	return a.services.ResetBoard()
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM. The
// received signal is logged so shutdowns stay attributable.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
