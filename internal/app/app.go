package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/mindwaved/internal/config"
)

// App owns the services and their lifecycle. A worker configured to take the
// process down reports through the fatal error handler; the first such error
// is kept and returned by Err.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	fatalErr error
}

// New builds every service without starting any worker. Configuration and
// connection errors surface here.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		services: services,
	}, nil
}

// Start launches the workers. Cancelling ctx, or a fatal worker error, ends Wait.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.services.Start(a.ctx, a.fail); err != nil {
		a.cancel()
		return err
	}

	log.Info().
		Str("source", a.cfg.Sensor.Source).
		Bool("trigger", a.services.Trigger != nil).
		Bool("playlist", a.services.Playlist != nil).
		Bool("ledger", a.services.Ledger != nil).
		Msg("mindwaved started")
	return nil
}

// fail records the first fatal error and cancels the app context.
func (a *App) fail(err error) {
	a.mu.Lock()
	if a.fatalErr == nil {
		a.fatalErr = err
	}
	a.mu.Unlock()

	log.Error().Err(err).Msg("Fatal error, initiating shutdown")
	a.cancel()
}

// Err returns the fatal error that ended the app, or nil after a normal shutdown.
func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatalErr
}

// Stop cancels the workers and releases resources.
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

// Wait blocks until the app context is cancelled.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
