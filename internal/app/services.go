package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/mindwaved/internal/config"
	"github.com/dokzlo13/mindwaved/internal/db"
	"github.com/dokzlo13/mindwaved/internal/eventbus"
	"github.com/dokzlo13/mindwaved/internal/ledger"
	"github.com/dokzlo13/mindwaved/internal/notify"
	"github.com/dokzlo13/mindwaved/internal/sensor"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	Bus    *eventbus.Bus
	Kafka  *notify.Kafka

	// The only state shared between workers.
	State *sensor.SharedState

	// Workers
	Sensor   *SensorService
	Trigger  *TriggerService
	Playlist *PlaylistService
	Status   *StatusService

	workers sync.WaitGroup
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{
		cfg:   cfg,
		State: sensor.NewSharedState(),
		Bus:   eventbus.NewWithConfig(cfg.EventBus.Workers, cfg.EventBus.QueueSize),
	}

	if cfg.Ledger.IsEnabled() {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.DB = database
		s.Ledger = ledger.New(database.DB)
	}

	if cfg.Kafka.Enabled {
		s.Kafka = notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.WriteTimeout.Duration())
	}

	// Sinks first: building the playlist service already publishes the initial switch.
	s.subscribeSinks()

	sensorSvc, err := NewSensorService(cfg, s.State)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Sensor = sensorSvc

	if cfg.Playlist.IsEnabled() {
		p, err := NewPlaylistService(cfg, s.State, s.Bus)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Playlist = p
	}

	if cfg.Trigger.IsEnabled() {
		t, err := NewTriggerService(cfg, s.State, s.Bus, s.Ledger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Trigger = t
	}

	s.Status = NewStatusService(cfg, s.State, s.Playlist)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a worker failure should end the process.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	s.goWorker(func() { s.Sensor.Run(ctx) })
	if s.Playlist != nil {
		s.goWorker(func() { s.Playlist.Run(ctx) })
	}
	if s.Trigger != nil {
		s.goWorker(func() { s.Trigger.Run(ctx, onFatalError) })
	}
	if s.Ledger != nil {
		s.goWorker(func() { s.runLedgerCleanup(ctx) })
	}
	if err := s.Status.Start(ctx); err != nil {
		return err
	}

	return nil
}

func (s *Services) goWorker(fn func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		fn()
	}()
}

// subscribeSinks routes bus events into the ledger and Kafka.
func (s *Services) subscribeSinks() {
	if s.Ledger != nil {
		s.Bus.Subscribe(func(e eventbus.Event) {
			if err := s.Ledger.Handle(e); err != nil {
				log.Error().Err(err).Str("event_type", string(e.Type)).Msg("Failed to record event in ledger")
			}
		}, eventbus.AllTypes...)
	}

	if s.Kafka != nil {
		s.Bus.Subscribe(func(e eventbus.Event) {
			if err := s.Kafka.Handle(e); err != nil {
				log.Warn().Err(err).Str("event_type", string(e.Type)).Msg("Failed to publish event to Kafka")
			}
		}, eventbus.AllTypes...)
	}
}

// runLedgerCleanup periodically removes ledger entries past retention.
func (s *Services) runLedgerCleanup(ctx context.Context) {
	retention := s.cfg.Ledger.Retention.Duration()
	ticker := time.NewTicker(s.cfg.Ledger.CleanupInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Ledger.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}

// Stop waits for workers (bounded by the shutdown timeout) and releases resources.
// The context passed to Start must already be cancelled.
func (s *Services) Stop() error {
	timeout := s.cfg.ShutdownTimeout.Duration()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Workers stopped")
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Workers did not stop in time")
	}

	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.Kafka != nil {
		if err := s.Kafka.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Kafka writer")
		}
	}
	if s.Trigger != nil {
		s.Trigger.Close()
	}
	if s.Sensor != nil {
		s.Sensor.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
