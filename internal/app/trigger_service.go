package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/mindwaved/internal/config"
	"github.com/dokzlo13/mindwaved/internal/eventbus"
	"github.com/dokzlo13/mindwaved/internal/flame"
	"github.com/dokzlo13/mindwaved/internal/ledger"
	"github.com/dokzlo13/mindwaved/internal/sensor"
	"github.com/dokzlo13/mindwaved/internal/trigger"
)

// Failure policies for the trigger worker.
const (
	OnFailureStop    = "stop"
	OnFailureRestart = "restart"
	OnFailureExit    = "exit"
)

// TriggerService runs the flame trigger over the sequence script and supervises it.
type TriggerService struct {
	trigger *trigger.Trigger
	script  *flame.Script
	bus     *eventbus.Bus

	onFailure    string
	restartDelay time.Duration
}

// NewTriggerService loads the sequence script and builds the trigger.
// When a ledger is available the cooldown is restored from the last firing.
func NewTriggerService(cfg *config.Config, state *sensor.SharedState, bus *eventbus.Bus, l *ledger.Ledger) (*TriggerService, error) {
	script, err := flame.LoadScript(cfg.Trigger.Script)
	if err != nil {
		return nil, err
	}

	t, err := trigger.New(trigger.Config{
		AttentionThreshold:  cfg.Trigger.AttentionThreshold,
		MeditationThreshold: cfg.Trigger.MeditationThreshold,
		RequiredConsecutive: cfg.Trigger.RequiredConsecutive,
		Cooldown:            cfg.Trigger.GetCooldown(),
		PollInterval:        cfg.Trigger.PollInterval.Duration(),
	}, state, script, script, flame.NewLogBoard(cfg.Trigger.Channels))
	if err != nil {
		script.Close()
		return nil, err
	}
	t.SetRecorder(&busRecorder{bus: bus})

	if l != nil {
		last, ok, err := l.LastOf(ledger.EventFired)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read last firing from ledger")
		} else if ok {
			t.Restore(last)
			log.Info().Time("last_fired_at", last).Msg("Restored trigger cooldown from ledger")
		}
	}

	log.Info().Str("script", cfg.Trigger.Script).Int("sequences", script.Len()).Msg("Loaded flame sequences")

	return &TriggerService{
		trigger:      t,
		script:       script,
		bus:          bus,
		onFailure:    cfg.Trigger.OnFailure,
		restartDelay: cfg.Trigger.RestartDelay.Duration(),
	}, nil
}

// Run runs the trigger until ctx is cancelled. A sequence failure stops the
// trigger; what happens next depends on the failure policy.
func (s *TriggerService) Run(ctx context.Context, onFatalError func(error)) {
	for {
		err := s.trigger.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		status := s.trigger.Status()
		log.Error().
			Err(err).
			Str("worker", "trigger").
			Int("consecutive", status.Consecutive).
			Time("last_fired_at", status.LastFiredAt).
			Uint64("last_generation", status.LastGeneration).
			Int("firings", status.Firings).
			Str("policy", s.onFailure).
			Msg("Worker failed")

		s.bus.Publish(eventbus.Event{
			Type: eventbus.EventTypeWorkerFailed,
			Data: map[string]any{
				"worker": "trigger",
				"error":  err.Error(),
				"policy": s.onFailure,
			},
		})

		switch s.onFailure {
		case OnFailureRestart:
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.restartDelay):
			}
			log.Info().Dur("delay", s.restartDelay).Msg("Restarting flame trigger")
		case OnFailureExit:
			onFatalError(fmt.Errorf("trigger worker: %w", err))
			return
		default:
			return
		}
	}
}

// Close releases the Lua state.
func (s *TriggerService) Close() {
	s.script.Close()
}

// busRecorder publishes firings on the event bus.
type busRecorder struct {
	bus *eventbus.Bus
}

func (r *busRecorder) RecordFiring(f trigger.Firing) {
	data := map[string]any{
		"sequence":       f.Sequence.Name,
		"sequence_index": f.Sequence.Index,
		"started_at":     f.At.UnixMilli(),
		"took_ms":        f.Took.Milliseconds(),
		"generation":     f.Generation,
		"attention":      f.Reading.Attention,
		"meditation":     f.Reading.Meditation,
	}

	eventType := eventbus.EventTypeTriggerFired
	if f.Err != nil {
		eventType = eventbus.EventTypeTriggerFailed
		data["error"] = f.Err.Error()
	}

	// Stamped with the finish time: the cooldown runs from the end of a sequence.
	r.bus.Publish(eventbus.Event{
		Type: eventType,
		ID:   f.ID,
		At:   f.At.Add(f.Took),
		Data: data,
	})
}
