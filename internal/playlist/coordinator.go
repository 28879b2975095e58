// Package playlist switches the renderer's playlists as the headset is put
// on and taken off, and cycles the idle playlist while nobody wears it.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/mindwaved/internal/sensor"
)

// Playlist names the coordinator drives.
const (
	On         = "on"
	Off        = "off"
	Transition = "transition"
)

// Defaults for Config.
const (
	DefaultIdleSwitchInterval = 10 * time.Second
	DefaultPollInterval       = 50 * time.Millisecond
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid playlist config")

// Config controls coordinator timing.
type Config struct {
	IdleSwitchInterval time.Duration
	PollInterval       time.Duration
}

// Validate checks timings. Zero values mean defaults.
func (c Config) Validate() error {
	if c.IdleSwitchInterval < 0 {
		return fmt.Errorf("%w: idle switch interval %s is negative", ErrInvalidConfig, c.IdleSwitchInterval)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: poll interval %s is negative", ErrInvalidConfig, c.PollInterval)
	}
	return nil
}

// Set is the renderer's collection of named playlists.
type Set interface {
	SwitchTo(name string)
	// SwitchVia cross-fades into name through the via playlist.
	SwitchVia(name, via string)
	// AdvanceCurrent moves to the next item of the current playlist.
	AdvanceCurrent()
}

// StateReader is the shared reading store.
type StateReader interface {
	Read() sensor.Snapshot
}

// State is the coordinator's view of the headset.
type State int

const (
	StateInactive State = iota
	StateActive
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Coordinator is a two-state machine: Active while a worn headset is
// reporting, Inactive otherwise. While Inactive the off playlist advances
// every IdleSwitchInterval.
type Coordinator struct {
	cfg   Config
	state StateReader
	set   Set
	now   func() time.Time

	current          State
	lastTransitionAt time.Time
}

// NewCoordinator validates cfg and switches the set to the off playlist.
func NewCoordinator(cfg Config, state StateReader, set Set) (*Coordinator, error) {
	return newCoordinator(cfg, state, set, time.Now)
}

func newCoordinator(cfg Config, state StateReader, set Set, now func() time.Time) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IdleSwitchInterval == 0 {
		cfg.IdleSwitchInterval = DefaultIdleSwitchInterval
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	set.SwitchTo(Off)

	return &Coordinator{
		cfg:              cfg,
		state:            state,
		set:              set,
		now:              now,
		current:          StateInactive,
		lastTransitionAt: now(),
	}, nil
}

// State returns the current state. Not safe to call while Run is active.
func (c *Coordinator) State() State {
	return c.current
}

// Run ticks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Info().
		Dur("idle_switch_interval", c.cfg.IdleSwitchInterval).
		Dur("poll_interval", c.cfg.PollInterval).
		Msg("Playlist coordinator started")

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Playlist coordinator stopping")
			return nil
		default:
		}

		c.Tick()

		select {
		case <-ctx.Done():
			log.Info().Msg("Playlist coordinator stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick evaluates the latest reading once.
func (c *Coordinator) Tick() {
	now := c.now()
	worn := c.headsetWorn()

	switch c.current {
	case StateInactive:
		if worn {
			log.Info().Msg("Headset on")
			c.current = StateActive
			c.lastTransitionAt = now
			c.set.SwitchVia(On, Transition)
			return
		}
		if now.Sub(c.lastTransitionAt) > c.cfg.IdleSwitchInterval {
			c.set.AdvanceCurrent()
			c.lastTransitionAt = now
			log.Debug().Msg("Idle playlist advanced")
		}

	case StateActive:
		if !worn {
			log.Info().Msg("Headset off")
			c.current = StateInactive
			c.lastTransitionAt = now
			c.set.SwitchTo(Off)
		}
	}
}

func (c *Coordinator) headsetWorn() bool {
	snap := c.state.Read()
	return snap.Ok() && snap.Reading.WornProperly
}
