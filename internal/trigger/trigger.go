// Package trigger debounces sustained attention/meditation readings into a
// rate-limited flame sequence firing.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/mindwaved/internal/flame"
	"github.com/dokzlo13/mindwaved/internal/sensor"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid trigger config")

// DefaultPollInterval is how long the loop sleeps when no new reading is available.
const DefaultPollInterval = 500 * time.Millisecond

// Config holds the firing condition.
type Config struct {
	AttentionThreshold  float64       // inclusive, [0,1]
	MeditationThreshold float64       // inclusive, [0,1]
	RequiredConsecutive int           // fires once the run of qualifying samples exceeds this
	Cooldown            time.Duration // minimum time between firings
	PollInterval        time.Duration
}

// Validate checks the thresholds and timings.
func (c Config) Validate() error {
	if !inUnitRange(c.AttentionThreshold) {
		return fmt.Errorf("%w: attention threshold %v outside [0,1]", ErrInvalidConfig, c.AttentionThreshold)
	}
	if !inUnitRange(c.MeditationThreshold) {
		return fmt.Errorf("%w: meditation threshold %v outside [0,1]", ErrInvalidConfig, c.MeditationThreshold)
	}
	if c.RequiredConsecutive < 0 {
		return fmt.Errorf("%w: required consecutive samples %d is negative", ErrInvalidConfig, c.RequiredConsecutive)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown %s is negative", ErrInvalidConfig, c.Cooldown)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: poll interval %s is negative", ErrInvalidConfig, c.PollInterval)
	}
	return nil
}

// inUnitRange is false for NaN.
func inUnitRange(v float64) bool {
	return v >= 0 && v <= 1
}

// StateReader is the shared reading store.
type StateReader interface {
	Read() sensor.Snapshot
}

// Selector picks the sequence to run and moves on to the next one.
type Selector interface {
	Selection() flame.Sequence
	Advance()
}

// Target runs a sequence on a board. Run blocks for the duration of the sequence.
type Target interface {
	Run(ctx context.Context, seq flame.Sequence, board flame.Board) error
}

// Firing describes one sequence invocation.
type Firing struct {
	ID         string
	Sequence   flame.Sequence
	At         time.Time
	Took       time.Duration
	Generation uint64
	Reading    sensor.Reading
	Err        error
}

// Recorder receives every firing, successful or not.
type Recorder interface {
	RecordFiring(f Firing)
}

// Status is a copy of the trigger's private state.
type Status struct {
	Consecutive    int
	LastFiredAt    time.Time
	LastGeneration uint64
	Firings        int
}

// Trigger watches the shared state and fires a sequence when enough
// consecutive new readings qualify and the cooldown has passed.
type Trigger struct {
	cfg      Config
	state    StateReader
	selector Selector
	target   Target
	board    flame.Board
	recorder Recorder
	now      func() time.Time

	consecutive    int
	lastFiredAt    time.Time
	lastGeneration uint64
	firings        int
}

// New creates a trigger. The config is validated here so a bad config fails
// before any worker starts.
func New(cfg Config, state StateReader, selector Selector, target Target, board flame.Board) (*Trigger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &Trigger{
		cfg:      cfg,
		state:    state,
		selector: selector,
		target:   target,
		board:    board,
		now:      time.Now,
	}, nil
}

// SetRecorder installs r. Must be called before Run.
func (t *Trigger) SetRecorder(r Recorder) {
	t.recorder = r
}

// Restore seeds the last firing time, e.g. from the ledger after a restart.
// Must be called before Run.
func (t *Trigger) Restore(lastFired time.Time) {
	t.lastFiredAt = lastFired
}

// Status returns the current private state. Not safe to call while Run is active.
func (t *Trigger) Status() Status {
	return Status{
		Consecutive:    t.consecutive,
		LastFiredAt:    t.lastFiredAt,
		LastGeneration: t.lastGeneration,
		Firings:        t.firings,
	}
}

// Run evaluates readings until ctx is cancelled or a sequence fails.
// A sequence failure is returned and ends the loop.
func (t *Trigger) Run(ctx context.Context) error {
	log.Info().
		Float64("attention_threshold", t.cfg.AttentionThreshold).
		Float64("meditation_threshold", t.cfg.MeditationThreshold).
		Int("required_consecutive", t.cfg.RequiredConsecutive).
		Dur("cooldown", t.cfg.Cooldown).
		Msg("Flame trigger started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Flame trigger stopping")
			return nil
		default:
		}

		consumed, err := t.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if consumed {
			continue
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Flame trigger stopping")
			return nil
		case <-time.After(t.cfg.PollInterval):
		}
	}
}

// step consumes the latest reading if it is new. It reports whether a
// reading was consumed.
func (t *Trigger) step(ctx context.Context) (bool, error) {
	snap := t.state.Read()
	if !snap.Ok() || snap.Generation == t.lastGeneration {
		return false, nil
	}
	t.lastGeneration = snap.Generation

	if !t.qualifies(snap.Reading) {
		t.consecutive = 0
		return true, nil
	}

	t.consecutive++
	if t.consecutive <= t.cfg.RequiredConsecutive {
		return true, nil
	}

	// Enough consecutive samples: the run is spent whether or not we fire.
	t.consecutive = 0

	now := t.now()
	if !t.lastFiredAt.IsZero() && now.Sub(t.lastFiredAt) <= t.cfg.Cooldown {
		log.Debug().
			Dur("since_last", now.Sub(t.lastFiredAt)).
			Dur("cooldown", t.cfg.Cooldown).
			Msg("Trigger condition met during cooldown")
		return true, nil
	}

	return true, t.fire(ctx, snap, now)
}

func (t *Trigger) qualifies(r sensor.Reading) bool {
	return r.Attention >= t.cfg.AttentionThreshold && r.Meditation >= t.cfg.MeditationThreshold
}

func (t *Trigger) fire(ctx context.Context, snap sensor.Snapshot, now time.Time) error {
	seq := t.selector.Selection()
	f := Firing{
		ID:         uuid.NewString(),
		Sequence:   seq,
		At:         now,
		Generation: snap.Generation,
		Reading:    snap.Reading,
	}

	log.Info().
		Str("firing_id", f.ID).
		Str("sequence", seq.Name).
		Float64("attention", snap.Reading.Attention).
		Float64("meditation", snap.Reading.Meditation).
		Msg("~~~~~~~~~~~ POOOOOOOOOF ~~~~~~~~~~~")

	err := t.target.Run(ctx, seq, t.board)
	finished := t.now()
	f.Took = finished.Sub(now)
	if err != nil {
		f.Err = err
		t.record(f)
		return fmt.Errorf("run sequence %s: %w", seq, err)
	}

	t.selector.Advance()
	t.lastFiredAt = finished
	t.firings++
	t.record(f)

	log.Info().Str("firing_id", f.ID).Dur("took", f.Took).Msg("Flame sequence completed")
	return nil
}

func (t *Trigger) record(f Firing) {
	if t.recorder != nil {
		t.recorder.RecordFiring(f)
	}
}
