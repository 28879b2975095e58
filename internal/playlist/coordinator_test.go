package playlist

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/dokzlo13/mindwaved/internal/sensor"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// recordingSet logs calls as "switch:off", "via:on/transition", "advance".
type recordingSet struct {
	calls []string
	at    []time.Time
	clock *fakeClock
}

func (s *recordingSet) record(call string) {
	s.calls = append(s.calls, call)
	if s.clock != nil {
		s.at = append(s.at, s.clock.Now())
	}
}

func (s *recordingSet) SwitchTo(name string)       { s.record("switch:" + name) }
func (s *recordingSet) SwitchVia(name, via string) { s.record("via:" + name + "/" + via) }
func (s *recordingSet) AdvanceCurrent()            { s.record("advance") }

func (s *recordingSet) count(call string) int {
	n := 0
	for _, c := range s.calls {
		if c == call {
			n++
		}
	}
	return n
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *sensor.SharedState, *recordingSet, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 6, 1, 21, 0, 0, 0, time.UTC)}
	state := sensor.NewSharedState()
	set := &recordingSet{clock: clock}
	c, err := newCoordinator(cfg, state, set, clock.Now)
	if err != nil {
		t.Fatalf("newCoordinator: %v", err)
	}
	return c, state, set, clock
}

// run ticks every 50ms for d.
func run(c *Coordinator, clock *fakeClock, d time.Duration) {
	const step = 50 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		clock.Advance(step)
		c.Tick()
	}
}

var (
	worn   = sensor.Reading{Attention: 0.4, Meditation: 0.6, WornProperly: true}
	unworn = sensor.Reading{SignalQuality: 200}
)

func TestCoordinator_StartsInactiveOnOff(t *testing.T) {
	c, _, set, _ := newTestCoordinator(t, Config{})
	if c.State() != StateInactive {
		t.Errorf("initial state = %v, want inactive", c.State())
	}
	if !reflect.DeepEqual(set.calls, []string{"switch:off"}) {
		t.Errorf("calls = %v, want [switch:off]", set.calls)
	}
}

func TestCoordinator_WornUnwornWorn(t *testing.T) {
	c, state, set, clock := newTestCoordinator(t, Config{IdleSwitchInterval: 10 * time.Second})

	state.Publish(worn)
	run(c, clock, 2*time.Second)
	if c.State() != StateActive {
		t.Fatalf("state = %v, want active", c.State())
	}

	// Long hold while worn: no idle advance.
	run(c, clock, 30*time.Second)

	state.Publish(unworn)
	run(c, clock, time.Second)
	if c.State() != StateInactive {
		t.Fatalf("state = %v, want inactive", c.State())
	}

	state.Publish(worn)
	run(c, clock, time.Second)

	want := []string{"switch:off", "via:on/transition", "switch:off", "via:on/transition"}
	if !reflect.DeepEqual(set.calls, want) {
		t.Errorf("calls = %v, want %v", set.calls, want)
	}
}

func TestCoordinator_NoReadingIsInactive(t *testing.T) {
	c, _, set, clock := newTestCoordinator(t, Config{})
	run(c, clock, time.Second)
	if c.State() != StateInactive {
		t.Errorf("state = %v, want inactive", c.State())
	}
	if len(set.calls) != 1 {
		t.Errorf("calls = %v, want only the initial switch", set.calls)
	}
}

func TestCoordinator_IdleAdvanceWithoutReadings(t *testing.T) {
	c, _, set, clock := newTestCoordinator(t, Config{IdleSwitchInterval: 10 * time.Second})

	run(c, clock, 25*time.Second)

	if got := set.count("advance"); got != 2 {
		t.Errorf("advance calls after 25s = %d, want 2", got)
	}
}

func TestCoordinator_IdleAdvanceSpacing(t *testing.T) {
	interval := 3 * time.Second
	c, state, set, clock := newTestCoordinator(t, Config{IdleSwitchInterval: interval})
	state.Publish(unworn)

	d := 40 * time.Second
	run(c, clock, d)

	var advances []time.Time
	for i, call := range set.calls {
		if call == "advance" {
			advances = append(advances, set.at[i])
		}
	}

	want := int(d / interval)
	if n := len(advances); n < want-1 || n > want+1 {
		t.Errorf("advance calls = %d, want %d±1", n, want)
	}
	for i := 1; i < len(advances); i++ {
		if gap := advances[i].Sub(advances[i-1]); gap < interval {
			t.Errorf("advances %d and %d only %s apart", i-1, i, gap)
		}
	}
}

func TestCoordinator_IdleTimerResetsOnRemoval(t *testing.T) {
	c, state, set, clock := newTestCoordinator(t, Config{IdleSwitchInterval: 10 * time.Second})

	state.Publish(worn)
	run(c, clock, 20*time.Second)
	state.Publish(unworn)
	run(c, clock, 9*time.Second)

	if got := set.count("advance"); got != 0 {
		t.Errorf("advance calls = %d, want 0 within interval after removal", got)
	}

	run(c, clock, 2*time.Second)
	if got := set.count("advance"); got != 1 {
		t.Errorf("advance calls = %d, want 1", got)
	}
}

func TestCoordinator_RunStopsOnCancel(t *testing.T) {
	state := sensor.NewSharedState()
	c, err := NewCoordinator(Config{PollInterval: 5 * time.Millisecond}, state, &recordingSet{})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := (Config{IdleSwitchInterval: -time.Second}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative idle interval: got %v", err)
	}
	if err := (Config{PollInterval: -time.Millisecond}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative poll interval: got %v", err)
	}
	if err := (Config{}).Validate(); err != nil {
		t.Errorf("zero config: %v", err)
	}
}
