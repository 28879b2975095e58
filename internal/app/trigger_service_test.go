package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/mindwaved/internal/config"
	"github.com/dokzlo13/mindwaved/internal/db"
	"github.com/dokzlo13/mindwaved/internal/eventbus"
	"github.com/dokzlo13/mindwaved/internal/ledger"
	"github.com/dokzlo13/mindwaved/internal/sensor"
)

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	b := eventbus.NewWithConfig(1, 32)
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sequences.lua")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func triggerConfig(script, onFailure string) *config.Config {
	cfg := &config.Config{}
	cfg.Trigger.Script = script
	cfg.Trigger.Channels = 2
	cooldown := config.Duration(time.Hour)
	cfg.Trigger.Cooldown = &cooldown
	cfg.Trigger.PollInterval = config.Duration(time.Millisecond)
	cfg.Trigger.OnFailure = onFailure
	cfg.Trigger.RestartDelay = config.Duration(time.Millisecond)
	return cfg
}

type eventSink struct {
	mu     sync.Mutex
	events []eventbus.Event
	seen   chan struct{}
}

func subscribeSink(b *eventbus.Bus, types ...eventbus.EventType) *eventSink {
	s := &eventSink{seen: make(chan struct{}, 64)}
	b.Subscribe(func(e eventbus.Event) {
		s.mu.Lock()
		s.events = append(s.events, e)
		s.mu.Unlock()
		s.seen <- struct{}{}
	}, types...)
	return s
}

func (s *eventSink) wait(t *testing.T, n int) []eventbus.Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventbus.Event(nil), s.events...)
}

func TestTriggerService_FiresAndPublishes(t *testing.T) {
	path := writeScript(t, `
local flame = require("flame")
flame.sequence("puff", function(board) board.fire(1, 1) end)
`)
	bus := newTestBus(t)
	sink := subscribeSink(bus, eventbus.EventTypeTriggerFired)

	state := sensor.NewSharedState()
	svc, err := NewTriggerService(triggerConfig(path, OnFailureStop), state, bus, nil)
	if err != nil {
		t.Fatalf("NewTriggerService: %v", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx, func(error) { t.Error("unexpected fatal error") })
		close(done)
	}()

	state.Publish(sensor.Reading{Attention: 1, Meditation: 1, WornProperly: true})

	events := sink.wait(t, 1)
	if events[0].ID == "" || events[0].Data["sequence"] != "puff" {
		t.Errorf("fired event = %+v", events[0])
	}

	cancel()
	<-done
}

func TestTriggerService_ExitPolicy(t *testing.T) {
	path := writeScript(t, `
local flame = require("flame")
flame.sequence("broken", function(board) error("igniter offline") end)
`)
	bus := newTestBus(t)
	sink := subscribeSink(bus, eventbus.EventTypeTriggerFailed, eventbus.EventTypeWorkerFailed)

	state := sensor.NewSharedState()
	svc, err := NewTriggerService(triggerConfig(path, OnFailureExit), state, bus, nil)
	if err != nil {
		t.Fatalf("NewTriggerService: %v", err)
	}
	defer svc.Close()

	fatal := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		svc.Run(context.Background(), func(err error) { fatal <- err })
		close(done)
	}()

	state.Publish(sensor.Reading{Attention: 1, Meditation: 1, WornProperly: true})

	select {
	case err := <-fatal:
		if err == nil {
			t.Error("fatal error is nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit policy did not report a fatal error")
	}
	<-done

	types := map[eventbus.EventType]bool{}
	for _, e := range sink.wait(t, 2) {
		types[e.Type] = true
	}
	if !types[eventbus.EventTypeTriggerFailed] || !types[eventbus.EventTypeWorkerFailed] {
		t.Errorf("published types = %v", types)
	}
}

func TestTriggerService_RestartPolicy(t *testing.T) {
	path := writeScript(t, `
local flame = require("flame")
flame.sequence("broken", function(board) error("igniter offline") end)
`)
	bus := newTestBus(t)
	sink := subscribeSink(bus, eventbus.EventTypeWorkerFailed)

	state := sensor.NewSharedState()
	cfg := triggerConfig(path, OnFailureRestart)
	svc, err := NewTriggerService(cfg, state, bus, nil)
	if err != nil {
		t.Fatalf("NewTriggerService: %v", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx, func(error) { t.Error("restart policy must not be fatal") })
		close(done)
	}()

	// Each fresh qualifying reading fails again after the restart.
	state.Publish(sensor.Reading{Attention: 1, Meditation: 1, WornProperly: true})
	sink.wait(t, 1)
	state.Publish(sensor.Reading{Attention: 1, Meditation: 1, WornProperly: true})
	sink.wait(t, 1)

	cancel()
	<-done
}

func TestTriggerService_RestoresCooldownFromLedger(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	defer database.Close()
	l := ledger.New(database.DB)

	last := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	if err := l.Append(ledger.EventFired, last, "f-1", "eventbus", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	path := writeScript(t, `require("flame").sequence("puff", function(board) end)`)
	svc, err := NewTriggerService(triggerConfig(path, OnFailureStop), sensor.NewSharedState(), newTestBus(t), l)
	if err != nil {
		t.Fatalf("NewTriggerService: %v", err)
	}
	defer svc.Close()

	if got := svc.trigger.Status().LastFiredAt; !got.Equal(last) {
		t.Errorf("LastFiredAt = %v, want %v", got, last)
	}
}

func TestTriggerService_MissingScript(t *testing.T) {
	cfg := triggerConfig(filepath.Join(t.TempDir(), "missing.lua"), OnFailureStop)
	if _, err := NewTriggerService(cfg, sensor.NewSharedState(), newTestBus(t), nil); err == nil {
		t.Error("expected error for missing script")
	}
}
