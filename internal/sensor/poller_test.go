package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

type scriptedSource struct {
	mu    sync.Mutex
	steps []func() (RawPoint, error)
	calls int
}

func (s *scriptedSource) ReadNext(ctx context.Context) (RawPoint, error) {
	s.mu.Lock()
	if s.calls < len(s.steps) {
		step := s.steps[s.calls]
		s.calls++
		s.mu.Unlock()
		return step()
	}
	s.mu.Unlock()

	<-ctx.Done()
	return RawPoint{}, ctx.Err()
}

func point(att, med float64) func() (RawPoint, error) {
	return func() (RawPoint, error) {
		return RawPoint{Attention: att, Meditation: med, OnHead: true}, nil
	}
}

func failure() (RawPoint, error) {
	return RawPoint{}, fmt.Errorf("%w: headset unplugged", ErrSource)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoller_PublishesAndRetries(t *testing.T) {
	src := &scriptedSource{steps: []func() (RawPoint, error){
		point(10, 20),
		failure,
		failure,
		point(30, 40),
		point(95, 99),
	}}
	state := NewSharedState()
	p := NewPoller(src, state, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return state.Read().Generation == 3 })

	snap := state.Read()
	if snap.Reading.Attention != 0.95 || snap.Reading.Meditation != 0.99 {
		t.Errorf("latest reading = %+v", snap.Reading)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}

func TestThinkGear_ReadsAndReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Consume the format request before streaming.
			if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
				conn.Close()
				return
			}
			fmt.Fprintf(conn, "{\"blinkStrength\":40}\r{\"eSense\":{\"attention\":%d,\"meditation\":60},\"poorSignalLevel\":0}\r", 10*(i+1))
			conn.Close()
		}
	}()

	cfg := DefaultThinkGearConfig()
	cfg.Address = ln.Addr().String()
	cfg.MinBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	src := NewThinkGear(cfg)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := src.ReadNext(ctx)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if p.Attention != 10 || !p.OnHead {
		t.Errorf("first point = %+v", p)
	}

	// Server closed the connection after one packet.
	if _, err := src.ReadNext(ctx); !errors.Is(err, ErrSource) {
		t.Fatalf("expected ErrSource on disconnect, got %v", err)
	}

	p, err = src.ReadNext(ctx)
	if err != nil {
		t.Fatalf("read after reconnect: %v", err)
	}
	if p.Attention != 20 {
		t.Errorf("point after reconnect = %+v", p)
	}
}

func TestThinkGear_CloseDuringRead(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Never send a packet: the reader stays blocked.
		accepted <- conn
	}()

	cfg := DefaultThinkGearConfig()
	cfg.Address = ln.Addr().String()
	src := NewThinkGear(cfg)

	readErr := make(chan error, 1)
	go func() {
		_, err := src.ReadNext(context.Background())
		readErr <- err
	}()

	var server net.Conn
	select {
	case server = <-accepted:
		defer server.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("source did not connect")
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-readErr:
		if err == nil {
			t.Error("blocked read returned no error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock ReadNext")
	}

	if _, err := src.ReadNext(context.Background()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("ReadNext after Close = %v, want net.ErrClosed", err)
	}
}
