package sensor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// offHeadSignal is the poorSignalLevel at and above which the headset is
// considered not on the head.
const offHeadSignal = 200

// ThinkGearConfig configures the ThinkGear Connector client.
type ThinkGearConfig struct {
	Address     string
	DialTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Multiplier  float64
}

// DefaultThinkGearConfig returns defaults for a local ThinkGear Connector.
func DefaultThinkGearConfig() ThinkGearConfig {
	return ThinkGearConfig{
		Address:     "127.0.0.1:13854",
		DialTimeout: 5 * time.Second,
		MinBackoff:  1 * time.Second,
		MaxBackoff:  30 * time.Second,
		Multiplier:  2.0,
	}
}

// ThinkGear reads eSense values from a ThinkGear Connector JSON socket.
// It redials lazily after a failure, backing off between attempts.
type ThinkGear struct {
	config ThinkGearConfig
	dialer net.Dialer

	// mu guards conn and closed; Close may run while ReadNext is blocked.
	mu      sync.Mutex
	closed  bool
	conn    net.Conn
	reader  *bufio.Reader
	backoff time.Duration
	failed  bool
}

type thinkGearPacket struct {
	ESense *struct {
		Attention  float64 `json:"attention"`
		Meditation float64 `json:"meditation"`
	} `json:"eSense"`
	PoorSignalLevel *int   `json:"poorSignalLevel"`
	Status          string `json:"status"`
}

// NewThinkGear creates a ThinkGear source. It does not connect until the first read.
func NewThinkGear(config ThinkGearConfig) *ThinkGear {
	return &ThinkGear{
		config:  config,
		dialer:  net.Dialer{Timeout: config.DialTimeout},
		backoff: config.MinBackoff,
	}
}

// ReadNext blocks until the connector delivers an eSense packet.
// After Close it fails with net.ErrClosed.
func (t *ThinkGear) ReadNext(ctx context.Context) (RawPoint, error) {
	conn, reader, err := t.current(ctx)
	if err != nil {
		return RawPoint{}, err
	}

	// Unblock the read when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		line, err := reader.ReadBytes('\r')
		if err != nil {
			t.drop(conn)
			return RawPoint{}, fmt.Errorf("%w: read %s: %v", ErrSource, t.config.Address, err)
		}

		point, ok := parseThinkGear(line)
		if ok {
			return point, nil
		}
	}
}

// current returns the live connection, dialing one if needed. The backoff
// wait happens without mu held so Close is never delayed by it.
func (t *ThinkGear) current(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, nil, net.ErrClosed
	}
	if t.conn != nil {
		conn, reader := t.conn, t.reader
		t.mu.Unlock()
		return conn, reader, nil
	}
	var wait time.Duration
	if t.failed {
		wait = t.backoff
	}
	t.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, net.ErrClosed
	}
	if t.conn == nil {
		if err := t.connect(ctx); err != nil {
			return nil, nil, err
		}
	}
	return t.conn, t.reader, nil
}

// Close drops the connection. A blocked ReadNext returns an error.
func (t *ThinkGear) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.reader = nil
	return nil
}

// connect dials the connector. Called with mu held.
func (t *ThinkGear) connect(ctx context.Context) error {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.config.Address)
	if err != nil {
		t.failed = true
		current := t.backoff
		next := time.Duration(float64(t.backoff) * t.config.Multiplier)
		if next > t.config.MaxBackoff {
			next = t.config.MaxBackoff
		}
		t.backoff = next
		return fmt.Errorf("%w: dial %s (backoff %s): %v", ErrSource, t.config.Address, current, err)
	}

	if _, err := conn.Write([]byte(`{"enableRawOutput": false, "format": "Json"}` + "\n")); err != nil {
		conn.Close()
		t.failed = true
		return fmt.Errorf("%w: configure %s: %v", ErrSource, t.config.Address, err)
	}

	t.conn = conn
	t.reader = bufio.NewReader(conn)
	t.failed = false
	t.backoff = t.config.MinBackoff

	log.Info().Str("address", t.config.Address).Msg("Connected to ThinkGear connector")
	return nil
}

// drop forgets conn after a read failure unless it was already replaced.
func (t *ThinkGear) drop(conn net.Conn) {
	conn.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
		t.reader = nil
		t.failed = true
	}
}

// parseThinkGear decodes one connector packet. Packets carrying eSense values
// produce a point. Packets with only a poor signal level produce an off-head
// point once the level says the headset is off, so removal is observed.
// Everything else (raw, blink, eegPower only) is skipped.
func parseThinkGear(line []byte) (RawPoint, bool) {
	var pkt thinkGearPacket
	if err := json.Unmarshal(line, &pkt); err != nil {
		log.Debug().Err(err).Str("data", string(line)).Msg("Skipping unparsable ThinkGear packet")
		return RawPoint{}, false
	}

	poor := 0
	if pkt.PoorSignalLevel != nil {
		poor = *pkt.PoorSignalLevel
	}

	if pkt.ESense == nil {
		if pkt.PoorSignalLevel != nil && poor >= offHeadSignal {
			return RawPoint{PoorSignal: poor, OnHead: false}, true
		}
		return RawPoint{}, false
	}

	return RawPoint{
		Attention:  pkt.ESense.Attention,
		Meditation: pkt.ESense.Meditation,
		PoorSignal: poor,
		OnHead:     poor < offHeadSignal,
	}, true
}
