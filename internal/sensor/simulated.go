package sensor

import (
	"context"
	"math/rand"
	"time"
)

// Simulated produces a random walk of headset values at a fixed interval.
// The headset is periodically "taken off" so both playlists get exercised.
type Simulated struct {
	interval time.Duration
	rng      *rand.Rand

	attention  float64
	meditation float64
	onHead     bool
	remaining  int
}

// NewSimulated creates a simulated source.
func NewSimulated(interval time.Duration, seed int64) *Simulated {
	if interval <= 0 {
		interval = time.Second
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulated{
		interval:   interval,
		rng:        rand.New(rand.NewSource(seed)),
		attention:  50,
		meditation: 50,
		onHead:     true,
		remaining:  60,
	}
}

// ReadNext waits one interval and returns the next simulated point.
func (s *Simulated) ReadNext(ctx context.Context) (RawPoint, error) {
	select {
	case <-ctx.Done():
		return RawPoint{}, ctx.Err()
	case <-time.After(s.interval):
	}

	s.remaining--
	if s.remaining <= 0 {
		s.onHead = !s.onHead
		s.remaining = 20 + s.rng.Intn(60)
	}

	if !s.onHead {
		return RawPoint{PoorSignal: offHeadSignal, OnHead: false}, nil
	}

	s.attention = walk(s.attention, s.rng)
	s.meditation = walk(s.meditation, s.rng)
	return RawPoint{
		Attention:  s.attention,
		Meditation: s.meditation,
		OnHead:     true,
	}, nil
}

func walk(v float64, rng *rand.Rand) float64 {
	v += rng.Float64()*20 - 10
	if v < 0 {
		return 0
	}
	if v > rawScale {
		return rawScale
	}
	return v
}
