package sensor

import (
	"sync/atomic"
	"time"
)

// Snapshot is a consistent view of the shared state at one point in time.
type Snapshot struct {
	Reading    Reading
	Generation uint64
	UpdatedAt  time.Time
}

// Ok reports whether a reading has been published yet.
func (s Snapshot) Ok() bool {
	return s.Generation > 0
}

// SharedState holds the most recent reading. One writer, many readers.
// Each publish swaps in a fresh immutable snapshot, so readers never see a
// reading paired with another reading's generation.
type SharedState struct {
	current atomic.Pointer[Snapshot]
	now     func() time.Time
}

// NewSharedState creates an empty store.
func NewSharedState() *SharedState {
	s := &SharedState{now: time.Now}
	s.current.Store(&Snapshot{})
	return s
}

// Publish stores r as the latest reading and bumps the generation.
func (s *SharedState) Publish(r Reading) uint64 {
	for {
		prev := s.current.Load()
		next := &Snapshot{
			Reading:    r,
			Generation: prev.Generation + 1,
			UpdatedAt:  s.now(),
		}
		if s.current.CompareAndSwap(prev, next) {
			return next.Generation
		}
	}
}

// Read returns the latest snapshot.
func (s *SharedState) Read() Snapshot {
	return *s.current.Load()
}
