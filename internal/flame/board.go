// Package flame provides the effect board abstraction and the scripted
// sequence set run when the trigger fires.
package flame

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Sequence identifies one entry of a sequence set.
type Sequence struct {
	Index int
	Name  string
}

func (s Sequence) String() string {
	return fmt.Sprintf("%d:%s", s.Index, s.Name)
}

// Board is the physical effect target a sequence drives.
type Board interface {
	// Fire opens channel for d. It blocks until the burst is over.
	Fire(ctx context.Context, channel int, d time.Duration) error
	Channels() int
}

// LogBoard is a Board that only logs bursts. Useful without hardware attached.
type LogBoard struct {
	channels int
}

// NewLogBoard creates a logging board with the given channel count.
func NewLogBoard(channels int) *LogBoard {
	return &LogBoard{channels: channels}
}

// Channels returns the channel count.
func (b *LogBoard) Channels() int {
	return b.channels
}

// Fire logs the burst and waits for its duration.
func (b *LogBoard) Fire(ctx context.Context, channel int, d time.Duration) error {
	if channel < 1 || channel > b.channels {
		return fmt.Errorf("channel %d out of range 1..%d", channel, b.channels)
	}

	log.Info().Int("channel", channel).Dur("duration", d).Msg("Flame burst")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
