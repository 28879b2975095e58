package sensor

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Default retry pacing after a failed read.
const (
	DefaultRetryRate  = 2.0
	DefaultRetryBurst = 1
)

// Poller reads from a source and publishes normalized readings.
type Poller struct {
	source  Source
	state   *SharedState
	limiter *rate.Limiter
}

// NewPoller creates a poller. retryRate is the maximum number of read retries
// per second after failures; zero uses the default.
func NewPoller(source Source, state *SharedState, retryRate float64) *Poller {
	if retryRate <= 0 {
		retryRate = DefaultRetryRate
	}
	return &Poller{
		source:  source,
		state:   state,
		limiter: rate.NewLimiter(rate.Limit(retryRate), DefaultRetryBurst),
	}
}

// Run reads until ctx is cancelled. Source errors are logged and retried.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().Msg("Sensor poller started")

	failures := 0
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Sensor poller stopping")
			return nil
		default:
		}

		point, err := p.source.ReadNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			ev := log.Warn()
			if !errors.Is(err, ErrSource) {
				ev = log.Error()
			}
			ev.Err(err).Int("failures", failures).Msg("Sensor read failed, retrying")

			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		if failures > 0 {
			log.Info().Int("failures", failures).Msg("Sensor read recovered")
			failures = 0
		}

		reading := Normalize(point)
		gen := p.state.Publish(reading)
		log.Debug().
			Uint64("generation", gen).
			Float64("attention", reading.Attention).
			Float64("meditation", reading.Meditation).
			Bool("worn", reading.WornProperly).
			Int("poor_signal", reading.SignalQuality).
			Msg("Sensor reading")
	}
}
