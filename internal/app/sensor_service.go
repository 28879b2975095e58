package app

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/mindwaved/internal/config"
	"github.com/dokzlo13/mindwaved/internal/sensor"
)

// SensorService owns the headset source and the poller feeding the shared state.
type SensorService struct {
	source sensor.Source
	poller *sensor.Poller
}

// NewSensorService builds the configured source. The MQTT source connects here.
func NewSensorService(cfg *config.Config, state *sensor.SharedState) (*SensorService, error) {
	source, err := newSource(cfg.Sensor)
	if err != nil {
		return nil, err
	}

	return &SensorService{
		source: source,
		poller: sensor.NewPoller(source, state, cfg.Sensor.RetryRate),
	}, nil
}

func newSource(cfg config.SensorConfig) (sensor.Source, error) {
	switch cfg.Source {
	case "thinkgear":
		tg := cfg.ThinkGear
		return sensor.NewThinkGear(sensor.ThinkGearConfig{
			Address:     tg.Address,
			DialTimeout: tg.DialTimeout.Duration(),
			MinBackoff:  tg.MinRetryBackoff.Duration(),
			MaxBackoff:  tg.MaxRetryBackoff.Duration(),
			Multiplier:  tg.RetryMultiplier,
		}), nil
	case "mqtt":
		m, err := sensor.NewMQTT(sensor.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      byte(cfg.MQTT.QoS),
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	case "simulated":
		log.Warn().Msg("Using simulated headset source")
		return sensor.NewSimulated(cfg.Simulated.Interval.Duration(), cfg.Simulated.Seed), nil
	default:
		return nil, fmt.Errorf("%w: sensor.source %q", config.ErrInvalid, cfg.Source)
	}
}

// Run polls the source until ctx is cancelled.
func (s *SensorService) Run(ctx context.Context) {
	if err := s.poller.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Sensor poller stopped")
	}
}

// Close releases the source connection.
func (s *SensorService) Close() {
	if c, ok := s.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sensor source")
		}
	}
}
