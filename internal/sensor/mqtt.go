package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MQTTConfig configures the MQTT source.
type MQTTConfig struct {
	Broker         string
	Topic          string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
}

// mqttPoint is the JSON payload expected on the topic.
type mqttPoint struct {
	Attention  float64 `json:"attention"`
	Meditation float64 `json:"meditation"`
	PoorSignal int     `json:"poor_signal"`
	OnHead     *bool   `json:"on_head"`
}

// MQTT receives raw points published by a headset bridge on a broker topic.
type MQTT struct {
	config MQTTConfig
	client mqtt.Client
	points chan RawPoint
	lost   chan error
}

// NewMQTT connects to the broker and subscribes to the configured topic.
// The subscription is renewed on every reconnect.
func NewMQTT(config MQTTConfig) (*MQTT, error) {
	if config.ClientID == "" {
		config.ClientID = "mindwaved-" + uuid.NewString()
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	m := &MQTT{
		config: config,
		points: make(chan RawPoint, 16),
		lost:   make(chan error, 1),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(config.ClientID).
		SetAutoReconnect(true).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost)

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	if !token.WaitTimeout(config.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", config.Broker, err)
	}

	return m, nil
}

// ReadNext blocks until a point arrives or the broker connection is lost.
func (m *MQTT) ReadNext(ctx context.Context) (RawPoint, error) {
	select {
	case <-ctx.Done():
		return RawPoint{}, ctx.Err()
	case err := <-m.lost:
		return RawPoint{}, fmt.Errorf("%w: mqtt connection lost: %v", ErrSource, err)
	case p := <-m.points:
		return p, nil
	}
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func (m *MQTT) onConnect(c mqtt.Client) {
	log.Info().Str("broker", m.config.Broker).Str("topic", m.config.Topic).Msg("Connected to MQTT broker")

	token := c.Subscribe(m.config.Topic, m.config.QoS, m.onMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.Error().Err(err).Str("topic", m.config.Topic).Msg("MQTT subscribe failed")
		}
	}()
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	select {
	case m.lost <- err:
	default:
	}
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	point, err := parseMQTTPoint(msg.Payload())
	if err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("Failed to parse sensor message")
		return
	}

	// Latest wins: drop the oldest queued point when the reader lags.
	for {
		select {
		case m.points <- point:
			return
		default:
		}
		select {
		case <-m.points:
		default:
		}
	}
}

func parseMQTTPoint(payload []byte) (RawPoint, error) {
	var p mqttPoint
	if err := json.Unmarshal(payload, &p); err != nil {
		return RawPoint{}, err
	}

	onHead := p.PoorSignal < offHeadSignal
	if p.OnHead != nil {
		onHead = *p.OnHead
	}

	return RawPoint{
		Attention:  p.Attention,
		Meditation: p.Meditation,
		PoorSignal: p.PoorSignal,
		OnHead:     onHead,
	}, nil
}
