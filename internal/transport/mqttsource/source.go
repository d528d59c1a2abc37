// Package mqttsource subscribes to an MQTT topic and feeds decoded device
// readings into the engine. Typical for gateway-connected home devices that
// publish directly to a broker.
package mqttsource

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/vitalmesh/vitalmesh/pkg/types"
)

// Handler consumes one decoded reading. Errors are logged; MQTT has no
// per-message acknowledgement to withhold.
type Handler func(reading types.Reading) error

// Options configures a Source.
type Options struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string // e.g. vitalmesh/readings/#
	ClientID string
	QoS      byte // default 1 (at least once)
}

// Source is an MQTT reading subscriber.
type Source struct {
	log     *zap.Logger
	opts    Options
	handler Handler
	client  mqtt.Client
}

// New creates a source. Call Start to connect and subscribe.
func New(log *zap.Logger, opts Options, handler Handler) *Source {
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	return &Source{log: log, opts: opts, handler: handler}
}

// Start connects to the broker and subscribes to the reading topic.
func (s *Source) Start() error {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(s.opts.Broker).
		SetClientID(s.opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			if token := c.Subscribe(s.opts.Topic, s.opts.QoS, s.onMessage); token.Wait() && token.Error() != nil {
				s.log.Error("mqtt subscribe failed",
					zap.String("topic", s.opts.Topic),
					zap.Error(token.Error()),
				)
				return
			}
			s.log.Info("mqtt source subscribed",
				zap.String("broker", s.opts.Broker),
				zap.String("topic", s.opts.Topic),
			)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warn("mqtt connection lost", zap.Error(err))
		})

	s.client = mqtt.NewClient(clientOpts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqttsource: connect %s: %w", s.opts.Broker, token.Error())
	}
	return nil
}

func (s *Source) onMessage(_ mqtt.Client, msg mqtt.Message) {
	reading, err := DecodeReading(msg.Payload())
	if err != nil {
		s.log.Warn("undecodable mqtt message dropped",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
		return
	}

	if err := s.handler(reading); err != nil {
		s.log.Warn("mqtt reading rejected",
			zap.String("device_id", reading.DeviceID),
			zap.Error(err),
		)
	}
}

// Stop disconnects from the broker, allowing in-flight work to finish.
func (s *Source) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

// DecodeReading parses one published message body into a reading.
func DecodeReading(payload []byte) (types.Reading, error) {
	var reading types.Reading
	if err := json.Unmarshal(payload, &reading); err != nil {
		return types.Reading{}, fmt.Errorf("mqttsource: decode reading: %w", err)
	}
	if reading.DeviceID == "" {
		return types.Reading{}, fmt.Errorf("mqttsource: reading has no device id")
	}
	return reading, nil
}
