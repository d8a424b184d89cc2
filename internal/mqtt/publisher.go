// Package mqtt publishes sensor readings and hub events to a local broker
// when one is configured. The bridge works fully without it; every method on
// a nil publisher is a no-op.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/micro-hub/hub-bridge/internal/model"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

type Publisher struct {
	client paho.Client
	prefix string
	logger *slog.Logger
}

// NewPublisher connects to the broker. A connection failure is returned to
// the caller; the caller decides whether to run without MQTT.
func NewPublisher(broker, clientID, topicPrefix string, logger *slog.Logger) (*Publisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return &Publisher{client: client, prefix: topicPrefix, logger: logger}, nil
}

// PublishReading publishes one sensor reading.
func (p *Publisher) PublishReading(deviceID string, reading model.SensorReading) {
	if p == nil {
		return
	}
	p.publishJSON(p.prefix+"/sensor/"+deviceID, reading)
}

// PublishOnline publishes a device online/offline transition.
func (p *Publisher) PublishOnline(deviceID string, online bool) {
	if p == nil {
		return
	}
	p.publishJSON(p.prefix+"/device/"+deviceID+"/online", map[string]bool{"online": online})
}

// PublishEvent publishes one mirrored hub log line.
func (p *Publisher) PublishEvent(line string) {
	if p == nil {
		return
	}
	p.publishJSON(p.prefix+"/event", map[string]string{"message": line})
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.client.Disconnect(250)
}

func (p *Publisher) publishJSON(topic string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("mqtt payload marshal failed", "topic", topic, "err", err)
		return
	}
	token := p.client.Publish(topic, 0, false, body)
	go func() {
		// Bounded wait: with auto-reconnect a token can pend for as long as
		// the broker stays away, and these goroutines must not pile up.
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn("mqtt publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("mqtt publish failed", "topic", topic, "err", err)
		}
	}()
}
