package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/millillitre/alumet/agent/internal/config"
	"github.com/millillitre/alumet/pkg/types"
)

const (
	publishQoS     = 1
	publishTimeout = 10 * time.Second
)

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes every point as a Kwollect JSON record to a topic
// derived from the configured pattern.
type MQTTPublisher struct {
	client  mqttClient
	topic   string
	timeout time.Duration
	close   func()
}

// DialMQTT creates a publisher for cfg. The connection is established in the
// background and re-established automatically; publishes issued while the
// broker is unreachable time out and are retried by the Forwarder.
func DialMQTT(cfg config.MQTTConfig) *MQTTPublisher {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("forward: connected to MQTT broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("forward: MQTT connection lost", "broker", cfg.Broker, "err", err)
	})

	client := mqtt.NewClient(opts)
	client.Connect()

	return &MQTTPublisher{
		client:  client,
		topic:   cfg.Topic,
		timeout: publishTimeout,
		close:   func() { client.Disconnect(250) },
	}
}

// Publish sends points one message each, at QoS 1, in order. It stops at the
// first failure; the Forwarder then retries the whole batch, so delivery is
// at-least-once.
func (p *MQTTPublisher) Publish(ctx context.Context, points []types.Point) error {
	for _, pt := range points {
		payload, err := json.Marshal(pt)
		if err != nil {
			return fmt.Errorf("%w: encode point %s: %v", ErrPermanent, pt.SeriesKey(), err)
		}
		topic := formatTopic(p.topic, pt)
		if err := p.wait(ctx, p.client.Publish(topic, publishQoS, false, payload)); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	return nil
}

func (p *MQTTPublisher) wait(ctx context.Context, tok mqtt.Token) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", p.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}

// formatTopic substitutes {device_id} and {metric_id} in pattern.
func formatTopic(pattern string, pt types.Point) string {
	return strings.NewReplacer(
		"{device_id}", pt.Resource.ID,
		"{metric_id}", pt.MetricID,
	).Replace(pattern)
}
