// Package ingest receives metric samples, pattern events and training
// samples from inference services over MQTT and feeds them into the control
// loop.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/vigil/internal/config"
	"github.com/clawinfra/vigil/internal/metrics"
	"github.com/clawinfra/vigil/internal/pattern"
	"github.com/clawinfra/vigil/internal/training"
)

// Sink is where decoded payloads land. All three methods must be
// non-blocking; the core service satisfies this.
type Sink interface {
	RecordMetric(sample metrics.Sample)
	RecordEvent(ev pattern.Event)
	AddTrainingSamples(batch []training.Sample)
}

// Channel subscribes to the ingestion topics and decodes JSON payloads into
// the sink. Malformed payloads are logged and dropped, never fatal.
type Channel struct {
	cfg    config.MQTTConfig
	sink   Sink
	logger *slog.Logger
	client MQTTClient

	// clientFactory builds the client from prepared options; tests swap in
	// a mock here.
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewChannel creates an MQTT ingestion channel.
func NewChannel(cfg config.MQTTConfig, sink Sink, logger *slog.Logger) *Channel {
	return &Channel{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("channel", "mqtt"),
		clientFactory: func(opts *mqtt.ClientOptions) MQTTClient {
			return &defaultMQTTClient{client: mqtt.NewClient(opts)}
		},
	}
}

// NewChannelWithClient creates a channel with a custom client factory, for
// tests.
func NewChannelWithClient(cfg config.MQTTConfig, sink Sink, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *Channel {
	c := NewChannel(cfg, sink, logger)
	c.clientFactory = factory
	return c
}

func (c *Channel) metricsTopic() string  { return c.cfg.TopicPrefix + "/metrics" }
func (c *Channel) eventsTopic() string   { return c.cfg.TopicPrefix + "/events" }
func (c *Channel) trainingTopic() string { return c.cfg.TopicPrefix + "/training" }

// Start connects to the broker and subscribes. Subscriptions are re-issued
// on every (re)connect.
func (c *Channel) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)

	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("vigil-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.logger.Info("mqtt connected, subscribing")
		if err := c.subscribe(); err != nil {
			c.logger.Error("subscribe failed", "error", err)
		}
	})

	c.client = c.clientFactory(opts)

	c.logger.Info("connecting to mqtt broker", "broker", c.cfg.BrokerURL, "client_id", clientID)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (c *Channel) Stop() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	c.logger.Info("mqtt channel stopped")
}

func (c *Channel) subscribe() error {
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{c.metricsTopic(), c.handleMetric},
		{c.eventsTopic(), c.handleEvent},
		{c.trainingTopic(), c.handleTraining},
	}
	for _, sub := range subs {
		token := c.client.Subscribe(sub.topic, 1, sub.handler)
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("subscribe timeout on %s", sub.topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe to %s: %w", sub.topic, err)
		}
		c.logger.Info("subscribed", "topic", sub.topic)
	}
	return nil
}

func (c *Channel) handleMetric(_ mqtt.Client, msg mqtt.Message) {
	var sample metrics.Sample
	if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
		c.logger.Warn("malformed metric payload dropped", "topic", msg.Topic(), "error", err)
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	c.sink.RecordMetric(sample)
}

func (c *Channel) handleEvent(_ mqtt.Client, msg mqtt.Message) {
	var ev pattern.Event
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		c.logger.Warn("malformed event payload dropped", "topic", msg.Topic(), "error", err)
		return
	}
	if ev.Type == "" {
		c.logger.Warn("event without type dropped", "topic", msg.Topic())
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.sink.RecordEvent(ev)
}

func (c *Channel) handleTraining(_ mqtt.Client, msg mqtt.Message) {
	var batch []training.Sample
	if err := json.Unmarshal(msg.Payload(), &batch); err != nil {
		// Accept a single sample object as well as a batch.
		var one training.Sample
		if err2 := json.Unmarshal(msg.Payload(), &one); err2 != nil {
			c.logger.Warn("malformed training payload dropped", "topic", msg.Topic(), "error", err)
			return
		}
		batch = []training.Sample{one}
	}
	c.sink.AddTrainingSamples(batch)
}
