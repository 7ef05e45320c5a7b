// Package mqtt publishes position updates, status changes and telemetry
// events to an MQTT broker. Publishing is optional; a disabled or
// disconnected client turns every publish into a no-op so the daemon never
// blocks on the broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/posmux/posmux/pkg/logx"
)

// Config holds MQTT configuration.
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "posmuxd",
		TopicPrefix: "posmux",
		QoS:         1,
		Retain:      true,
		Enabled:     false,
	}
}

// Client publishes posmux telemetry over MQTT.
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      *Config
	connected   atomic.Bool
	lastPublish atomic.Int64

	// Messages refused by the rate limiter wait here and drain on the
	// next allowed publish.
	queueMu      sync.Mutex
	queue        []*queuedMessage
	maxQueueSize int

	limiter *rateLimiter
}

// queuedMessage is a message waiting for the rate limiter to open up.
type queuedMessage struct {
	Topic   string
	Payload []byte
	Time    time.Time
}

// rateLimiter caps publishes per window so a flapping provider cannot
// flood the broker.
type rateLimiter struct {
	mu           sync.Mutex
	lastCheck    time.Time
	messageCount int
	maxMessages  int
	windowSize   time.Duration
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCheck) >= rl.windowSize {
		rl.messageCount = 0
		rl.lastCheck = now
	}

	if rl.messageCount < rl.maxMessages {
		rl.messageCount++
		return true
	}
	return false
}

// NewClient creates an MQTT client. Connect must be called before anything
// is published.
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		logger:       logger,
		config:       config,
		queue:        make([]*queuedMessage, 0, 100),
		maxQueueSize: 100,
		limiter: &rateLimiter{
			maxMessages: 10,
			windowSize:  time.Second,
		},
	}
}

// Connect establishes the connection to the MQTT broker. A disabled client
// returns immediately.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("mqtt_connected",
		"broker", c.config.Broker,
		"port", c.config.Port,
		"topic_prefix", c.config.TopicPrefix,
	)
	return nil
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect() error {
	if c.client != nil && c.connected.Load() {
		c.client.Disconnect(250)
		c.connected.Store(false)
		c.logger.Info("mqtt_disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("mqtt_connection_established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("mqtt_connection_lost", "error", err.Error())
}

// IsConnected reports whether the client currently has a broker connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// LastPublish returns the timestamp of the last successful publish.
func (c *Client) LastPublish() time.Time {
	n := c.lastPublish.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// PublishPosition publishes a canonical position update. The broker
// retains it (per config) so late subscribers get the latest position
// immediately.
func (c *Client) PublishPosition(payload interface{}) error {
	return c.publish(c.topic("position"), payload)
}

// PublishStatus publishes the presentation status line.
func (c *Client) PublishStatus(statusText, mode string) error {
	return c.publish(c.topic("status"), map[string]interface{}{
		"status":    statusText,
		"mode":      mode,
		"timestamp": time.Now(),
	})
}

// PublishEvent publishes a telemetry event.
func (c *Client) PublishEvent(event interface{}) error {
	return c.publish(c.topic("events"), map[string]interface{}{
		"timestamp": time.Now(),
		"event":     event,
	})
}

// PublishHealth publishes the provider health snapshot.
func (c *Client) PublishHealth(health interface{}) error {
	return c.publish(c.topic("health"), map[string]interface{}{
		"timestamp": time.Now(),
		"health":    health,
	})
}

func (c *Client) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", c.config.TopicPrefix, suffix)
}

// publish marshals and sends one message, honoring the enabled flag, the
// connection state and the rate limiter.
func (c *Client) publish(topic string, payload interface{}) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if !c.limiter.allow() {
		c.enqueue(topic, data)
		return nil
	}

	if err := c.publishDirect(topic, data); err != nil {
		return err
	}
	c.drainQueue()
	return nil
}

// enqueue holds a rate-limited message for a later drain. The queue drops
// new messages when full; the retained position topic makes losing
// intermediate updates harmless.
func (c *Client) enqueue(topic string, data []byte) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if len(c.queue) >= c.maxQueueSize {
		c.logger.Warn("mqtt_queue_full", "topic", topic)
		return
	}
	c.queue = append(c.queue, &queuedMessage{Topic: topic, Payload: data, Time: time.Now()})
}

// drainQueue publishes queued messages while the rate limiter allows.
func (c *Client) drainQueue() {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	for len(c.queue) > 0 && c.limiter.allow() {
		msg := c.queue[0]
		c.queue = c.queue[1:]
		if err := c.publishDirect(msg.Topic, msg.Payload); err != nil {
			c.logger.Error("mqtt_queued_publish_failed", "topic", msg.Topic, "error", err.Error())
		}
	}
}

// publishDirect sends a single message to the broker.
func (c *Client) publishDirect(topic string, payload []byte) error {
	if !c.connected.Load() {
		return fmt.Errorf("not connected to MQTT broker")
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.lastPublish.Store(time.Now().UnixNano())
	c.logger.Debug("mqtt_published", "topic", topic, "size", len(payload))
	return nil
}
