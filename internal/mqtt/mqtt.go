package mqtt

import (
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Options configures the transport client.
type Options struct {
	Broker         string
	ClientID       string
	ReconnectMax   time.Duration
	ConnectTimeout time.Duration
}

// Client wraps the paho client. Reconnects are automatic with bounded
// exponential backoff; subscriptions are re-established on reconnect.
type Client struct {
	c      MQTT.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs []subscription
}

type subscription struct {
	topic   string
	qos     byte
	handler MQTT.MessageHandler
}

// NewClient connects to the broker.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	client := &Client{logger: logger}

	mqttOpts := MQTT.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(false).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(opts.ReconnectMax).
		SetConnectTimeout(opts.ConnectTimeout)

	mqttOpts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	mqttOpts.SetOnConnectHandler(func(c MQTT.Client) {
		logger.Info("mqtt connected", zap.String("broker", opts.Broker))
		client.mu.Lock()
		subs := append([]subscription(nil), client.subs...)
		client.mu.Unlock()
		for _, s := range subs {
			if token := c.Subscribe(s.topic, s.qos, s.handler); token.Wait() && token.Error() != nil {
				logger.Error("mqtt resubscribe failed",
					zap.String("topic", s.topic), zap.Error(token.Error()))
			}
		}
	})

	client.c = MQTT.NewClient(mqttOpts)
	if token := client.c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return client, nil
}

// Subscribe registers a handler and remembers it for reconnects.
func (c *Client) Subscribe(topic string, qos byte, handler MQTT.MessageHandler) error {
	c.mu.Lock()
	c.subs = append(c.subs, subscription{topic: topic, qos: qos, handler: handler})
	c.mu.Unlock()

	if token := c.c.Subscribe(topic, qos, handler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// Publish sends a payload and waits for the broker ack.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.c.Publish(topic, qos, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, token.Error())
	}
	return nil
}

// Disconnect closes the connection after the given grace period.
func (c *Client) Disconnect(quiesceMs uint) {
	c.c.Disconnect(quiesceMs)
}
