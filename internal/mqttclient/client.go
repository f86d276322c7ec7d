package mqttclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Logger    *slog.Logger
}

// Handler receives the raw payload of a message published on topic.
type Handler func(topic string, payload []byte)

type Client struct {
	raw    mqtt.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler Handler
}

// defaultWait bounds token waits when the caller's context has no deadline.
const defaultWait = 10 * time.Second

func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		logger: logger.With("component", "mqttclient", "broker", opts.BrokerURL),
		subs:   make(map[string]subscription),
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetAutoReconnect(true)
	o.SetOnConnectHandler(c.resubscribe)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", "error", err)
	})
	c.raw = mqtt.NewClient(o)

	token := c.raw.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.BrokerURL, token.Error())
	}
	return c, nil
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	token := c.raw.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(waitFor(ctx)) {
		return fmt.Errorf("mqtt publish %s: timed out", topic)
	}
	return token.Error()
}

// Subscribe registers handler for topic. The subscription is restored
// automatically after a reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	token := c.raw.Subscribe(topic, qos, wrap(handler))
	token.Wait()
	return token.Error()
}

func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	token := c.raw.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

func (c *Client) resubscribe(raw mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	c.mu.Unlock()

	for topic, sub := range subs {
		token := raw.Subscribe(topic, sub.qos, wrap(sub.handler))
		if token.Wait() && token.Error() != nil {
			c.logger.Error("mqtt resubscribe failed", "topic", topic, "error", token.Error())
		}
	}
}

func (c *Client) Close() {
	c.raw.Disconnect(250)
}

func (c *Client) String() string {
	return "MQTTClient"
}

func wrap(handler Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}

func waitFor(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return remaining
		}
		return time.Millisecond
	}
	return defaultWait
}
