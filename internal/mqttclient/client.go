// Package mqttclient wraps the paho MQTT client: automatic reconnect,
// re-subscription of the full topic set after a reconnect, and connection
// state reporting for the health surface.
package mqttclient

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// State is the reported connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// MessageHandler receives every inbound publish.
type MessageHandler func(topic string, payload []byte)

// Config is the broker connection configuration.
type Config struct {
	BrokerURL          string
	ClientID           string
	Username           string
	Password           string
	KeepAlive          time.Duration
	ReconnectPeriod    time.Duration
	ProtocolVersion    uint
	TLS                bool
	InsecureSkipVerify bool
}

// Client is a reconnecting MQTT subscriber that tracks its topic set so the
// full set is re-established on every (re)connect.
type Client struct {
	mu     sync.Mutex
	conn   mqtt.Client
	topics map[string]struct{}
	state  State

	handler MessageHandler
	logger  *zap.Logger
}

// NewClient builds the paho client. Connect must be called before messages
// flow; handler runs on paho's delivery goroutines.
func NewClient(cfg Config, handler MessageHandler, logger *zap.Logger) *Client {
	c := &Client{
		topics:  make(map[string]struct{}),
		state:   StateDisconnected,
		handler: handler,
		logger:  logger,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetCleanSession(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ReconnectPeriod > 0 {
		opts.SetConnectRetryInterval(cfg.ReconnectPeriod)
		opts.SetMaxReconnectInterval(cfg.ReconnectPeriod)
	}
	if cfg.ProtocolVersion != 0 {
		opts.SetProtocolVersion(cfg.ProtocolVersion)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify})
	}

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setState(StateConnected)
		c.logger.Info("mqtt connected", zap.String("broker", cfg.BrokerURL))
		c.resubscribeAll()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setState(StateReconnecting)
		c.logger.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.setState(StateReconnecting)
	})

	c.conn = mqtt.NewClient(opts)
	return c
}

// Connect establishes the initial broker connection, blocking until the
// first attempt resolves. Paho keeps retrying in the background afterwards.
func (c *Client) Connect() error {
	c.setState(StateConnecting)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Subscribe adds topic to the tracked set and subscribes immediately when
// connected. The tracked set survives reconnects.
func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	connected := c.conn.IsConnectionOpen()
	c.mu.Unlock()

	if !connected {
		return nil
	}
	token := c.conn.Subscribe(topic, 0, c.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %q: %w", topic, err)
	}
	c.logger.Info("mqtt subscribed", zap.String("topic", topic))
	return nil
}

// Unsubscribe removes topic from the tracked set and from the broker.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	connected := c.conn.IsConnectionOpen()
	c.mu.Unlock()

	if !connected {
		return nil
	}
	token := c.conn.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt unsubscribe %q: %w", topic, err)
	}
	c.logger.Info("mqtt unsubscribed", zap.String("topic", topic))
	return nil
}

// Topics returns the tracked subscription set.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Disconnect closes the broker connection, allowing 250ms for in-flight
// work to finish.
func (c *Client) Disconnect() {
	c.conn.Disconnect(250)
	c.setState(StateDisconnected)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.handler(msg.Topic(), msg.Payload())
}

// resubscribeAll re-establishes every tracked topic after a (re)connect.
func (c *Client) resubscribeAll() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, t := range topics {
		token := c.conn.Subscribe(t, 0, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error("mqtt resubscribe failed", zap.String("topic", t), zap.Error(err))
			continue
		}
		c.logger.Info("mqtt resubscribed", zap.String("topic", t))
	}
}
