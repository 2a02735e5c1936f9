package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/gorilla/websocket"

	"github.com/db-home-system/radiolog/internal/config"
	"github.com/db-home-system/radiolog/internal/router"
)

// Session receives connection lifecycle events and inbound messages.
// [router.Router] is the production implementation.
type Session interface {
	OnConnect(ctx context.Context)
	OnDisconnect()
	Dispatch(ctx context.Context, topic string, payload []byte) bool
}

// Client owns the broker connection. It implements [router.Transport]
// for the session attached to it, and reports every (re-)connect and
// disconnect to that session so subscriptions and the availability
// message are restored after each reconnect.
type Client struct {
	cfg       config.MQTTConfig
	clientID  string
	willTopic string
	logger    *slog.Logger

	mu      sync.Mutex
	session Session
	hooks   []func(context.Context)

	limiter *messageRateLimiter
	cm      *autopaho.ConnectionManager
	live    atomic.Pointer[autopaho.ConnectionManager]
}

// New creates a Client but does not connect. willTopic receives the
// retained "offline" will message. Call [Client.Attach] and then
// [Client.Start].
func New(cfg config.MQTTConfig, clientID, willTopic string, logger *slog.Logger) *Client {
	c := &Client{
		cfg:       cfg,
		clientID:  clientID,
		willTopic: willTopic,
		logger:    logger,
	}
	if cfg.MaxMessagesPerSec > 0 {
		c.limiter = newMessageRateLimiter(int64(cfg.MaxMessagesPerSec), time.Second, logger)
	}
	return c
}

// Attach sets the session that receives connection events and inbound
// messages. It must be called before Start.
func (c *Client) Attach(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// OnConnected registers a hook run after the session has resubscribed
// on every (re-)connect.
func (c *Client) OnConnected(fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

func (c *Client) attached() (Session, []func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, slices.Clone(c.hooks)
}

// Start connects to the broker and returns once the first connection is
// up or the configured connect timeout expires. Reconnection continues
// in the background until ctx is cancelled or [Client.Stop] is called.
func (c *Client) Start(ctx context.Context) error {
	if s, _ := c.attached(); s == nil {
		return errors.New("mqtt client has no session attached")
	}

	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, c.clientConfig(ctx, brokerURL))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	if c.limiter != nil {
		go c.limiter.start(ctx)
	}

	connCtx, connCancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		c.logger.Warn("mqtt initial connection timed out, will retry in background",
			"broker", c.cfg.Broker, "error", err)
	}
	return nil
}

func (c *Client) clientConfig(ctx context.Context, brokerURL *url.URL) autopaho.ClientConfig {
	keepAlive := uint16(c.cfg.KeepAlive)
	if keepAlive == 0 {
		keepAlive = 30
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       keepAlive,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.willTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connectionUp(ctx, cm)
		},
		OnConnectionDown: func() bool {
			c.connectionDown()
			return true
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "broker", c.cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.received(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	switch brokerURL.Scheme {
	case "mqtts", "ssl", "tls":
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	case "wss":
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		pahoCfg.WebSocketCfg = c.webSocketConfig()
	case "ws":
		pahoCfg.WebSocketCfg = c.webSocketConfig()
	}

	return pahoCfg
}

func (c *Client) webSocketConfig() *autopaho.WebSocketConfig {
	return &autopaho.WebSocketConfig{
		Dialer: func(_ *url.URL, tlsCfg *tls.Config) *websocket.Dialer {
			return &websocket.Dialer{
				Proxy:            websocket.DefaultDialer.Proxy,
				HandshakeTimeout: 10 * time.Second,
				TLSClientConfig:  tlsCfg,
				Subprotocols:     []string{"mqtt"},
			}
		},
	}
}

func (c *Client) connectionUp(ctx context.Context, cm *autopaho.ConnectionManager) {
	c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker, "client_id", c.clientID)
	c.live.Store(cm)

	session, hooks := c.attached()
	session.OnConnect(ctx)
	for _, fn := range hooks {
		fn(ctx)
	}
}

func (c *Client) connectionDown() {
	if c.live.Swap(nil) == nil {
		return
	}
	c.logger.Warn("mqtt connection lost", "broker", c.cfg.Broker)
	if session, _ := c.attached(); session != nil {
		session.OnDisconnect()
	}
}

func (c *Client) received(ctx context.Context, topic string, payload []byte) {
	if c.limiter != nil && !c.limiter.allow() {
		return
	}
	c.logger.Log(ctx, config.LevelTrace, "mqtt message received",
		"topic", topic, "payload", string(payload))

	session, _ := c.attached()
	if session == nil || !session.Dispatch(ctx, topic, payload) {
		c.logger.Debug("mqtt message not routed", "topic", topic, "payload_size", len(payload))
	}
}

// Subscribe subscribes to one exact topic at QoS 1.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	cm := c.live.Load()
	if cm == nil {
		return router.ErrNotConnected
	}

	suback, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if suback != nil {
		for _, code := range suback.Reasons {
			if code >= 0x80 {
				return fmt.Errorf("subscribe %s: broker refused with reason 0x%02x", topic, code)
			}
		}
	}
	return nil
}

// Publish sends payload to topic at QoS 1.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	cm := c.live.Load()
	if cm == nil {
		return router.ErrNotConnected
	}

	c.logger.Log(ctx, config.LevelTrace, "mqtt publish",
		"topic", topic, "payload", string(payload), "retain", retain)
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Connected reports whether a broker connection is currently up.
func (c *Client) Connected() bool {
	return c.live.Load() != nil
}

// Stop publishes a retained "offline" availability message and closes
// the connection. The provided context bounds both steps.
func (c *Client) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	if err := c.Publish(ctx, c.willTopic, []byte("offline"), true); err != nil {
		c.logger.Warn("mqtt availability publish failed", "status", "offline", "error", err)
	} else {
		c.logger.Info("mqtt availability published", "status", "offline")
	}
	c.live.Store(nil)
	return c.cm.Disconnect(ctx)
}
