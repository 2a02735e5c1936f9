package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/autopaho"

	"github.com/db-home-system/radiolog/internal/config"
	"github.com/db-home-system/radiolog/internal/router"
)

type fakeSession struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	topics      []string
	route       bool
}

func (s *fakeSession) OnConnect(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
}

func (s *fakeSession) OnDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *fakeSession) Dispatch(_ context.Context, topic string, _ []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	return s.route
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(cfg config.MQTTConfig) *Client {
	if cfg.Broker == "" {
		cfg.Broker = "mqtt://localhost:1883"
	}
	return New(cfg, "Node_0a1b2c", "radiolog/Node_0a1b2c/availability", testLogger())
}

func TestClient_ClientConfig(t *testing.T) {
	tests := []struct {
		broker     string
		wantTLS    bool
		wantWS     bool
		wantScheme string
	}{
		{broker: "mqtt://localhost:1883", wantScheme: "mqtt"},
		{broker: "tcp://localhost:1883", wantScheme: "tcp"},
		{broker: "mqtts://broker:8883", wantTLS: true, wantScheme: "mqtts"},
		{broker: "ssl://broker:8883", wantTLS: true, wantScheme: "ssl"},
		{broker: "ws://broker:8080/mqtt", wantWS: true, wantScheme: "ws"},
		{broker: "wss://broker:8884/mqtt", wantTLS: true, wantWS: true, wantScheme: "wss"},
	}

	for _, tt := range tests {
		t.Run(tt.broker, func(t *testing.T) {
			c := testClient(config.MQTTConfig{Broker: tt.broker, KeepAlive: 15, Username: "u", Password: "p"})
			u, err := url.Parse(tt.broker)
			if err != nil {
				t.Fatal(err)
			}

			cfg := c.clientConfig(context.Background(), u)

			if (cfg.TlsCfg != nil) != tt.wantTLS {
				t.Errorf("TlsCfg set = %v, want %v", cfg.TlsCfg != nil, tt.wantTLS)
			}
			if (cfg.WebSocketCfg != nil) != tt.wantWS {
				t.Errorf("WebSocketCfg set = %v, want %v", cfg.WebSocketCfg != nil, tt.wantWS)
			}
			if cfg.ServerUrls[0].Scheme != tt.wantScheme {
				t.Errorf("scheme = %q, want %q", cfg.ServerUrls[0].Scheme, tt.wantScheme)
			}
			if cfg.KeepAlive != 15 {
				t.Errorf("KeepAlive = %d, want 15", cfg.KeepAlive)
			}
			if cfg.ClientConfig.ClientID != "Node_0a1b2c" {
				t.Errorf("ClientID = %q", cfg.ClientConfig.ClientID)
			}
			if cfg.ConnectUsername != "u" || string(cfg.ConnectPassword) != "p" {
				t.Errorf("credentials = %q/%q", cfg.ConnectUsername, cfg.ConnectPassword)
			}
			will := cfg.WillMessage
			if will == nil || will.Topic != "radiolog/Node_0a1b2c/availability" ||
				string(will.Payload) != "offline" || !will.Retain || will.QoS != 1 {
				t.Errorf("WillMessage = %+v", will)
			}
		})
	}
}

func TestClient_WebSocketDialer(t *testing.T) {
	c := testClient(config.MQTTConfig{})
	d := c.webSocketConfig().Dialer(nil, nil)
	if len(d.Subprotocols) != 1 || d.Subprotocols[0] != "mqtt" {
		t.Errorf("Subprotocols = %v, want [mqtt]", d.Subprotocols)
	}
	if d.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v", d.HandshakeTimeout)
	}
}

func TestClient_ConnectionLifecycle(t *testing.T) {
	c := testClient(config.MQTTConfig{})
	s := &fakeSession{}
	c.Attach(s)

	var hookRuns int
	c.OnConnected(func(context.Context) { hookRuns++ })

	if c.Connected() {
		t.Fatal("Connected() before any connection")
	}

	c.connectionUp(context.Background(), &autopaho.ConnectionManager{})
	if !c.Connected() {
		t.Error("Connected() = false after connection up")
	}
	if s.connects != 1 || hookRuns != 1 {
		t.Errorf("connects = %d, hookRuns = %d, want 1, 1", s.connects, hookRuns)
	}

	c.connectionDown()
	c.connectionDown()
	if c.Connected() {
		t.Error("Connected() = true after connection down")
	}
	if s.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", s.disconnects)
	}

	c.connectionUp(context.Background(), &autopaho.ConnectionManager{})
	if s.connects != 2 || hookRuns != 2 {
		t.Errorf("after reconnect connects = %d, hookRuns = %d, want 2, 2", s.connects, hookRuns)
	}
}

func TestClient_AttachedReturnsHookCopy(t *testing.T) {
	c := testClient(config.MQTTConfig{})
	s := &fakeSession{}
	c.Attach(s)

	var runs []string
	c.OnConnected(func(context.Context) { runs = append(runs, "first") })

	session, hooks := c.attached()
	if session != s || len(hooks) != 1 {
		t.Fatalf("attached() = %v, %d hooks", session, len(hooks))
	}
	hooks[0] = func(context.Context) { runs = append(runs, "replaced") }

	c.connectionUp(context.Background(), &autopaho.ConnectionManager{})
	if len(runs) != 1 || runs[0] != "first" {
		t.Errorf("hooks run = %v, want [first]", runs)
	}
}

func TestClient_ReceivedDispatches(t *testing.T) {
	c := testClient(config.MQTTConfig{})
	s := &fakeSession{route: true}
	c.Attach(s)

	c.received(context.Background(), "radiolog/Node_0a1b2c/cover/set", []byte("open"))
	c.received(context.Background(), "radiolog/Node_0a1b2c/unknown", []byte("x"))

	if len(s.topics) != 2 || s.topics[0] != "radiolog/Node_0a1b2c/cover/set" {
		t.Errorf("dispatched topics = %v", s.topics)
	}
}

func TestClient_ReceivedRateLimited(t *testing.T) {
	c := testClient(config.MQTTConfig{MaxMessagesPerSec: 2})
	s := &fakeSession{route: true}
	c.Attach(s)

	for range 5 {
		c.received(context.Background(), "radiolog/Node_0a1b2c/switch/set", []byte("on"))
	}
	if len(s.topics) != 2 {
		t.Errorf("dispatched %d messages, want 2", len(s.topics))
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := testClient(config.MQTTConfig{})
	ctx := context.Background()

	if err := c.Subscribe(ctx, "a/b"); !errors.Is(err, router.ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.Publish(ctx, "a/b", []byte("x"), false); !errors.Is(err, router.ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Errorf("Stop() before Start = %v, want nil", err)
	}
}

func TestClient_StartRequiresSession(t *testing.T) {
	c := testClient(config.MQTTConfig{})
	if err := c.Start(context.Background()); err == nil {
		t.Error("Start() without a session should error")
	}
}

var _ router.Transport = (*Client)(nil)
var _ Session = (*router.Router)(nil)
