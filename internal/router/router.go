// Package router maps inbound pub/sub topics to the handlers contributed
// by feature modules. Each module registers a [Table] of topic suffixes;
// the router scopes every suffix under "<root>/<nodeId>/", subscribes to
// the resulting topics whenever the transport (re)connects, and
// dispatches each inbound message to the first route whose fully
// qualified topic equals the message topic byte for byte.
//
// The router also owns the outbound side of the namespace: [Router.Publish]
// composes the topic for a suffix and refuses to send while the
// transport is down.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	// DefaultCapacity is the number of route tables a router accepts.
	DefaultCapacity = 4

	// MaxTopicLen bounds a composed topic, in bytes.
	MaxTopicLen = 100

	// AvailabilitySuffix carries the retained online/offline state.
	AvailabilitySuffix = "availability"
)

var (
	// ErrTooManyTables is returned when registering past capacity.
	ErrTooManyTables = errors.New("router: route table capacity exceeded")
	// ErrNotConnected is returned by Publish while the transport is down.
	ErrNotConnected = errors.New("router: transport not connected")
	// ErrTopicTooLong is returned when a composed topic exceeds MaxTopicLen.
	ErrTopicTooLong = errors.New("router: topic exceeds maximum length")
)

// Message is an inbound message delivered to a [Handler].
type Message struct {
	// Topic is the fully qualified topic the message arrived on.
	Topic string
	// Suffix is the route suffix that matched.
	Suffix string
	// Payload is the raw message body.
	Payload []byte
}

// Handler processes one inbound message. Handlers log and discard
// malformed payloads; nothing is reported back to the transport.
type Handler interface {
	Handle(ctx context.Context, msg Message)
}

// HandlerFunc adapts a function to the [Handler] interface.
type HandlerFunc func(ctx context.Context, msg Message)

// Handle calls f(ctx, msg).
func (f HandlerFunc) Handle(ctx context.Context, msg Message) { f(ctx, msg) }

// Route binds a topic suffix to a handler.
type Route struct {
	Suffix  string
	Handler Handler
}

// Table is the ordered set of routes contributed by one feature module.
type Table struct {
	Name   string
	Routes []Route
}

// Transport is the pub/sub client the router drives.
type Transport interface {
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Router holds the registered tables and the connection state.
type Router struct {
	root      string
	nodeID    string
	transport Transport
	logger    *slog.Logger
	capacity  int

	mu     sync.RWMutex
	tables []Table

	connected atomic.Bool
}

// New creates a router for the "<root>/<nodeID>" namespace.
func New(root, nodeID string, transport Transport, logger *slog.Logger) *Router {
	return &Router{
		root:      root,
		nodeID:    nodeID,
		transport: transport,
		logger:    logger,
		capacity:  DefaultCapacity,
	}
}

// Prefix returns "<root>/<nodeID>".
func (r *Router) Prefix() string {
	return r.root + "/" + r.nodeID
}

// Topic returns the fully qualified topic for suffix.
func (r *Router) Topic(suffix string) string {
	return r.Prefix() + "/" + suffix
}

// RegisterTable appends a route table. Registering more than the
// router's capacity is an integration error and returns
// [ErrTooManyTables].
func (r *Router) RegisterTable(t Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.tables) >= r.capacity {
		return fmt.Errorf("%w: cannot add %q (capacity %d)", ErrTooManyTables, t.Name, r.capacity)
	}
	r.tables = append(r.tables, t)

	for _, rt := range t.Routes {
		r.logger.Debug("route registered", "table", t.Name, "topic", r.Topic(rt.Suffix))
	}
	r.logger.Info("route table registered", "table", t.Name, "routes", len(t.Routes))
	return nil
}

// Connected reports whether the transport is up.
func (r *Router) Connected() bool {
	return r.connected.Load()
}

// OnConnect is called by the transport on every (re)connect. It
// subscribes every registered route and then publishes the retained
// "online" availability message.
func (r *Router) OnConnect(ctx context.Context) {
	r.connected.Store(true)

	r.mu.RLock()
	tables := r.tables
	r.mu.RUnlock()

	for _, t := range tables {
		for _, rt := range t.Routes {
			topic := r.Topic(rt.Suffix)
			if err := r.transport.Subscribe(ctx, topic); err != nil {
				r.logger.Warn("subscribe failed", "topic", topic, "error", err)
				continue
			}
			r.logger.Debug("subscribed", "topic", topic)
		}
	}

	if err := r.Publish(ctx, AvailabilitySuffix, []byte("online"), true); err != nil {
		r.logger.Warn("availability publish failed", "error", err)
		return
	}
	r.logger.Info("router online", "prefix", r.Prefix())
}

// OnDisconnect marks the router inactive until the next OnConnect.
func (r *Router) OnDisconnect() {
	if r.connected.Swap(false) {
		r.logger.Warn("router offline, publishing suspended")
	}
}

// Dispatch delivers an inbound message to the first route whose fully
// qualified topic equals topic. It reports whether a route matched;
// unmatched messages are ignored.
func (r *Router) Dispatch(ctx context.Context, topic string, payload []byte) bool {
	r.mu.RLock()
	tables := r.tables
	r.mu.RUnlock()

	for _, t := range tables {
		for _, rt := range t.Routes {
			if r.Topic(rt.Suffix) != topic {
				continue
			}
			r.logger.Debug("dispatching",
				"table", t.Name,
				"topic", topic,
				"payload_size", len(payload),
			)
			rt.Handler.Handle(ctx, Message{Topic: topic, Suffix: rt.Suffix, Payload: payload})
			return true
		}
	}

	r.logger.Debug("no route for topic", "topic", topic)
	return false
}

// Publish sends payload on the topic composed for suffix.
func (r *Router) Publish(ctx context.Context, suffix string, payload []byte, retain bool) error {
	topic := r.Topic(suffix)
	if len(topic) > MaxTopicLen {
		r.logger.Error("topic too long, message dropped", "topic", topic, "max", MaxTopicLen)
		return fmt.Errorf("%w: %d bytes", ErrTopicTooLong, len(topic))
	}
	if !r.connected.Load() {
		r.logger.Warn("not connected, message dropped", "topic", topic)
		return ErrNotConnected
	}
	if err := r.transport.Publish(ctx, topic, payload, retain); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	r.logger.Debug("published", "topic", topic, "payload_size", len(payload))
	return nil
}
