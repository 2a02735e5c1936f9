// Package outbox is the node's single outbound message queue. Command
// handlers and background tasks enqueue [Message] values; one drain
// loop hands them to the publisher in FIFO order. The queue is bounded
// and never blocks a producer for longer than its enqueue wait: when
// full, the message is dropped and logged.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults applied by [New] when the corresponding [Config] field is zero.
const (
	DefaultCapacity      = 3
	DefaultEnqueueWait   = 100 * time.Millisecond
	DefaultDrainInterval = 500 * time.Millisecond
)

// AnnounceSuffix is the topic suffix of the one-shot announce message.
const AnnounceSuffix = "announce"

// ErrQueueFull is returned by Enqueue when no slot frees up within the
// enqueue wait.
var ErrQueueFull = errors.New("outbox: queue full")

// Message is one outbound publication, addressed by topic suffix.
type Message struct {
	Suffix  string
	Payload []byte
	Retain  bool
}

// Publisher delivers a message to the transport.
type Publisher interface {
	Publish(ctx context.Context, suffix string, payload []byte, retain bool) error
}

// Config tunes the queue.
type Config struct {
	Capacity      int
	EnqueueWait   time.Duration
	DrainInterval time.Duration
}

// Announcement is published once on the first successful connection.
type Announcement struct {
	Node    string `json:"node"`
	Version string `json:"version"`
	Mode    string `json:"mode"`
	Boots   int64  `json:"boots"`
}

// Queue is a bounded FIFO of outbound messages.
type Queue struct {
	ch            chan Message
	pub           Publisher
	enqueueWait   time.Duration
	drainInterval time.Duration
	logger        *slog.Logger

	announceMu sync.Mutex
	announced  bool
}

// New creates a queue that drains into pub.
func New(pub Publisher, cfg Config, logger *slog.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = DefaultEnqueueWait
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	return &Queue{
		ch:            make(chan Message, cfg.Capacity),
		pub:           pub,
		enqueueWait:   cfg.EnqueueWait,
		drainInterval: cfg.DrainInterval,
		logger:        logger,
	}
}

// Enqueue adds msg to the queue, waiting at most the configured
// enqueue wait for a free slot. On timeout the message is dropped and
// [ErrQueueFull] returned.
func (q *Queue) Enqueue(msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(q.enqueueWait)
	defer timer.Stop()

	select {
	case q.ch <- msg:
		return nil
	case <-timer.C:
		q.logger.Warn("outbox full, message dropped",
			"suffix", msg.Suffix,
			"payload_size", len(msg.Payload),
			"capacity", cap(q.ch),
		)
		return fmt.Errorf("%w: %s", ErrQueueFull, msg.Suffix)
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int { return len(q.ch) }

// Announce enqueues the announce message. Once it has been enqueued,
// later calls return nil; a dropped announce is retried on the next call.
func (q *Queue) Announce(a Announcement) error {
	q.announceMu.Lock()
	defer q.announceMu.Unlock()

	if q.announced {
		return nil
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	if err := q.Enqueue(Message{Suffix: AnnounceSuffix, Payload: payload}); err != nil {
		return err
	}
	q.announced = true
	return nil
}

// Drain publishes every message currently queued and returns how many
// were handed to the publisher successfully. Publish failures are
// logged and the message is dropped.
func (q *Queue) Drain(ctx context.Context) int {
	sent := 0
	for {
		select {
		case msg := <-q.ch:
			if err := q.pub.Publish(ctx, msg.Suffix, msg.Payload, msg.Retain); err != nil {
				q.logger.Warn("outbound publish failed",
					"suffix", msg.Suffix, "error", err)
				continue
			}
			sent++
		default:
			return sent
		}
	}
}

// Run drains the queue every drain interval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.drainInterval)
	defer ticker.Stop()

	q.logger.Info("outbox started",
		"capacity", cap(q.ch),
		"drain_interval", q.drainInterval,
	)

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("outbox stopped", "pending", q.Len())
			return
		case <-ticker.C:
			if n := q.Drain(ctx); n > 0 {
				q.logger.Debug("outbox drained", "sent", n)
			}
		}
	}
}
