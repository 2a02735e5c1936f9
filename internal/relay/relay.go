// Package relay drives the node's switch output in one of two modes.
//
// In latched mode the output line holds the commanded state, which is
// persisted and restored on start. In pulsed mode the output feeds an
// impulse relay: each change is a single ON pulse of fixed width, and
// since the relay keeps its own state the controller reads it back from
// a sense input.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/db-home-system/radiolog/internal/cfgstore"
	"github.com/db-home-system/radiolog/internal/gpio"
	"github.com/db-home-system/radiolog/internal/outbox"
)

// Mode selects how the output is driven.
type Mode int

const (
	ModeLatched Mode = iota
	ModePulsed
)

func (m Mode) String() string {
	switch m {
	case ModeLatched:
		return "latched"
	case ModePulsed:
		return "pulsed"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// DefaultPulseMs is the pulse width used when switch_pulse_time is unset.
const DefaultPulseMs = 500

// StatusSuffix is the topic suffix the state is published on.
const StatusSuffix = "switch"

// ErrNoSense is returned by New for pulsed mode without a sense input.
var ErrNoSense = errors.New("relay: pulsed mode requires a sense input")

// Settings is the persistent configuration the controller reads.
type Settings interface {
	InitWithDefault(key string, def uint32) uint32
	Write(key string, value uint32) error
}

// Queue accepts outbound messages.
type Queue interface {
	Enqueue(msg outbox.Message) error
}

// pendingCommands bounds the pulsed-mode commands waiting for the
// Start loop.
const pendingCommands = 4

// Controller owns the switch output. act serializes output changes and
// persistence; mu guards state only.
type Controller struct {
	out      gpio.Output
	sense    gpio.Input
	settings Settings
	mode     Mode
	pulse    time.Duration
	logger   *slog.Logger

	act sync.Mutex

	mu    sync.Mutex
	state bool

	pending chan string
}

// New loads the switch configuration. In latched mode the output is
// driven to the persisted state immediately. sense may be nil in
// latched mode.
func New(out gpio.Output, sense gpio.Input, settings Settings, logger *slog.Logger) (*Controller, error) {
	mode := ModeLatched
	if settings.InitWithDefault(cfgstore.KeySwitchMode, uint32(ModeLatched)) == uint32(ModePulsed) {
		mode = ModePulsed
	}
	pulseMs := settings.InitWithDefault(cfgstore.KeySwitchPulseTime, DefaultPulseMs)
	if pulseMs == 0 {
		pulseMs = DefaultPulseMs
	}

	c := &Controller{
		out:      out,
		sense:    sense,
		settings: settings,
		mode:     mode,
		pulse:    time.Duration(pulseMs) * time.Millisecond,
		logger:   logger,
		pending:  make(chan string, pendingCommands),
	}

	switch mode {
	case ModePulsed:
		if sense == nil {
			return nil, ErrNoSense
		}
		if err := out.Set(false); err != nil {
			return nil, fmt.Errorf("release relay coil: %w", err)
		}
	case ModeLatched:
		c.state = settings.InitWithDefault(cfgstore.KeySwitchLastState, 0) == 1
		if err := out.Set(c.state); err != nil {
			return nil, fmt.Errorf("restore switch state: %w", err)
		}
	}

	logger.Info("switch configured",
		"mode", mode,
		"pulse", c.pulse,
		"state", c.Status(),
	)
	return c, nil
}

// Mode returns the configured mode.
func (c *Controller) Mode() Mode { return c.mode }

// Set drives the switch to on.
func (c *Controller) Set(on bool) error {
	c.act.Lock()
	defer c.act.Unlock()
	return c.apply(on)
}

// Toggle inverts the current state.
func (c *Controller) Toggle() error {
	c.act.Lock()
	defer c.act.Unlock()
	return c.apply(!c.Status())
}

// apply changes the output. The caller holds act.
func (c *Controller) apply(on bool) error {
	if c.mode == ModePulsed {
		return c.firePulse(on)
	}

	if err := c.out.Set(on); err != nil {
		return fmt.Errorf("set switch: %w", err)
	}
	c.mu.Lock()
	changed := c.state != on
	c.state = on
	c.mu.Unlock()
	c.logger.Info("switch set", "state", onOff(on))

	if changed {
		if err := c.settings.Write(cfgstore.KeySwitchLastState, boolWord(on)); err != nil {
			c.logger.Error("switch state not persisted", "error", err)
		}
	}
	return nil
}

// firePulse fires one pulse if the sensed state differs from on.
func (c *Controller) firePulse(on bool) error {
	cur, err := c.sense.Get()
	if err != nil {
		return fmt.Errorf("read switch sense: %w", err)
	}
	c.mu.Lock()
	c.state = cur
	c.mu.Unlock()
	if cur == on {
		c.logger.Debug("switch already in requested state", "state", onOff(on))
		return nil
	}

	if err := c.out.Set(true); err != nil {
		return fmt.Errorf("pulse on: %w", err)
	}
	time.Sleep(c.pulse)
	if err := c.out.Set(false); err != nil {
		return fmt.Errorf("pulse off: %w", err)
	}
	c.logger.Info("switch pulsed", "requested", onOff(on), "pulse", c.pulse)
	return nil
}

// Status returns the switch state: the last commanded value in latched
// mode, the sense input in pulsed mode.
func (c *Controller) Status() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModePulsed {
		v, err := c.sense.Get()
		if err != nil {
			c.logger.Warn("switch sense read failed, reporting last known state", "error", err)
			return c.state
		}
		c.state = v
	}
	return c.state
}

// Report renders the state as {"state":"on"} or {"state":"off"}.
func (c *Controller) Report() string {
	b, _ := json.Marshal(struct {
		State string `json:"state"`
	}{onOff(c.Status())})
	return string(b)
}

// Publish enqueues the current state.
func (c *Controller) Publish(out Queue) {
	if err := out.Enqueue(outbox.Message{Suffix: StatusSuffix, Payload: []byte(c.Report())}); err != nil {
		c.logger.Warn("switch status dropped", "error", err)
	}
}

// Start publishes the state every interval and runs queued pulsed-mode
// commands until ctx is cancelled.
func (c *Controller) Start(ctx context.Context, out Queue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.pending:
			c.execute(out, cmd)
		case <-ticker.C:
			c.Publish(out)
		}
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func boolWord(on bool) uint32 {
	if on {
		return 1
	}
	return 0
}
