package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/db-home-system/radiolog/internal/buildinfo"
	"github.com/db-home-system/radiolog/internal/cfgstore"
	"github.com/db-home-system/radiolog/internal/config"
	"github.com/db-home-system/radiolog/internal/cover"
	"github.com/db-home-system/radiolog/internal/gpio"
	"github.com/db-home-system/radiolog/internal/measure"
	"github.com/db-home-system/radiolog/internal/opstate"
	"github.com/db-home-system/radiolog/internal/outbox"
	"github.com/db-home-system/radiolog/internal/relay"
	"github.com/db-home-system/radiolog/internal/router"
)

// ResetSuffix restarts the node.
const ResetSuffix = "reset"

// node is the assembled device: route tables, outbound queue and the
// controller selected by node_mode. It owns the hardware lines it opened.
type node struct {
	cfg    *config.Config
	id     string
	mode   string
	boots  int64
	logger *slog.Logger

	store   *cfgstore.Store
	ops     *opstate.Store
	router  *router.Router
	out     *outbox.Queue
	cover   *cover.Controller
	relay   *relay.Controller
	measure *measure.Task

	restart chan struct{}
	closers []func() error
}

// newNode wires the device behind transport. ops may be nil when no
// operational state is kept.
func newNode(cfg *config.Config, id string, store *cfgstore.Store, ops *opstate.Store,
	transport router.Transport, boots int64, logger *slog.Logger) (*node, error) {
	n := &node{
		cfg:     cfg,
		id:      id,
		boots:   boots,
		logger:  logger,
		store:   store,
		ops:     ops,
		restart: make(chan struct{}, 1),
	}

	n.router = router.New(cfg.MQTT.Root, id, transport, logger.With("component", "router"))
	n.out = outbox.New(n.router, outbox.Config{
		Capacity:      cfg.Outbox.Capacity,
		EnqueueWait:   cfg.Outbox.EnqueueWait,
		DrainInterval: cfg.Outbox.DrainInterval,
	}, logger.With("component", "outbox"))

	n.mode = selectMode(store, cfg.Node, logger)

	tables := []router.Table{n.systemTable(), store.Table(n.out)}

	switch n.mode {
	case config.ModeSwitch:
		t, err := n.setupSwitch()
		if err != nil {
			n.close()
			return nil, err
		}
		tables = append(tables, t)
	default:
		t, err := n.setupCover()
		if err != nil {
			n.close()
			return nil, err
		}
		tables = append(tables, t)
	}

	n.measure = measure.NewTask(measure.NewIIO(cfg.Measure.IIODevice), store, cfg.Measure.Interval,
		logger.With("component", "measure"))

	for _, t := range tables {
		if err := n.router.RegisterTable(t); err != nil {
			n.close()
			return nil, err
		}
	}

	logger.Info("node assembled", "node", id, "mode", n.mode, "prefix", n.router.Prefix(),
		"measure", n.measure.Enabled())
	return n, nil
}

// selectMode reads node_mode, falling back to the YAML mode when the
// slot is unset or holds an unknown value.
func selectMode(store *cfgstore.Store, fallback config.NodeConfig, logger *slog.Logger) string {
	switch v := store.InitWithDefault(cfgstore.KeyNodeMode, fallback.ModeValue()); v {
	case 0:
		return config.ModeCover
	case 1:
		return config.ModeSwitch
	default:
		logger.Warn("unknown node_mode, using configured mode", "value", v, "mode", fallback.Mode)
		return fallback.Mode
	}
}

func (n *node) systemTable() router.Table {
	return router.Table{
		Name: "system",
		Routes: []router.Route{
			{Suffix: ResetSuffix, Handler: router.HandlerFunc(func(context.Context, router.Message) {
				n.logger.Warn("reset requested")
				select {
				case n.restart <- struct{}{}:
				default:
				}
			})},
		},
	}
}

func (n *node) setupCover() (router.Table, error) {
	motor, closeMotor, err := openMotor(n.cfg.Cover, n.logger)
	if err != nil {
		return router.Table{}, err
	}
	n.closers = append(n.closers, closeMotor)

	n.cover = cover.New(motor, n.store, cover.Options{
		OnStop: cover.Reporter(n.out, n.logger.With("component", "cover")),
	}, n.logger.With("component", "cover"))
	return n.cover.Table(n.out), nil
}

func (n *node) setupSwitch() (router.Table, error) {
	out, sense, closeLines, err := openSwitch(n.cfg.Switch, n.logger)
	if err != nil {
		return router.Table{}, err
	}
	n.closers = append(n.closers, closeLines)

	rc, err := relay.New(out, sense, n.store, n.logger.With("component", "switch"))
	if err != nil {
		return router.Table{}, err
	}
	n.relay = rc
	return rc.Table(n.out), nil
}

func gpioPin(p config.PinConfig) gpio.Pin {
	return gpio.Pin{Offset: p.Pin, ActiveLow: p.ActiveLow, PullUp: p.PullUp}
}

// openMotor requests the motor lines, or simulates them when no chip is
// configured.
func openMotor(cfg config.CoverConfig, logger *slog.Logger) (cover.Motor, func() error, error) {
	if cfg.Chip == "" {
		logger.Warn("no cover gpio chip configured, motor lines are simulated")
		m := cover.NewGPIOMotor(gpio.NewSim("enable", false), gpio.NewSim("direction", false), cfg.OpenLevel)
		return m, m.Close, nil
	}

	chip, err := gpio.OpenChip(cfg.Chip)
	if err != nil {
		return nil, nil, err
	}
	enable, err := chip.Output(gpioPin(cfg.Enable), false)
	if err != nil {
		chip.Close()
		return nil, nil, fmt.Errorf("motor enable: %w", err)
	}
	direction, err := chip.Output(gpioPin(cfg.Direction), false)
	if err != nil {
		chip.Close()
		return nil, nil, fmt.Errorf("motor direction: %w", err)
	}

	m := cover.NewGPIOMotor(enable, direction, cfg.OpenLevel)
	return m, func() error { return errors.Join(m.Enable(false), chip.Close()) }, nil
}

// openSwitch requests the relay output and, when configured, the sense
// input. Without a chip both are simulated.
func openSwitch(cfg config.SwitchConfig, logger *slog.Logger) (gpio.Output, gpio.Input, func() error, error) {
	if cfg.Chip == "" {
		logger.Warn("no switch gpio chip configured, relay lines are simulated")
		out := gpio.NewSim("relay", false)
		if cfg.Sense == nil {
			return out, nil, out.Close, nil
		}
		sense := gpio.NewSim("sense", false)
		return out, sense, func() error { return errors.Join(out.Close(), sense.Close()) }, nil
	}

	chip, err := gpio.OpenChip(cfg.Chip)
	if err != nil {
		return nil, nil, nil, err
	}
	out, err := chip.Output(gpioPin(cfg.Output), false)
	if err != nil {
		chip.Close()
		return nil, nil, nil, fmt.Errorf("relay output: %w", err)
	}
	if cfg.Sense == nil {
		return out, nil, chip.Close, nil
	}
	sense, err := chip.Input(gpioPin(*cfg.Sense))
	if err != nil {
		chip.Close()
		return nil, nil, nil, fmt.Errorf("relay sense: %w", err)
	}
	return out, sense, chip.Close, nil
}

// onConnected runs after every (re-)connect once the router has
// resubscribed.
func (n *node) onConnected(context.Context) {
	if err := n.out.Announce(outbox.Announcement{
		Node:    n.id,
		Version: buildinfo.Version,
		Mode:    n.mode,
		Boots:   n.boots,
	}); err != nil {
		n.logger.Warn("announce dropped", "error", err)
	}

	if n.cover != nil {
		cover.Reporter(n.out, n.logger)(n.cover.Snapshot())
	}
	if n.relay != nil {
		n.relay.Publish(n.out)
	}

	if n.ops != nil {
		if err := n.ops.MarkConnected(time.Now()); err != nil {
			n.logger.Warn("record connection time failed", "error", err)
		}
	}
}

// start launches the node's background loops on wg.
func (n *node) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.out.Run(ctx)
	}()

	if n.cover != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.cover.Start(ctx)
		}()
	}
	if n.relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.relay.Start(ctx, n.out, n.cfg.Switch.StatusInterval)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.measure.Start(ctx, n.out)
	}()
}

// halt stops any motion in progress.
func (n *node) halt() {
	if n.cover != nil {
		n.cover.Stop()
	}
}

// close releases hardware lines in reverse order of acquisition.
func (n *node) close() {
	for _, fn := range slices.Backward(n.closers) {
		if err := fn(); err != nil {
			n.logger.Warn("release gpio lines failed", "error", err)
		}
	}
	n.closers = nil
}
