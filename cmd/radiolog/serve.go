package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/db-home-system/radiolog/internal/buildinfo"
	"github.com/db-home-system/radiolog/internal/cfgstore"
	"github.com/db-home-system/radiolog/internal/config"
	"github.com/db-home-system/radiolog/internal/flash"
	"github.com/db-home-system/radiolog/internal/mqtt"
	"github.com/db-home-system/radiolog/internal/opstate"
	"github.com/db-home-system/radiolog/internal/router"
)

const shutdownTimeout = 5 * time.Second

// runServe runs the node until ctx is cancelled or a reset command
// arrives.
//
// The shutdown sequence is:
//  1. SIGINT/SIGTERM cancels ctx, or reset returns [ErrRestartRequested]
//  2. Any cover motion is stopped and its final position persisted
//  3. Pending outbound messages are drained and "offline" is published
//  4. Background loops exit; GPIO lines, the partition and the
//     operational state database are closed via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting radiolog", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the level and format are known. Validate
	// has already accepted the level.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		w := stdout
		if lf := config.OpenLogFile(cfg.LogFile); lf != nil {
			defer lf.Close()
			w = io.MultiWriter(stdout, lf)
		}
		logger = newLogger(w, level, cfg.LogFormat)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"flash", cfg.Flash.Image,
		"data_dir", cfg.DataDir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	part, err := flash.OpenFile(cfg.Flash.Image, cfg.Flash.Partition, cfg.Flash.Size, cfg.Flash.SectorSize)
	if err != nil {
		return fmt.Errorf("open config partition: %w", err)
	}
	defer part.Close()

	store, err := cfgstore.New(part, logger.With("component", "cfgstore"))
	if err != nil {
		return err
	}
	checkSchema(store, logger)

	ops, err := opstate.NewStore(filepath.Join(cfg.DataDir, "opstate.db"))
	if err != nil {
		return fmt.Errorf("open operational state: %w", err)
	}
	defer ops.Close()

	boots, err := ops.RecordBoot()
	if err != nil {
		logger.Warn("boot counter not updated", "error", err)
	}
	if reason, at, err := ops.TakeRestartReason(); err != nil {
		logger.Warn("read restart reason failed", "error", err)
	} else if reason != "" {
		logger.Info("previous run ended", "reason", reason, "at", at)
	}

	nodeID, err := mqtt.NodeID(cfg.Node.ID, cfg.Node.Interface, cfg.DataDir)
	if err != nil {
		return err
	}
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = nodeID
	}

	willTopic := cfg.MQTT.Root + "/" + nodeID + "/" + router.AvailabilitySuffix
	client := mqtt.New(cfg.MQTT, clientID, willTopic, logger.With("component", "mqtt"))

	n, err := newNode(cfg, nodeID, store, ops, client, boots, logger)
	if err != nil {
		return err
	}
	defer n.close()

	client.Attach(n.router)
	client.OnConnected(n.onConnected)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	n.start(runCtx, &wg)

	if err := client.Start(runCtx); err != nil {
		cancel()
		wg.Wait()
		return err
	}
	logger.Info("node running", "node", nodeID, "boots", boots)

	restart := false
	select {
	case <-ctx.Done():
	case <-n.restart:
		restart = true
	}
	logger.Info("shutting down", "restart", restart, "connected", client.Connected())

	n.halt()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if sent := n.out.Drain(shutdownCtx); sent > 0 {
		logger.Debug("outbox drained", "messages", sent)
	}
	if err := client.Stop(shutdownCtx); err != nil {
		logger.Warn("mqtt disconnect failed", "error", err)
	}

	cancel()
	wg.Wait()

	reason := opstate.ReasonShutdown
	if restart {
		reason = opstate.ReasonCommand
	}
	if err := ops.SetRestartReason(reason, time.Now()); err != nil {
		logger.Warn("record restart reason failed", "error", err)
	}

	if restart {
		return ErrRestartRequested
	}
	logger.Info("radiolog stopped")
	return nil
}

// checkSchema classifies the partition layout. Nothing here is fatal:
// a node with an unreadable or foreign layout still runs on defaults.
// The store logs the notable states itself.
func checkSchema(store *cfgstore.Store, logger *slog.Logger) cfgstore.SchemaState {
	state, err := store.CheckSchema()
	if err != nil {
		logger.Error("config partition schema check failed", "error", err)
		return state
	}
	logger.Debug("config partition checked", "state", state, "schema", cfgstore.SchemaVersion)
	return state
}
