package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/db-home-system/radiolog/internal/cfgstore"
	"github.com/db-home-system/radiolog/internal/config"
	"github.com/db-home-system/radiolog/internal/flash"
)

func newFlashCmd(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Inspect or edit the config partition offline",
	}

	withStore := func(fn func(*cfgstore.Store) error) error {
		cfg, _, err := loadConfig(opts.configPath)
		if err != nil {
			return err
		}
		logger := newLogger(stderr, slog.LevelWarn, cfg.LogFormat)
		return withConfigStore(cfg, logger, fn)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "dump",
			Short: "Print the slot table and raw partition contents",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return withStore(func(s *cfgstore.Store) error {
					return flashDump(stdout, s, opts.output)
				})
			},
		},
		&cobra.Command{
			Use:   "read <key>",
			Short: "Print one slot value",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return withStore(func(s *cfgstore.Store) error {
					return flashRead(stdout, s, args[0], opts.output)
				})
			},
		},
		&cobra.Command{
			Use:   "write <key> <value>",
			Short: "Write one slot value",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				return withStore(func(s *cfgstore.Store) error {
					return flashWrite(stdout, s, args[0], args[1])
				})
			},
		},
	)
	return cmd
}

// withConfigStore opens the partition described by cfg for the
// duration of fn.
func withConfigStore(cfg *config.Config, logger *slog.Logger, fn func(*cfgstore.Store) error) error {
	part, err := flash.OpenFile(cfg.Flash.Image, cfg.Flash.Partition, cfg.Flash.Size, cfg.Flash.SectorSize)
	if err != nil {
		return fmt.Errorf("open config partition: %w", err)
	}
	defer part.Close()

	store, err := cfgstore.New(part, logger.With("component", "cfgstore"))
	if err != nil {
		return err
	}
	return fn(store)
}

func flashDump(w io.Writer, s *cfgstore.Store, outputFmt string) error {
	if outputFmt != "json" {
		return s.Dump(w)
	}

	vals, err := s.Values()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(vals)
}

func flashRead(w io.Writer, s *cfgstore.Store, key, outputFmt string) error {
	v, found := s.Read(key)
	if !found {
		return fmt.Errorf("%w: %s", cfgstore.ErrUnknownKey, key)
	}
	if outputFmt == "json" {
		return json.NewEncoder(w).Encode(map[string]uint32{key: v})
	}
	if v == cfgstore.NoValue {
		fmt.Fprintf(w, "%s unset\n", key)
		return nil
	}
	fmt.Fprintf(w, "%s %d\n", key, v)
	return nil
}

var errLayoutMismatch = errors.New("config partition holds a different layout version")

func flashWrite(w io.Writer, s *cfgstore.Store, key, value string) error {
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return fmt.Errorf("parse value %q: %w", value, err)
	}

	state, err := s.CheckSchema()
	if err != nil {
		return err
	}
	if state == cfgstore.SchemaMismatch {
		return errLayoutMismatch
	}

	if err := s.Write(key, uint32(v)); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %d\n", key, v)
	return nil
}
