package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Restart reasons recorded by the node.
const (
	ReasonCommand  = "command"  // reset received over MQTT
	ReasonShutdown = "shutdown" // signal from the service manager
)

// RecordBoot increments and returns the boot counter.
func (s *Store) RecordBoot() (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("record boot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		NamespaceNode, KeyBoots,
	).Scan(&raw)

	var boots int64
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("record boot: %w", err)
	default:
		boots, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("record boot: stored counter %q: %w", raw, err)
		}
	}
	boots++

	if _, err := tx.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		NamespaceNode, KeyBoots, strconv.FormatInt(boots, 10), time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return 0, fmt.Errorf("record boot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record boot: %w", err)
	}
	return boots, nil
}

// SetRestartReason records why the process is about to exit.
func (s *Store) SetRestartReason(reason string, at time.Time) error {
	if err := s.Set(NamespaceNode, KeyRestartReason, reason); err != nil {
		return err
	}
	return s.Set(NamespaceNode, KeyRestartAt, at.UTC().Format(time.RFC3339))
}

// TakeRestartReason returns the last recorded reason and time and
// clears them, so a later crash is not attributed to the same cause.
// The reason is empty when none was recorded.
func (s *Store) TakeRestartReason() (string, time.Time, error) {
	reason, err := s.Get(NamespaceNode, KeyRestartReason)
	if err != nil || reason == "" {
		return "", time.Time{}, err
	}
	raw, err := s.Get(NamespaceNode, KeyRestartAt)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.Delete(NamespaceNode, KeyRestartReason); err != nil {
		return "", time.Time{}, err
	}
	if err := s.Delete(NamespaceNode, KeyRestartAt); err != nil {
		return "", time.Time{}, err
	}

	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return reason, time.Time{}, nil
	}
	return reason, at, nil
}

// MarkConnected records the time of the latest broker connection.
func (s *Store) MarkConnected(at time.Time) error {
	return s.Set(NamespaceNode, KeyLastConnected, at.UTC().Format(time.RFC3339))
}
