package cfgstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/db-home-system/radiolog/internal/outbox"
	"github.com/db-home-system/radiolog/internal/router"
)

// StatusSuffix is the topic suffix replies are published on.
const StatusSuffix = "status"

// Queue accepts outbound replies.
type Queue interface {
	Enqueue(msg outbox.Message) error
}

// Table returns the cfg/* route table:
//
//	cfg/read   <key>          replies {"<key>":"<value>"} on status
//	cfg/write  <key>:<value>  stores a base-10 uint32
//	cfg/dump                  logs the partition dump, replies all slots on status
func (s *Store) Table(out Queue) router.Table {
	return router.Table{
		Name: "cfg",
		Routes: []router.Route{
			{Suffix: "cfg/read", Handler: router.HandlerFunc(func(_ context.Context, msg router.Message) {
				s.handleRead(out, msg.Payload)
			})},
			{Suffix: "cfg/write", Handler: router.HandlerFunc(func(_ context.Context, msg router.Message) {
				s.handleWrite(msg.Payload)
			})},
			{Suffix: "cfg/dump", Handler: router.HandlerFunc(func(_ context.Context, _ router.Message) {
				s.handleDump(out)
			})},
		},
	}
}

// An unknown key replies with the unset value, same as an unset slot.
func (s *Store) handleRead(out Queue, payload []byte) {
	key := strings.TrimSpace(string(payload))
	if key == "" {
		s.logger.Warn("cfg/read without key")
		return
	}

	v, found := s.Read(key)
	if !found {
		s.logger.Warn("cfg/read of unknown key", "key", key)
	}

	reply, err := json.Marshal(map[string]string{key: strconv.FormatUint(uint64(v), 10)})
	if err != nil {
		s.logger.Error("cfg/read marshal reply", "key", key, "error", err)
		return
	}
	if err := out.Enqueue(outbox.Message{Suffix: StatusSuffix, Payload: reply}); err != nil {
		s.logger.Warn("cfg/read reply dropped", "key", key, "error", err)
	}
}

func (s *Store) handleWrite(payload []byte) {
	key, raw, ok := strings.Cut(string(payload), ":")
	key = strings.TrimSpace(key)
	raw = strings.TrimSpace(raw)
	if !ok || key == "" {
		s.logger.Warn("cfg/write malformed payload, expected <key>:<value>",
			"payload", string(payload))
		return
	}

	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		s.logger.Warn("cfg/write value is not a base-10 uint32",
			"key", key, "value", raw)
		return
	}

	if err := s.Write(key, uint32(v)); err != nil {
		if errors.Is(err, ErrUnknownKey) {
			s.logger.Warn("cfg/write of unknown key", "key", key)
			return
		}
		s.logger.Error("cfg/write failed", "key", key, "error", err)
		return
	}
	s.logger.Info("config updated", "key", key, "value", v)
}

func (s *Store) handleDump(out Queue) {
	var buf bytes.Buffer
	if err := s.Dump(&buf); err != nil {
		s.logger.Error("cfg/dump failed", "error", err)
		return
	}
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		s.logger.Info("cfg dump", "line", sc.Text())
	}

	vals, err := s.Values()
	if err != nil {
		s.logger.Error("cfg/dump read slots", "error", err)
		return
	}
	rendered := make(map[string]string, len(vals))
	for k, v := range vals {
		rendered[k] = strconv.FormatUint(uint64(v), 10)
	}
	reply, err := json.Marshal(rendered)
	if err != nil {
		s.logger.Error("cfg/dump marshal reply", "error", err)
		return
	}
	if err := out.Enqueue(outbox.Message{Suffix: StatusSuffix, Payload: reply}); err != nil {
		s.logger.Warn("cfg/dump reply dropped", "error", err)
	}
}
