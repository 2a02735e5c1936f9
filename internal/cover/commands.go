package cover

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/db-home-system/radiolog/internal/mathx"
	"github.com/db-home-system/radiolog/internal/outbox"
	"github.com/db-home-system/radiolog/internal/router"
)

// Outbound topic suffixes.
const (
	StatusSuffix   = "cover/status"
	PositionSuffix = "cover/position"
)

// Queue accepts outbound messages.
type Queue interface {
	Enqueue(msg outbox.Message) error
}

// Reporter returns an OnStop callback that publishes the resting status
// and position.
func Reporter(out Queue, logger *slog.Logger) func(State) {
	return func(s State) {
		publish(out, logger, StatusSuffix, s.Status)
		publish(out, logger, PositionSuffix, renderPosition(s))
	}
}

func publish(out Queue, logger *slog.Logger, suffix, payload string) {
	if err := out.Enqueue(outbox.Message{Suffix: suffix, Payload: []byte(payload)}); err != nil {
		logger.Warn("cover report dropped", "suffix", suffix, "error", err)
	}
}

// Table returns the cover/* route table:
//
//	cover/set           open | close | stop (or OPEN | CLOSE | STOP)
//	cover/set_position  0..100
func (c *Controller) Table(out Queue) router.Table {
	return router.Table{
		Name: "cover",
		Routes: []router.Route{
			{Suffix: "cover/set", Handler: router.HandlerFunc(func(_ context.Context, msg router.Message) {
				c.handleSet(out, msg.Payload)
			})},
			{Suffix: "cover/set_position", Handler: router.HandlerFunc(func(_ context.Context, msg router.Message) {
				c.handleSetPosition(out, msg.Payload)
			})},
		},
	}
}

func (c *Controller) handleSet(out Queue, payload []byte) {
	verb := strings.TrimSpace(string(payload))

	var err error
	switch verb {
	case "open", "OPEN":
		err = c.DriveOpen()
	case "close", "CLOSE":
		err = c.DriveClose()
	case "stop", "STOP":
		// Stop reports through OnStop.
		c.Stop()
		return
	default:
		c.logger.Warn("cover/set unknown command", "payload", verb)
		return
	}

	if err != nil {
		c.logger.Error("cover command failed", "command", verb, "error", err)
	}
	publish(out, c.logger, StatusSuffix, c.Status())
}

func (c *Controller) handleSetPosition(out Queue, payload []byte) {
	raw := strings.TrimSpace(string(payload))
	pos, err := strconv.Atoi(raw)
	if err != nil || !mathx.Between(pos, MinPosition, MaxPosition) {
		c.logger.Warn("cover/set_position expects 0..100", "payload", raw)
		return
	}

	if err := c.Run(pos); err != nil {
		c.logger.Error("cover move failed", "target", pos, "error", err)
	}
	publish(out, c.logger, StatusSuffix, c.Status())
}
