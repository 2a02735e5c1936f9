package relay

import (
	"context"
	"strings"

	"github.com/db-home-system/radiolog/internal/router"
)

// Table returns the switch/* route table:
//
//	switch/set  on | off | 1 | 0 | toggle (or ON | OFF)
func (c *Controller) Table(out Queue) router.Table {
	return router.Table{
		Name: "switch",
		Routes: []router.Route{
			{Suffix: "switch/set", Handler: router.HandlerFunc(func(_ context.Context, msg router.Message) {
				c.handleSet(out, msg.Payload)
			})},
		},
	}
}

// handleSet runs latched commands inline and queues pulsed commands
// for the Start loop.
func (c *Controller) handleSet(out Queue, payload []byte) {
	cmd := strings.TrimSpace(string(payload))

	switch cmd {
	case "on", "ON", "1", "off", "OFF", "0", "toggle":
	default:
		c.logger.Warn("switch/set unknown command", "payload", cmd)
		return
	}

	if c.mode != ModePulsed {
		c.execute(out, cmd)
		return
	}
	select {
	case c.pending <- cmd:
	default:
		c.logger.Warn("switch command dropped, too many pending", "command", cmd)
	}
}

func (c *Controller) execute(out Queue, cmd string) {
	var err error
	switch cmd {
	case "on", "ON", "1":
		err = c.Set(true)
	case "off", "OFF", "0":
		err = c.Set(false)
	case "toggle":
		err = c.Toggle()
	}

	if err != nil {
		c.logger.Error("switch command failed", "command", cmd, "error", err)
	}
	c.Publish(out)
}
