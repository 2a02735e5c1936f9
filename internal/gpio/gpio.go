// Package gpio exposes the node's digital lines (motor enable and
// direction, relay coil, presence sense) as logical on/off values.
// Hardware lines are requested from a Linux GPIO character device
// through go-gpiocdev; polarity is resolved by the kernel when a pin is
// configured active-low, so callers only ever see the logical state.
//
// [Sim] provides the same interfaces in memory for hosts without GPIO
// and for tests.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// Consumer is the label the kernel shows for lines held by this process.
const Consumer = "radiolog"

// Output is a logical digital output.
type Output interface {
	Set(on bool) error
	Close() error
}

// Input is a logical digital input.
type Input interface {
	Get() (bool, error)
	Close() error
}

// Pin identifies a line on a chip.
type Pin struct {
	Offset    int
	ActiveLow bool
	PullUp    bool
}

// Chip is an open GPIO character device.
type Chip struct {
	mu    sync.Mutex
	chip  *gpiocdev.Chip
	lines []*gpiocdev.Line
}

// OpenChip opens a GPIO chip by name ("gpiochip0") or path.
func OpenChip(name string) (*Chip, error) {
	c, err := gpiocdev.NewChip(name, gpiocdev.WithConsumer(Consumer))
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", name, err)
	}
	return &Chip{chip: c}, nil
}

// Output requests pin as an output driven to initial.
func (c *Chip) Output(pin Pin, initial bool) (*Line, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(level(initial))}
	if pin.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	return c.request(pin, opts)
}

// Input requests pin as an input.
func (c *Chip) Input(pin Pin) (*Line, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput}
	if pin.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	if pin.PullUp {
		opts = append(opts, gpiocdev.WithPullUp)
	}
	return c.request(pin, opts)
}

func (c *Chip) request(pin Pin, opts []gpiocdev.LineReqOption) (*Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chip == nil {
		return nil, errors.New("gpio: chip closed")
	}
	l, err := c.chip.RequestLine(pin.Offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request line %d: %w", pin.Offset, err)
	}
	c.lines = append(c.lines, l)
	return &Line{line: l, offset: pin.Offset}, nil
}

// Close releases every line requested through c and the chip itself.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, l := range c.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line %d: %w", l.Offset(), err))
		}
	}
	c.lines = nil

	if c.chip != nil {
		if err := c.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		c.chip = nil
	}
	return errors.Join(errs...)
}

// Line is a requested hardware line. It implements both [Output] and
// [Input].
type Line struct {
	line   *gpiocdev.Line
	offset int
}

// Set drives the line to the logical state on.
func (l *Line) Set(on bool) error {
	if err := l.line.SetValue(level(on)); err != nil {
		return fmt.Errorf("set line %d: %w", l.offset, err)
	}
	return nil
}

// Get reads the logical state of the line.
func (l *Line) Get() (bool, error) {
	v, err := l.line.Value()
	if err != nil {
		return false, fmt.Errorf("read line %d: %w", l.offset, err)
	}
	return v != 0, nil
}

// Close releases the line. Closing through the owning [Chip] is
// equivalent; a line closed twice returns the library's error.
func (l *Line) Close() error {
	return l.line.Close()
}

func level(on bool) int {
	if on {
		return 1
	}
	return 0
}
