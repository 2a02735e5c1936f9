package cover

import (
	"errors"
	"fmt"

	"github.com/db-home-system/radiolog/internal/gpio"
)

// Motor drives the cover motor. SelectDirection is always called before
// Enable(true).
type Motor interface {
	SelectDirection(d Direction) error
	Enable(on bool) error
}

// GPIOMotor drives a motor through an enable line and a direction line.
// Enable polarity is handled by the line configuration; OpenLevel is
// the direction line state that makes the cover open, which depends on
// the wiring.
type GPIOMotor struct {
	enable    gpio.Output
	direction gpio.Output
	openLevel bool
}

// NewGPIOMotor returns a motor driven by the given lines.
func NewGPIOMotor(enable, direction gpio.Output, openLevel bool) *GPIOMotor {
	return &GPIOMotor{enable: enable, direction: direction, openLevel: openLevel}
}

// SelectDirection sets the direction line for d.
func (m *GPIOMotor) SelectDirection(d Direction) error {
	lvl := m.openLevel
	if d == DirectionClose {
		lvl = !lvl
	}
	if err := m.direction.Set(lvl); err != nil {
		return fmt.Errorf("select direction %s: %w", d, err)
	}
	return nil
}

// Enable switches the motor on or off.
func (m *GPIOMotor) Enable(on bool) error {
	if err := m.enable.Set(on); err != nil {
		return fmt.Errorf("motor enable=%t: %w", on, err)
	}
	return nil
}

// Close switches the motor off and releases both lines.
func (m *GPIOMotor) Close() error {
	return errors.Join(
		m.enable.Set(false),
		m.enable.Close(),
		m.direction.Close(),
	)
}
