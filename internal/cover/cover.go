// Package cover implements open-loop, time-proportional position
// control for a motorized window cover. The position (0 closed to 100
// open) is never measured: it is estimated from how long the motor has
// run relative to the calibrated full-travel time in each direction.
//
// Motion is counted in ticks of the polling period. A move of delta
// percent in direction d is scheduled for
//
//	((travelTime(d) * 1000) / pollingMs) * delta / 100
//
// ticks, and the resting position after n ticks is the start position
// plus (or minus) pollingMs*n / (travelTime(d)*10), clamped to 0..100.
// Integer division truncates, so repeated short moves drift.
package cover

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/db-home-system/radiolog/internal/cfgstore"
	"github.com/db-home-system/radiolog/internal/mathx"
)

// Direction of travel.
type Direction int

const (
	DirectionOpen Direction = iota
	DirectionClose
)

func (d Direction) String() string {
	if d == DirectionClose {
		return "close"
	}
	return "open"
}

// Status values as published on cover/status.
const (
	StatusOpen  = "open"
	StatusClose = "close"
	StatusStop  = "stop"
)

// Position bounds.
const (
	MinPosition = 0
	MaxPosition = 100
)

// Calibration defaults, used when the slot is unset.
const (
	DefaultOpenPosition  = 100
	DefaultClosePosition = 0
	DefaultUpTime        = 25  // seconds
	DefaultDownTime      = 24  // seconds
	DefaultPollingMs     = 250 // milliseconds
)

// Calibration is loaded once at startup and never changes afterwards.
// Times keep the slot width; tick math is done in int64.
type Calibration struct {
	OpenPosition  int
	ClosePosition int
	UpTime        uint32 // full travel opening, seconds
	DownTime      uint32 // full travel closing, seconds
	PollingMs     uint32
}

// Settings is the persistent configuration the controller reads its
// calibration from and saves its position to.
type Settings interface {
	InitWithDefault(key string, def uint32) uint32
	Write(key string, value uint32) error
}

// LoadCalibration reads the calibration slots. Zero travel or polling
// times would divide by zero and are replaced by the defaults.
func LoadCalibration(s Settings) Calibration {
	c := Calibration{
		OpenPosition:  slotPosition(s.InitWithDefault(cfgstore.KeyCoverOpen, DefaultOpenPosition)),
		ClosePosition: slotPosition(s.InitWithDefault(cfgstore.KeyCoverClose, DefaultClosePosition)),
		UpTime:        s.InitWithDefault(cfgstore.KeyCoverUpTime, DefaultUpTime),
		DownTime:      s.InitWithDefault(cfgstore.KeyCoverDownTime, DefaultDownTime),
		PollingMs:     s.InitWithDefault(cfgstore.KeyCoverPollingTime, DefaultPollingMs),
	}
	if c.UpTime == 0 {
		c.UpTime = DefaultUpTime
	}
	if c.DownTime == 0 {
		c.DownTime = DefaultDownTime
	}
	if c.PollingMs == 0 {
		c.PollingMs = DefaultPollingMs
	}
	return c
}

// slotPosition clamps a raw slot value to 0..100 without going through
// a platform-sized int first.
func slotPosition(v uint32) int {
	return int(mathx.Clamp(int64(v), MinPosition, MaxPosition))
}

func (c Calibration) travelTime(d Direction) int64 {
	if d == DirectionClose {
		return int64(c.DownTime)
	}
	return int64(c.UpTime)
}

// ticksFor returns the number of polling ticks a move of delta percent
// takes in direction d.
func (c Calibration) ticksFor(d Direction, delta int) int64 {
	return ((c.travelTime(d) * 1000) / int64(c.PollingMs)) * int64(delta) / 100
}

// travelled returns the percentage covered in ticks polling periods.
func (c Calibration) travelled(d Direction, ticks int64) int64 {
	return (int64(c.PollingMs) * ticks) / (c.travelTime(d) * 10)
}

// State is a snapshot of the controller.
type State struct {
	Status       string
	Direction    Direction
	Current      int
	Target       int
	Start        int
	ElapsedTicks int64
	TicksToStop  int64
}

// Moving reports whether the motor is running.
func (s State) Moving() bool { return s.Status != StatusStop }

// Options configures a Controller.
type Options struct {
	// OnStop is called, outside the controller lock, every time the
	// stop sequence runs.
	OnStop func(State)
}

// Controller tracks the cover position and drives the motor.
type Controller struct {
	motor    Motor
	settings Settings
	cal      Calibration
	onStop   func(State)
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	stops uint64 // incremented by every stop sequence, under mu

	persistMu     sync.Mutex
	lastPersisted int
	persistedStop uint64

	wake chan struct{}
}

// New loads the calibration and last position from settings and
// returns a stopped controller. Call [Controller.Start] to run the
// polling loop.
func New(motor Motor, settings Settings, opts Options, logger *slog.Logger) *Controller {
	cal := LoadCalibration(settings)
	pos := slotPosition(settings.InitWithDefault(cfgstore.KeyCoverLastPosition, 0))

	logger.Info("cover calibration loaded",
		"open_position", cal.OpenPosition,
		"close_position", cal.ClosePosition,
		"up_time_s", cal.UpTime,
		"down_time_s", cal.DownTime,
		"polling_ms", cal.PollingMs,
		"position", pos,
	)

	return &Controller{
		motor:    motor,
		settings: settings,
		cal:      cal,
		onStop:   opts.OnStop,
		logger:   logger,
		state: State{
			Status:  StatusStop,
			Current: pos,
			Target:  pos,
			Start:   pos,
		},
		lastPersisted: pos,
		wake:          make(chan struct{}, 1),
	}
}

// Calibration returns the calibration in use.
func (c *Controller) Calibration() Calibration { return c.cal }

// DriveOpen drives the cover to the configured open position.
func (c *Controller) DriveOpen() error { return c.Run(c.cal.OpenPosition) }

// DriveClose drives the cover to the configured close position.
func (c *Controller) DriveClose() error { return c.Run(c.cal.ClosePosition) }

// Run starts a move to target (clamped to 0..100). A move already in
// progress is settled first: the motor stops and the position is
// recomputed from the ticks elapsed so far. Run is a no-op when the
// cover rests at target.
func (c *Controller) Run(target int) error {
	target = mathx.Clamp(target, MinPosition, MaxPosition)

	c.mu.Lock()
	wasMoving := c.state.Moving()
	if wasMoving {
		c.settleLocked()
		c.logger.Debug("motion settled for new target",
			"position", c.state.Current, "target", target)
	}
	err := c.startLocked(target)
	snap, seq := c.state, c.stops
	c.mu.Unlock()

	// A settled motion that is not replaced by a new one ends here.
	if wasMoving && !snap.Moving() {
		c.finish(snap, seq)
	}
	return err
}

func (c *Controller) startLocked(target int) error {
	if target == c.state.Current {
		c.logger.Debug("cover already at target", "position", target)
		return nil
	}

	dir := DirectionClose
	if target >= c.state.Current {
		dir = DirectionOpen
	}
	delta := mathx.Abs(target - c.state.Current)
	ticks := c.cal.ticksFor(dir, delta)

	if err := c.motor.SelectDirection(dir); err != nil {
		c.logger.Error("cover motor direction failed", "direction", dir, "error", err)
		return err
	}
	if err := c.motor.Enable(true); err != nil {
		c.logger.Error("cover motor enable failed", "error", err)
		_ = c.motor.Enable(false)
		return err
	}

	c.state.Direction = dir
	c.state.Status = dir.String()
	c.state.Target = target
	c.state.Start = c.state.Current
	c.state.ElapsedTicks = 0
	c.state.TicksToStop = ticks

	c.logger.Info("cover moving",
		"direction", dir,
		"from", c.state.Current,
		"target", target,
		"ticks", ticks,
	)

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop runs the stop sequence: motor off, position recomputed from the
// elapsed ticks, status stop, OnStop notified, position persisted if it
// changed. Calling Stop while stopped reports the same position again.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.settleLocked()
	snap, seq := c.state, c.stops
	c.mu.Unlock()

	c.logger.Info("cover stopped", "position", snap.Current, "ticks", snap.ElapsedTicks)
	c.finish(snap, seq)
}

// settleLocked switches the motor off and derives the resting position
// from the start position, so repeated calls are stable.
func (c *Controller) settleLocked() {
	if err := c.motor.Enable(false); err != nil {
		c.logger.Error("cover motor disable failed", "error", err)
	}

	moved := c.cal.travelled(c.state.Direction, c.state.ElapsedTicks)
	pos := int64(c.state.Start) + moved
	if c.state.Direction == DirectionClose {
		pos = int64(c.state.Start) - moved
	}
	c.state.Current = int(mathx.Clamp(pos, MinPosition, MaxPosition))
	c.state.Status = StatusStop
	c.stops++
}

// finish reports the stop and persists its position. seq orders stop
// sequences: a stop overtaken by a later one while OnStop ran is not
// written over the newer position.
func (c *Controller) finish(snap State, seq uint64) {
	if c.onStop != nil {
		c.onStop(snap)
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	if seq < c.persistedStop {
		c.logger.Debug("stale cover position not persisted", "position", snap.Current)
		return
	}
	if snap.Current == c.lastPersisted {
		c.persistedStop = seq
		return
	}
	if err := c.settings.Write(cfgstore.KeyCoverLastPosition, uint32(snap.Current)); err != nil {
		c.logger.Error("cover position not persisted", "position", snap.Current, "error", err)
		return
	}
	c.lastPersisted = snap.Current
	c.persistedStop = seq
	c.logger.Debug("cover position persisted", "position", snap.Current)
}

// tick advances the motion by one polling period and reports whether
// the cover is still moving.
func (c *Controller) tick() bool {
	c.mu.Lock()
	if !c.state.Moving() {
		c.mu.Unlock()
		return false
	}
	c.state.ElapsedTicks++
	if c.state.ElapsedTicks < c.state.TicksToStop {
		c.mu.Unlock()
		return true
	}
	c.settleLocked()
	snap, seq := c.state, c.stops
	c.mu.Unlock()

	c.logger.Info("cover reached target", "position", snap.Current, "ticks", snap.ElapsedTicks)
	c.finish(snap, seq)
	return false
}

// Start runs the polling loop until ctx is cancelled. The ticker only
// runs while the cover moves. On exit a motion in progress is stopped.
func (c *Controller) Start(ctx context.Context) {
	period := time.Duration(c.cal.PollingMs) * time.Millisecond
	ticker := time.NewTicker(period)
	ticker.Stop()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.Snapshot().Moving() {
				c.Stop()
			}
			return
		case <-c.wake:
			ticker.Reset(period)
		case <-ticker.C:
			if !c.tick() {
				ticker.Stop()
			}
		}
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns "open", "close" or "stop".
func (c *Controller) Status() string {
	return c.Snapshot().Status
}

type positionReport struct {
	Position string `json:"position"`
	Ticks    string `json:"ticks"`
}

// Position renders the current position and elapsed ticks as
// {"position":"N","ticks":"M"}.
func (c *Controller) Position() string {
	return renderPosition(c.Snapshot())
}

func renderPosition(s State) string {
	b, _ := json.Marshal(positionReport{
		Position: strconv.Itoa(s.Current),
		Ticks:    strconv.FormatInt(s.ElapsedTicks, 10),
	})
	return string(b)
}
