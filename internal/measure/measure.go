// Package measure runs the periodic environment reading. Samples come
// from the Linux IIO dht11 driver, which exposes temperature and
// relative humidity in milli-units under sysfs.
package measure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/db-home-system/radiolog/internal/cfgstore"
	"github.com/db-home-system/radiolog/internal/outbox"
)

// Suffix is the topic suffix samples are published on.
const Suffix = "measure"

// DefaultInterval is the sampling period.
const DefaultInterval = 30 * time.Second

// The dht11 driver fails individual reads on checksum or timing
// errors; a few quick retries usually succeed.
const (
	readAttempts = 3
	retryDelay   = 2 * time.Second
)

// Reading is one sample.
type Reading struct {
	TemperatureC float64
	HumidityPct  float64
}

// MarshalJSON renders the sample as {"temperature":"21.5","humidity":"40.0"}.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Temperature string `json:"temperature"`
		Humidity    string `json:"humidity"`
	}{
		Temperature: strconv.FormatFloat(r.TemperatureC, 'f', 1, 64),
		Humidity:    strconv.FormatFloat(r.HumidityPct, 'f', 1, 64),
	})
}

// Sensor produces readings.
type Sensor interface {
	Read(ctx context.Context) (Reading, error)
}

// IIO reads a dht11 through its IIO sysfs directory, e.g.
// /sys/bus/iio/devices/iio:device0.
type IIO struct {
	dir        string
	retryDelay time.Duration
}

// NewIIO returns a sensor for the IIO device directory dir.
func NewIIO(dir string) *IIO {
	return &IIO{dir: dir, retryDelay: retryDelay}
}

// Read returns one sample, retrying transient driver errors.
func (s *IIO) Read(ctx context.Context) (Reading, error) {
	var lastErr error
	for attempt := range readAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Reading{}, ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}

		r, err := s.readOnce()
		if err == nil {
			return r, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return Reading{}, err
		}
		lastErr = err
	}
	return Reading{}, fmt.Errorf("dht11 read failed after %d attempts: %w", readAttempts, lastErr)
}

func (s *IIO) readOnce() (Reading, error) {
	temp, err := readMilli(filepath.Join(s.dir, "in_temp_input"))
	if err != nil {
		return Reading{}, err
	}
	hum, err := readMilli(filepath.Join(s.dir, "in_humidityrelative_input"))
	if err != nil {
		return Reading{}, err
	}
	return Reading{TemperatureC: temp, HumidityPct: hum}, nil
}

func readMilli(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return float64(v) / 1000, nil
}

// Settings is the persistent configuration the task reads.
type Settings interface {
	InitWithDefault(key string, def uint32) uint32
}

// Queue accepts outbound messages.
type Queue interface {
	Enqueue(msg outbox.Message) error
}

// Task samples a sensor periodically when enabled by dht11_enable.
type Task struct {
	sensor   Sensor
	enabled  bool
	interval time.Duration
	logger   *slog.Logger
}

// NewTask creates a measurement task. A non-positive interval selects
// [DefaultInterval].
func NewTask(sensor Sensor, settings Settings, interval time.Duration, logger *slog.Logger) *Task {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Task{
		sensor:   sensor,
		enabled:  settings.InitWithDefault(cfgstore.KeyDHT11Enable, 0) != 0,
		interval: interval,
		logger:   logger,
	}
}

// Enabled reports whether dht11_enable was set at startup.
func (t *Task) Enabled() bool { return t.enabled }

// Start samples every interval until ctx is cancelled. It returns
// immediately when the task is disabled.
func (t *Task) Start(ctx context.Context, out Queue) {
	if !t.enabled {
		t.logger.Info("measure task disabled")
		return
	}
	t.logger.Info("measure task started", "interval", t.interval)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sample(ctx, out)
		}
	}
}

// Sample takes one reading and enqueues it. Failures are logged.
func (t *Task) Sample(ctx context.Context, out Queue) {
	r, err := t.sensor.Read(ctx)
	if err != nil {
		t.logger.Warn("measure read failed", "error", err)
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		t.logger.Error("measure marshal", "error", err)
		return
	}
	if err := out.Enqueue(outbox.Message{Suffix: Suffix, Payload: payload}); err != nil {
		t.logger.Warn("measure dropped", "error", err)
		return
	}
	t.logger.Debug("measure sampled",
		"temperature_c", r.TemperatureC,
		"humidity_pct", r.HumidityPct,
	)
}
