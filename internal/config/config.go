// Package config handles radiolog configuration loading.
//
// The YAML file describes the host side of a node: where the broker
// is, which GPIO lines drive the hardware, where the flash partition
// lives and how to log. Device parameters that are tuned at runtime
// (travel times, positions, switch mode) are not here; they live in the
// flash config store and are changed over MQTT.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/radiolog/config.yaml, /etc/radiolog/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "radiolog", "config.yaml"))
	}

	paths = append(paths, "/etc/radiolog/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Node modes.
const (
	ModeCover  = "cover"
	ModeSwitch = "switch"
)

// Config holds all radiolog configuration.
type Config struct {
	Node      NodeConfig    `yaml:"node"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	LogFile   LogFileConfig `yaml:"log_file"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Flash     FlashConfig   `yaml:"flash"`
	Outbox    OutboxConfig  `yaml:"outbox"`
	Cover     CoverConfig   `yaml:"cover"`
	Switch    SwitchConfig  `yaml:"switch"`
	Measure   MeasureConfig `yaml:"measure"`
}

// NodeConfig identifies the node.
type NodeConfig struct {
	// ID overrides the derived node identifier.
	ID string `yaml:"id"`
	// Interface is the network interface whose MAC address names the
	// node. Empty picks the first interface with a hardware address.
	Interface string `yaml:"interface"`
	// Mode is the fallback for the node_mode slot: "cover" or "switch".
	Mode string `yaml:"mode"`
}

// ModeValue returns the node_mode slot value for Mode.
func (n NodeConfig) ModeValue() uint32 {
	if n.Mode == ModeSwitch {
		return 1
	}
	return 0
}

// LogFileConfig enables a rotated log file next to stdout.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	// Broker is the broker URL: mqtt://, tcp://, mqtts://, ssl://,
	// tls://, ws:// or wss://.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Root is the first topic level of every node topic.
	Root string `yaml:"root"`
	// ClientID defaults to the node ID.
	ClientID string `yaml:"client_id"`
	// KeepAlive in seconds.
	KeepAlive int `yaml:"keepalive"`
	// ConnectTimeout bounds the wait for the initial connection;
	// reconnection continues in the background afterwards.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// MaxMessagesPerSec drops inbound messages above this rate.
	MaxMessagesPerSec int `yaml:"max_messages_per_sec"`
}

// FlashConfig locates the configuration partition.
type FlashConfig struct {
	// Image is the partition device (an MTD char device) or image file.
	Image      string `yaml:"image"`
	Partition  string `yaml:"partition"`
	Size       int64  `yaml:"size"`
	SectorSize int64  `yaml:"sector_size"`
}

// OutboxConfig tunes the outbound queue.
type OutboxConfig struct {
	Capacity      int           `yaml:"capacity"`
	EnqueueWait   time.Duration `yaml:"enqueue_wait"`
	DrainInterval time.Duration `yaml:"drain_interval"`
}

// PinConfig is one GPIO line.
type PinConfig struct {
	Pin       int  `yaml:"pin"`
	ActiveLow bool `yaml:"active_low"`
	PullUp    bool `yaml:"pull_up"`
}

// CoverConfig wires the cover motor. An empty Chip runs the motor
// against simulated lines.
type CoverConfig struct {
	Chip      string    `yaml:"chip"`
	Enable    PinConfig `yaml:"enable"`
	Direction PinConfig `yaml:"direction"`
	// OpenLevel is the direction line state that opens the cover.
	OpenLevel bool `yaml:"open_level"`
}

// SwitchConfig wires the relay. An empty Chip runs against simulated
// lines.
type SwitchConfig struct {
	Chip           string        `yaml:"chip"`
	Output         PinConfig     `yaml:"output"`
	Sense          *PinConfig    `yaml:"sense"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// MeasureConfig configures the environment sensor.
type MeasureConfig struct {
	IIODevice string        `yaml:"iio_device"`
	Interval  time.Duration `yaml:"interval"`
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// broker set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Node.Mode == "" {
		c.Node.Mode = ModeCover
	}

	if c.MQTT.Root == "" {
		c.MQTT.Root = "radiolog"
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 30
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 30 * time.Second
	}
	if c.MQTT.MaxMessagesPerSec == 0 {
		c.MQTT.MaxMessagesPerSec = 50
	}

	if c.Flash.Image == "" {
		c.Flash.Image = filepath.Join(c.DataDir, "config.bin")
	}
	if c.Flash.Partition == "" {
		c.Flash.Partition = "config"
	}
	if c.Flash.SectorSize == 0 {
		c.Flash.SectorSize = 4096
	}
	if c.Flash.Size == 0 {
		c.Flash.Size = 2 * c.Flash.SectorSize
	}

	if c.Outbox.Capacity == 0 {
		c.Outbox.Capacity = 3
	}
	if c.Outbox.EnqueueWait == 0 {
		c.Outbox.EnqueueWait = 100 * time.Millisecond
	}
	if c.Outbox.DrainInterval == 0 {
		c.Outbox.DrainInterval = 500 * time.Millisecond
	}

	if c.Switch.StatusInterval == 0 {
		c.Switch.StatusInterval = 30 * time.Second
	}
	if c.Measure.IIODevice == "" {
		c.Measure.IIODevice = "/sys/bus/iio/devices/iio:device0"
	}
	if c.Measure.Interval == 0 {
		c.Measure.Interval = 30 * time.Second
	}

	if c.LogFile.Path != "" {
		if c.LogFile.MaxSizeMB == 0 {
			c.LogFile.MaxSizeMB = 10
		}
		if c.LogFile.MaxBackups == 0 {
			c.LogFile.MaxBackups = 3
		}
	}
}

var brokerSchemes = map[string]bool{
	"mqtt": true, "tcp": true,
	"mqtts": true, "ssl": true, "tls": true,
	"ws": true, "wss": true,
}

// Validate reports every configuration problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	} else if u, err := url.Parse(c.MQTT.Broker); err != nil {
		errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
	} else if !brokerSchemes[u.Scheme] {
		errs = append(errs, fmt.Errorf("mqtt.broker: unsupported scheme %q", u.Scheme))
	}

	if err := validTopicLevel(c.MQTT.Root); err != nil {
		errs = append(errs, fmt.Errorf("mqtt.root: %w", err))
	}
	if c.Node.ID != "" {
		if err := validTopicLevel(c.Node.ID); err != nil {
			errs = append(errs, fmt.Errorf("node.id: %w", err))
		}
	}
	if c.MQTT.KeepAlive < 0 || c.MQTT.KeepAlive > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.keepalive %d out of range", c.MQTT.KeepAlive))
	}
	if c.MQTT.MaxMessagesPerSec < 0 {
		errs = append(errs, errors.New("mqtt.max_messages_per_sec must not be negative"))
	}

	if c.Node.Mode != ModeCover && c.Node.Mode != ModeSwitch {
		errs = append(errs, fmt.Errorf("node.mode %q (valid: cover, switch)", c.Node.Mode))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	if c.Flash.SectorSize <= 0 || c.Flash.Size <= 0 || c.Flash.Size%c.Flash.SectorSize != 0 {
		errs = append(errs, fmt.Errorf("flash.size %d must be a positive multiple of flash.sector_size %d",
			c.Flash.Size, c.Flash.SectorSize))
	}

	if c.Outbox.Capacity < 1 {
		errs = append(errs, errors.New("outbox.capacity must be at least 1"))
	}

	return errors.Join(errs...)
}

func validTopicLevel(s string) error {
	if s == "" {
		return errors.New("must not be empty")
	}
	if strings.ContainsAny(s, "/+#") {
		return fmt.Errorf("%q must be a single topic level without wildcards", s)
	}
	return nil
}
