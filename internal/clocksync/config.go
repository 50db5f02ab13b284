package clocksync

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/lfosync/lfosync/internal/transport"
)

// Config errors. A *ConfigError matches one of these with errors.Is.
var (
	ErrInvalidPort      = errors.New("invalid port")
	ErrInvalidFrequency = errors.New("invalid update frequency")
	ErrInvalidValue     = errors.New("invalid configuration value")
)

// ConfigErrorKind classifies a rejected configuration.
type ConfigErrorKind int

const (
	// InvalidPort means the port is outside 1-65535.
	InvalidPort ConfigErrorKind = iota
	// InvalidFrequency means the update frequency is not a positive number.
	InvalidFrequency
	// InvalidValue covers every other rejected field.
	InvalidValue
)

// String returns a string representation of the kind.
func (k ConfigErrorKind) String() string {
	switch k {
	case InvalidPort:
		return "InvalidPort"
	case InvalidFrequency:
		return "InvalidFrequency"
	case InvalidValue:
		return "InvalidValue"
	default:
		return "Unknown"
	}
}

// ConfigError reports a configuration field that cannot be used.
type ConfigError struct {
	Kind   ConfigErrorKind
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s=%v: %s", e.Kind, e.Field, e.Value, e.Reason)
}

// Is lets errors.Is match a ConfigError against the package sentinels.
func (e *ConfigError) Is(target error) bool {
	switch e.Kind {
	case InvalidPort:
		return target == ErrInvalidPort
	case InvalidFrequency:
		return target == ErrInvalidFrequency
	case InvalidValue:
		return target == ErrInvalidValue
	}
	return false
}

func invalid(field string, value any, reason string) *ConfigError {
	return &ConfigError{Kind: InvalidValue, Field: field, Value: value, Reason: reason}
}

// BaseConfig holds the settings shared by both roles.
type BaseConfig struct {
	// Port is the UDP port the server listens on and the client dials.
	Port int `yaml:"port"`
	// MaxConnections caps the peers a server accepts.
	MaxConnections int `yaml:"max_connections"`
	// TimeoutScale multiplies the one second peer timeout.
	TimeoutScale uint32 `yaml:"timeout_scale"`
	// UpdateFrequency is the Sync rate on the server and the loop rate of the
	// background goroutine, in Hz.
	UpdateFrequency float64 `yaml:"update_frequency"`
	// PollInterval bounds each wait for network events.
	PollInterval time.Duration `yaml:"poll_interval"`
	// QueueCapacity bounds the queues between foreground and background.
	QueueCapacity int `yaml:"queue_capacity"`
}

// DefaultBaseConfig returns the shared defaults.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Port:            7777,
		MaxConnections:  32,
		TimeoutScale:    2,
		UpdateFrequency: 120,
		PollInterval:    5 * time.Millisecond,
		QueueCapacity:   1024,
	}
}

// Validate checks the shared settings.
func (c BaseConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &ConfigError{Kind: InvalidPort, Field: "port", Value: c.Port, Reason: "must be between 1 and 65535"}
	}
	if math.IsNaN(c.UpdateFrequency) || math.IsInf(c.UpdateFrequency, 0) || c.UpdateFrequency <= 0 {
		return &ConfigError{Kind: InvalidFrequency, Field: "update_frequency", Value: c.UpdateFrequency, Reason: "must be a positive number"}
	}
	if c.MaxConnections <= 0 {
		return invalid("max_connections", c.MaxConnections, "must be positive")
	}
	if c.TimeoutScale == 0 {
		return invalid("timeout_scale", c.TimeoutScale, "must be positive")
	}
	if c.PollInterval <= 0 {
		return invalid("poll_interval", c.PollInterval, "must be positive")
	}
	if c.QueueCapacity <= 0 {
		return invalid("queue_capacity", c.QueueCapacity, "must be positive")
	}
	return nil
}

// interval is the pause between iterations of the background loop.
func (c BaseConfig) interval() time.Duration {
	return time.Duration(float64(time.Second) / c.UpdateFrequency)
}

func (c BaseConfig) transportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.MaxConnections = c.MaxConnections
	cfg.TimeoutScale = c.TimeoutScale
	return cfg
}

// ServerConfig configures a Server.
type ServerConfig struct {
	BaseConfig `yaml:",inline"`
	// WarmupDelay holds the timeline paused for this long after Init. Zero
	// starts running at once.
	WarmupDelay time.Duration `yaml:"warmup_delay"`
	// PlaylistLength is the number of items NextItem cycles through. Zero
	// means unbounded.
	PlaylistLength int32 `yaml:"playlist_length"`
	// PlaylistLoop wraps NextItem back to the first item.
	PlaylistLoop bool `yaml:"playlist_loop"`
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BaseConfig:   DefaultBaseConfig(),
		PlaylistLoop: true,
	}
}

// Validate checks the server settings.
func (c ServerConfig) Validate() error {
	if err := c.BaseConfig.Validate(); err != nil {
		return err
	}
	if c.WarmupDelay < 0 {
		return invalid("warmup_delay", c.WarmupDelay, "must not be negative")
	}
	if c.PlaylistLength < 0 {
		return invalid("playlist_length", c.PlaylistLength, "must not be negative")
	}
	return nil
}

// ReconnectConfig controls how a client retries a lost server.
type ReconnectConfig struct {
	Enabled bool `yaml:"enabled"`
	// InitialDelay is the wait after the first failure; it doubles on every
	// further consecutive failure.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps the wait.
	MaxDelay time.Duration `yaml:"max_delay"`
	// MaxAttempts is the number of consecutive failures tolerated before the
	// client gives up. Zero retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultReconnectConfig returns the default reconnect policy.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:      true,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
	}
}

// Validate checks the reconnect policy.
func (c ReconnectConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.InitialDelay <= 0 {
		return invalid("reconnect.initial_delay", c.InitialDelay, "must be positive")
	}
	if c.MaxDelay < c.InitialDelay {
		return invalid("reconnect.max_delay", c.MaxDelay, "must not be below initial_delay")
	}
	if c.MaxAttempts < 0 {
		return invalid("reconnect.max_attempts", c.MaxAttempts, "must not be negative")
	}
	return nil
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseConfig `yaml:",inline"`
	// ServerHost is the host name or address of the server.
	ServerHost string `yaml:"server_host"`
	// ResyncDiffFrames is the drift, in frames at normal speed, tolerated
	// before the local position is overwritten.
	ResyncDiffFrames float64 `yaml:"resync_diff_frames"`
	// RTTMultiplier scales the RTT estimate into the delay added to each
	// received position.
	RTTMultiplier float64 `yaml:"rtt_multiplier"`
	// Reconnect is the policy after the server is lost.
	Reconnect ReconnectConfig `yaml:"reconnect"`
	// DetectLocalServer skips delay compensation when the server runs on
	// this machine.
	DetectLocalServer bool `yaml:"detect_local_server"`
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	base := DefaultBaseConfig()
	base.UpdateFrequency = 1000
	return ClientConfig{
		BaseConfig:        base,
		ServerHost:        "127.0.0.1",
		ResyncDiffFrames:  2,
		RTTMultiplier:     0.5,
		Reconnect:         DefaultReconnectConfig(),
		DetectLocalServer: true,
	}
}

// Validate checks the client settings.
func (c ClientConfig) Validate() error {
	if err := c.BaseConfig.Validate(); err != nil {
		return err
	}
	if c.ServerHost == "" {
		return invalid("server_host", c.ServerHost, "must not be empty")
	}
	if !(c.ResyncDiffFrames >= 0) || math.IsInf(c.ResyncDiffFrames, 0) {
		return invalid("resync_diff_frames", c.ResyncDiffFrames, "must not be negative")
	}
	if math.IsNaN(c.RTTMultiplier) || math.IsInf(c.RTTMultiplier, 0) || c.RTTMultiplier < 0 {
		return invalid("rtt_multiplier", c.RTTMultiplier, "must be a non-negative number")
	}
	return c.Reconnect.Validate()
}

// serverAddr is the host:port the client dials.
func (c ClientConfig) serverAddr() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.Port))
}
