// Package config loads lfosyncd settings from a YAML file, optional .env
// files and LFOSYNC_* environment variables, in increasing order of
// precedence.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lfosync/lfosync/internal/clocksync"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "LFOSYNC_"

// Config is the daemon configuration.
type Config struct {
	LogLevel string                 `yaml:"log_level"`
	Server   clocksync.ServerConfig `yaml:"server"`
	Client   clocksync.ClientConfig `yaml:"client"`
	// ServerHostFile names a file whose first line overrides
	// Client.ServerHost.
	ServerHostFile string `yaml:"server_host_file"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		LogLevel:       "info",
		Server:         clocksync.DefaultServerConfig(),
		Client:         clocksync.DefaultClientConfig(),
		ServerHostFile: "server_ip.txt",
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Environment returns a lookup over the process environment that falls
// back to the variables of the given .env files. Missing files are skipped.
func Environment(envFiles ...string) (LookupFunc, error) {
	fileVars := make(map[string]string)
	for _, path := range envFiles {
		vars, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
		}
		maps.Copy(fileVars, vars)
	}

	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}, nil
}

// ApplyEnv overrides fields from LFOSYNC_* variables. Settings shared by
// both roles apply to both.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("SERVER_HOST"); ok {
		c.Client.ServerHost = v
	}
	if v, ok := get("SERVER_HOST_FILE"); ok {
		c.ServerHostFile = v
	}

	ints := []struct {
		name string
		set  func(int)
	}{
		{"PORT", func(n int) { c.Server.Port, c.Client.Port = n, n }},
		{"MAX_CONNECTIONS", func(n int) { c.Server.MaxConnections, c.Client.MaxConnections = n, n }},
		{"QUEUE_CAPACITY", func(n int) { c.Server.QueueCapacity, c.Client.QueueCapacity = n, n }},
		{"TIMEOUT_SCALE", func(n int) { c.Server.TimeoutScale, c.Client.TimeoutScale = uint32(n), uint32(n) }},
		{"PLAYLIST_LENGTH", func(n int) { c.Server.PlaylistLength = int32(n) }},
		{"RECONNECT_MAX_ATTEMPTS", func(n int) { c.Client.Reconnect.MaxAttempts = n }},
	}
	for _, f := range ints {
		if v, ok := get(f.name); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid %s%s=%q: want a non-negative integer", EnvPrefix, f.name, v)
			}
			f.set(n)
		}
	}

	floats := []struct {
		name string
		set  func(float64)
	}{
		{"UPDATE_FREQUENCY", func(f float64) { c.Server.UpdateFrequency = f }},
		{"CLIENT_UPDATE_FREQUENCY", func(f float64) { c.Client.UpdateFrequency = f }},
		{"RTT_MULTIPLIER", func(f float64) { c.Client.RTTMultiplier = f }},
		{"RESYNC_DIFF_FRAMES", func(f float64) { c.Client.ResyncDiffFrames = f }},
	}
	for _, f := range floats {
		if v, ok := get(f.name); ok {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, f.name, v, err)
			}
			f.set(n)
		}
	}

	durations := []struct {
		name string
		set  func(time.Duration)
	}{
		{"POLL_INTERVAL", func(d time.Duration) { c.Server.PollInterval, c.Client.PollInterval = d, d }},
		{"WARMUP_DELAY", func(d time.Duration) { c.Server.WarmupDelay = d }},
		{"RECONNECT_INITIAL_DELAY", func(d time.Duration) { c.Client.Reconnect.InitialDelay = d }},
		{"RECONNECT_MAX_DELAY", func(d time.Duration) { c.Client.Reconnect.MaxDelay = d }},
	}
	for _, f := range durations {
		if v, ok := get(f.name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, f.name, v, err)
			}
			f.set(d)
		}
	}

	bools := []struct {
		name string
		set  func(bool)
	}{
		{"PLAYLIST_LOOP", func(b bool) { c.Server.PlaylistLoop = b }},
		{"RECONNECT", func(b bool) { c.Client.Reconnect.Enabled = b }},
		{"DETECT_LOCAL_SERVER", func(b bool) { c.Client.DetectLocalServer = b }},
	}
	for _, f := range bools {
		if v, ok := get(f.name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, f.name, v, err)
			}
			f.set(b)
		}
	}
	return nil
}

// ReadServerHost returns the first non-empty line of the file at path. It
// returns an error wrapping fs.ErrNotExist if the file is missing.
func ReadServerHost(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return "", fmt.Errorf("%s is empty", path)
}

// ApplyServerHostFile overrides Client.ServerHost from ServerHostFile when
// that file exists.
func (c *Config) ApplyServerHostFile() error {
	if c.ServerHostFile == "" {
		return nil
	}
	host, err := ReadServerHost(c.ServerHostFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	c.Client.ServerHost = host
	return nil
}
