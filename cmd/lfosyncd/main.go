// Command lfosyncd runs a playback clock sync node, either as the
// authoritative server or as a client following one.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lfosync/lfosync/internal/config"
	"github.com/lfosync/lfosync/internal/log"
	"github.com/urfave/cli/v2"
)

const version = "0.1.0-dev"

// DefaultConfigPath is the default path for the lfosyncd configuration file.
const DefaultConfigPath = "~/.config/lfosync/lfosyncd.yaml"

// Options are the daemon settings that are not part of the sync config.
type Options struct {
	// PIDFile is written while the daemon runs when set.
	PIDFile string
	// TickRate is the foreground tick frequency in Hz.
	TickRate float64
	// Framerate and Duration describe the built-in timeline.
	Framerate float64
	Duration  float64
	// StatusInterval is how often the node state is logged.
	StatusInterval time.Duration
	// Console reads operator commands from stdin.
	Console bool
}

// expandPath expands the ~ in a path to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[1:])
}

// writePIDFile writes the current process ID to the PID file.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// removePIDFile removes the PID file.
func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// loadConfig layers the config file, .env files, LFOSYNC_* variables and
// finally the command line flags.
func loadConfig(c *cli.Context) (config.Config, error) {
	path := expandPath(c.String("config"))
	if !c.IsSet("config") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	lookup, err := config.Environment(c.StringSlice("env-file")...)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, err
	}

	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	return cfg, nil
}

func daemonOptions(c *cli.Context) Options {
	return Options{
		PIDFile:        expandPath(c.String("pid-file")),
		TickRate:       c.Float64("tick-rate"),
		Framerate:      c.Float64("framerate"),
		Duration:       c.Float64("duration"),
		StatusInterval: c.Duration("status-interval"),
		Console:        c.Bool("console"),
	}
}

func main() {
	app := &cli.App{
		Name:    "lfosyncd",
		Usage:   "playback clock synchronization daemon",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Value:   DefaultConfigPath,
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files with LFOSYNC_* overrides",
				Value: cli.NewStringSlice(".env"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "pid-file",
				Aliases: []string{"p"},
				Usage:   "Path to the PID file",
			},
			&cli.Float64Flag{
				Name:  "tick-rate",
				Usage: "Foreground tick frequency in Hz",
				Value: 60,
			},
			&cli.Float64Flag{
				Name:  "framerate",
				Usage: "Framerate of the built-in timeline",
				Value: 30,
			},
			&cli.Float64Flag{
				Name:  "duration",
				Usage: "Loop length of the built-in timeline in seconds, 0 for endless",
			},
			&cli.DurationFlag{
				Name:  "status-interval",
				Usage: "How often to log the node state",
				Value: 5 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "console",
				Usage: "Read operator commands from stdin",
			},
		},
		Commands: []*cli.Command{
			serverCommand(),
			clientCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("lfosyncd failed")
		os.Exit(1)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Run the authoritative clock",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "UDP port to listen on"},
			&cli.IntFlag{Name: "max-connections", Usage: "Maximum number of clients"},
			&cli.UintFlag{Name: "timeout-scale", Usage: "Peer timeout multiplier"},
			&cli.Float64Flag{Name: "update-frequency", Usage: "Sync broadcasts per second"},
			&cli.DurationFlag{Name: "warmup", Usage: "Hold the clock paused for this long after start"},
			&cli.IntFlag{Name: "playlist-length", Usage: "Number of playlist items"},
			&cli.BoolFlag{Name: "playlist-loop", Usage: "Wrap to the first item after the last", Value: true},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s := &cfg.Server
			if c.IsSet("port") {
				s.Port = c.Int("port")
			}
			if c.IsSet("max-connections") {
				s.MaxConnections = c.Int("max-connections")
			}
			if c.IsSet("timeout-scale") {
				s.TimeoutScale = uint32(c.Uint("timeout-scale"))
			}
			if c.IsSet("update-frequency") {
				s.UpdateFrequency = c.Float64("update-frequency")
			}
			if c.IsSet("warmup") {
				s.WarmupDelay = c.Duration("warmup")
			}
			if c.IsSet("playlist-length") {
				s.PlaylistLength = int32(c.Int("playlist-length"))
			}
			if c.IsSet("playlist-loop") {
				s.PlaylistLoop = c.Bool("playlist-loop")
			}
			return runServer(c.Context, cfg, daemonOptions(c))
		},
	}
}

func clientCommand() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Follow a server's clock",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Usage: "Server host name or address"},
			&cli.StringFlag{Name: "server-file", Usage: "File whose first line names the server host"},
			&cli.IntFlag{Name: "port", Usage: "Server UDP port"},
			&cli.UintFlag{Name: "timeout-scale", Usage: "Peer timeout multiplier"},
			&cli.Float64Flag{Name: "resync-frames", Usage: "Drift in frames tolerated before resyncing"},
			&cli.Float64Flag{Name: "rtt-multiplier", Usage: "Share of the RTT added to received positions"},
			&cli.BoolFlag{Name: "no-reconnect", Usage: "Do not reconnect after losing the server"},
			&cli.BoolFlag{Name: "no-local-detect", Usage: "Always compensate for network delay"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("server-file") {
				cfg.ServerHostFile = c.String("server-file")
			}
			if err := cfg.ApplyServerHostFile(); err != nil {
				return err
			}

			cl := &cfg.Client
			if c.IsSet("server") {
				cl.ServerHost = c.String("server")
			}
			if c.IsSet("port") {
				cl.Port = c.Int("port")
			}
			if c.IsSet("timeout-scale") {
				cl.TimeoutScale = uint32(c.Uint("timeout-scale"))
			}
			if c.IsSet("resync-frames") {
				cl.ResyncDiffFrames = c.Float64("resync-frames")
			}
			if c.IsSet("rtt-multiplier") {
				cl.RTTMultiplier = c.Float64("rtt-multiplier")
			}
			if c.Bool("no-reconnect") {
				cl.Reconnect.Enabled = false
			}
			if c.Bool("no-local-detect") {
				cl.DetectLocalServer = false
			}
			return runClient(c.Context, cfg, daemonOptions(c))
		},
	}
}
