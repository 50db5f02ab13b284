package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lfosync/lfosync/internal/clocksync"
	"github.com/lfosync/lfosync/internal/config"
	"github.com/lfosync/lfosync/internal/log"
	"github.com/lfosync/lfosync/internal/timeline"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// daemon drives one registry of sessions from a single foreground goroutine.
type daemon struct {
	opts     Options
	clock    clockwork.Clock
	reg      *clocksync.Registry
	commands chan command
	// apply runs a console command on the tick goroutine.
	apply  func(command) error
	status func()
}

func newDaemon(opts Options) *daemon {
	return &daemon{
		opts:     opts,
		clock:    clockwork.NewRealClock(),
		reg:      clocksync.NewRegistry(),
		commands: make(chan command, 16),
	}
}

// setup applies the log level and writes the PID file. The returned
// function undoes the PID file.
func setup(logLevel string, opts Options) (func(), error) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	if opts.PIDFile == "" {
		return func() {}, nil
	}
	if err := writePIDFile(opts.PIDFile); err != nil {
		return nil, err
	}
	return func() {
		if err := removePIDFile(opts.PIDFile); err != nil {
			log.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}, nil
}

// observe logs every engine notification of a session.
func observe(logger zerolog.Logger) clocksync.Funcs {
	return clocksync.Funcs{
		OnSyncApplied: func(position float64) {
			logger.Debug().Float64("position", position).Msg("Resynced")
		},
		OnSpeedChanged: func(speed float64) {
			logger.Info().Float64("speed", speed).Msg("Speed changed")
		},
		OnPauseChanged: func(paused bool) {
			logger.Info().Bool("paused", paused).Msg("Pause changed")
		},
		OnItemChanged: func(index int32) {
			logger.Info().Int32("item", index).Msg("Playlist item changed")
		},
		OnCustomCommand: func(name string, payload []byte) {
			logger.Info().Str("command", name).Int("payload_bytes", len(payload)).Msg("Custom command")
		},
		OnConnectionChanged: func(connected bool) {
			logger.Info().Bool("connected", connected).Msg("Connection changed")
		},
		OnTransportError: func(err error) {
			logger.Warn().Err(err).Msg("Transport error")
		},
	}
}

func runServer(ctx context.Context, cfg config.Config, opts Options) error {
	cleanup, err := setup(cfg.LogLevel, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	logger := log.With("server")
	tl := timeline.New(opts.Framerate, opts.Duration)
	server, err := clocksync.NewServer(cfg.Server, tl, clocksync.WithLogger(logger))
	if err != nil {
		return err
	}
	server.Register(observe(logger))

	d := newDaemon(opts)
	if err := d.reg.Add(ctx, "server", server); err != nil {
		return err
	}
	d.apply = func(cmd command) error {
		if cmd.op == opStatus {
			d.status()
			return nil
		}
		return cmd.applyServer(server)
	}
	d.status = func() {
		st := server.State()
		ev := logger.Info().
			Str("lifecycle", st.Lifecycle.String()).
			Float64("position", st.Position).
			Float64("speed", st.Speed).
			Bool("paused", st.Paused).
			Int32("item", st.Item).
			Uint64("sequence", st.Sequence).
			Int("peers", st.Peers)
		rtts := zerolog.Dict()
		for peer, rtt := range server.PeerRTTs() {
			rtts.Dur(fmt.Sprint(peer), rtt)
		}
		ev.Dict("rtt", rtts).Msg("Server status")
	}

	logger.Info().Int("port", cfg.Server.Port).Msg("lfosyncd server started")
	return d.run(ctx)
}

func runClient(ctx context.Context, cfg config.Config, opts Options) error {
	cleanup, err := setup(cfg.LogLevel, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	logger := log.With("client")
	tl := timeline.New(opts.Framerate, opts.Duration)
	client, err := clocksync.NewClient(cfg.Client, tl, clocksync.WithLogger(logger))
	if err != nil {
		return err
	}
	client.Register(observe(logger))

	d := newDaemon(opts)
	if err := d.reg.Add(ctx, "client", client); err != nil {
		return err
	}
	d.apply = func(cmd command) error {
		if cmd.op != opStatus {
			return errServerOnly
		}
		d.status()
		return nil
	}
	d.status = func() {
		st := client.State()
		logger.Info().
			Str("lifecycle", st.Lifecycle.String()).
			Bool("connected", st.Connected).
			Bool("local", st.Local).
			Float64("position", st.Position).
			Float64("speed", st.Speed).
			Bool("paused", st.Paused).
			Int32("item", st.Item).
			Dur("rtt", st.RTT).
			Float64("drift", st.LastDiff).
			Uint64("resyncs", st.ResyncCount).
			Int("reconnect_attempts", st.ReconnectAttempts).
			Msg("Client status")
	}

	logger.Info().Str("server", cfg.Client.ServerHost).Int("port", cfg.Client.Port).Msg("lfosyncd client started")
	return d.run(ctx)
}

// run ticks the registry until a signal arrives or ctx is done, then shuts
// every session down.
func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.opts.Console {
		go readConsole(ctx, os.Stdin, d.commands)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		signalCh := make(chan os.Signal, 1)
		signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signalCh)

		select {
		case sig := <-signalCh:
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		return d.tickLoop(gctx)
	})

	err := g.Wait()
	if cerr := d.reg.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("Shutdown reported errors")
	}
	log.Info().Msg("lfosyncd stopped")
	return err
}

// tickLoop ticks every session with the measured elapsed time and applies
// console commands between ticks.
func (d *daemon) tickLoop(ctx context.Context) error {
	if d.opts.TickRate <= 0 {
		return fmt.Errorf("invalid tick rate %v", d.opts.TickRate)
	}
	last := d.clock.Now()
	ticker := d.clock.NewTicker(time.Duration(float64(time.Second) / d.opts.TickRate))
	defer ticker.Stop()

	var statusC <-chan time.Time
	if d.opts.StatusInterval > 0 {
		status := d.clock.NewTicker(d.opts.StatusInterval)
		defer status.Stop()
		statusC = status.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.Chan():
			d.reg.TickAll(now.Sub(last).Seconds())
			last = now
		case <-statusC:
			if d.status != nil {
				d.status()
			}
		case cmd := <-d.commands:
			if d.apply == nil {
				continue
			}
			if err := d.apply(cmd); err != nil {
				log.Warn().Err(err).Msg("Command failed")
			}
		}
	}
}
