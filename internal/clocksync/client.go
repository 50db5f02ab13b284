package clocksync

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lfosync/lfosync/internal/log"
	"github.com/lfosync/lfosync/internal/queue"
	"github.com/lfosync/lfosync/internal/rtt"
	"github.com/lfosync/lfosync/internal/transport"
	"github.com/lfosync/lfosync/internal/wire"
	"github.com/rs/zerolog"
)

// serverKey is the RTT tracker entry for the one server a client talks to.
const serverKey = "server"

// ClientState is a point-in-time view of a Client.
type ClientState struct {
	Lifecycle Lifecycle
	Connected bool
	// Local is set when the server runs on this machine.
	Local    bool
	Item     int32
	Paused   bool
	Speed    float64
	Position float64
	// LastServerPosition and LastSequence describe the last applied Sync.
	LastServerPosition float64
	LastSequence       uint64
	RTT                time.Duration
	ResyncCount        uint64
	// LastDiff is the drift measured by the last applied Sync, in seconds.
	LastDiff          float64
	ReconnectAttempts int
}

// clientStatus is a connection change queued for the foreground.
type clientStatus struct {
	connected bool
	err       error
}

// inbound carries either a message or a status change to the foreground.
type inbound struct {
	msg    wire.Message
	status *clientStatus
}

// Client follows a Server. It applies the server's speed, pause and item
// changes, and overwrites its timeline position when drift exceeds the
// configured number of frames.
type Client struct {
	Observers

	cfg      ClientConfig
	timeline Timeline
	opts     options
	clock    clockwork.Clock
	logger   zerolog.Logger

	in    *queue.Queue[inbound]
	rtt   *rtt.Tracker[string]
	io    *ioLoop
	net   ClientNetwork
	local bool

	// owned by the background goroutine
	server   transport.PeerHandle
	linkUp   bool
	retry    backoff
	nextDial time.Time
	gaveUp   bool
	attempts atomic.Int32

	mu        sync.Mutex
	lifecycle Lifecycle

	// owned by the foreground
	connected    bool
	item         int32
	lastSequence uint64
	lastPosition float64
	haveSync     bool
	lastDiff     float64
	resyncs      uint64
}

// NewClient creates a client engine driving timeline. The network is opened
// by Init.
func NewClient(cfg ClientConfig, timeline Timeline, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if timeline == nil {
		return nil, ErrNilTimeline
	}
	o := buildOptions(opts)
	logger := log.With("clocksync.client")
	if o.logger != nil {
		logger = *o.logger
	}
	return &Client{
		cfg:      cfg,
		timeline: timeline,
		opts:     o,
		clock:    o.clock,
		logger:   logger,
		in:       queue.New[inbound](cfg.QueueCapacity),
		rtt:      rtt.New[string](o.clock),
		retry:    backoff{cfg: cfg.Reconnect},
	}, nil
}

// Init opens the client socket, starts connecting to the server and starts
// the background goroutine. It does not wait for the connection.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.lifecycle != LifecycleIdle {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.mu.Unlock()

	c.local = c.cfg.DetectLocalServer && isLocalHost(c.cfg.ServerHost)

	network, err := c.opts.dial(c.cfg.transportConfig())
	if err != nil {
		return fmt.Errorf("failed to open client network: %w", err)
	}
	c.net = network
	c.io = &ioLoop{
		net:      network,
		clock:    c.clock,
		logger:   c.logger,
		poll:     c.cfg.PollInterval,
		interval: c.cfg.interval(),
		prepare:  c.maintain,
		handle:   c.handle,
	}
	c.dial()

	c.mu.Lock()
	c.lifecycle = LifecycleRunning
	c.mu.Unlock()

	if !c.opts.manual {
		c.io.start(ctx)
	}

	c.logger.Info().
		Str("server", c.cfg.serverAddr()).
		Bool("local", c.local).
		Msg("Client started")
	return nil
}

// Lifecycle returns the current lifecycle state.
func (c *Client) Lifecycle() Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle
}

// Tick applies every message received since the last tick, in arrival
// order, then advances a self-advancing timeline by dt. The clock stands
// still while disconnected and on ticks that resynced.
func (c *Client) Tick(dt float64) {
	if c.Lifecycle() != LifecycleRunning {
		return
	}

	resynced := false
	for _, item := range c.in.Drain() {
		if item.status != nil {
			c.applyStatus(*item.status)
			continue
		}
		if c.apply(item.msg) {
			resynced = true
		}
	}

	if !c.connected || resynced || c.timeline.GetPause() {
		return
	}
	if adv, ok := c.timeline.(Advancer); ok {
		adv.Advance(dt)
	}
}

// RTT returns the current round-trip estimate to the server.
func (c *Client) RTT() time.Duration {
	return c.rtt.RTT(serverKey)
}

// State returns a snapshot of the client. Call it from the goroutine that
// calls Tick.
func (c *Client) State() ClientState {
	return ClientState{
		Lifecycle:          c.Lifecycle(),
		Connected:          c.connected,
		Local:              c.local,
		Item:               c.item,
		Paused:             c.timeline.GetPause(),
		Speed:              c.timeline.GetSpeed(),
		Position:           c.timeline.GetPosition(),
		LastServerPosition: c.lastPosition,
		LastSequence:       c.lastSequence,
		RTT:                c.RTT(),
		ResyncCount:        c.resyncs,
		LastDiff:           c.lastDiff,
		ReconnectAttempts:  int(c.attempts.Load()),
	}
}

// Shutdown stops the background goroutine and closes the socket. The
// timeline keeps its last position, speed and pause.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if c.lifecycle == LifecycleStopped {
		c.mu.Unlock()
		return nil
	}
	started := c.lifecycle != LifecycleIdle
	c.lifecycle = LifecycleStopped
	c.mu.Unlock()

	if !started {
		return nil
	}
	c.io.stop()
	if err := c.net.Close(); err != nil {
		return fmt.Errorf("failed to close client network: %w", err)
	}
	c.logger.Info().Uint64("resyncs", c.resyncs).Msg("Client stopped")
	return nil
}

// apply handles one message on the foreground. It reports whether the
// local position was overwritten.
func (c *Client) apply(msg wire.Message) bool {
	switch m := msg.(type) {
	case wire.Sync:
		return c.applySync(m)

	case wire.Speed:
		c.timeline.SetSpeed(m.Value)
		c.each(func(o Observer) { o.SpeedChanged(m.Value) })

	case wire.Pause:
		c.timeline.SetPause(m.Paused)
		if m.Paused && c.haveSync {
			c.timeline.SetPosition(c.lastPosition)
		}
		c.each(func(o Observer) { o.PauseChanged(m.Paused) })

	case wire.ChangeItem:
		if m.Index == c.item {
			return false
		}
		c.item = m.Index
		c.resetClock()
		c.timeline.SetPosition(0)
		c.logger.Info().Int32("item", m.Index).Msg("Item changed")
		c.each(func(o Observer) { o.ItemChanged(m.Index) })

	case wire.CustomCommand:
		c.each(func(o Observer) { o.CustomCommand(m.Name, nil) })

	case wire.CustomCommandWithData:
		c.each(func(o Observer) { o.CustomCommand(m.Name, m.Payload) })
	}
	return false
}

// applySync corrects the timeline against a server position. The position
// is pushed forward by the estimated one-way delay unless the server is on
// this machine or playback is stopped. The timeline is only overwritten
// when the drift reaches speed*ResyncDiffFrames/framerate, or when paused
// and differing at all.
func (c *Client) applySync(m wire.Sync) bool {
	if m.Sequence <= c.lastSequence {
		return false
	}
	c.lastSequence = m.Sequence
	c.lastPosition = m.Position
	c.haveSync = true

	speed := c.timeline.GetSpeed()
	paused := c.timeline.GetPause()

	target := m.Position
	if !c.local && !paused && speed != 0 {
		target += c.RTT().Seconds() * c.cfg.RTTMultiplier
	}
	if duration := c.timeline.GetDurationSeconds(); duration > 0 && target >= duration {
		target = math.Mod(target, duration)
	}

	diff := math.Abs(c.timeline.GetPosition() - target)
	c.lastDiff = diff

	threshold := 0.0
	if framerate := c.timeline.GetFramerate(); framerate > 0 {
		threshold = math.Abs(speed) * c.cfg.ResyncDiffFrames / framerate
	}
	if !(diff > 0 && diff >= threshold) && !(paused && diff != 0) {
		return false
	}

	c.timeline.SetPosition(target)
	c.resyncs++
	c.logger.Debug().
		Uint64("sequence", m.Sequence).
		Float64("target", target).
		Float64("diff", diff).
		Msg("Resynced")
	c.each(func(o Observer) { o.SyncApplied(target) })
	return true
}

func (c *Client) applyStatus(st clientStatus) {
	if st.connected != c.connected {
		c.connected = st.connected
		if st.connected {
			// A restarted server counts its sequence from the start again.
			c.lastSequence = 0
		}
		c.each(func(o Observer) { o.ConnectionChanged(st.connected) })
	}
	if st.err != nil {
		c.each(func(o Observer) { o.TransportError(st.err) })
	}
}

func (c *Client) resetClock() {
	c.lastPosition = 0
	c.haveSync = false
	c.lastDiff = 0
	c.resyncs = 0
}

// maintain runs at the top of every background iteration and redials once
// the backoff delay has passed.
func (c *Client) maintain() {
	if !c.server.IsNil() || c.gaveUp {
		return
	}
	if c.clock.Now().Before(c.nextDial) {
		return
	}
	c.dial()
}

func (c *Client) dial() {
	addr := c.cfg.serverAddr()
	handle, err := c.net.Connect(addr)
	if err != nil {
		c.logger.Warn().Err(err).Str("server", addr).Msg("Failed to start connecting")
		c.failed()
		return
	}
	c.server = handle
	c.logger.Debug().Str("server", addr).Int("attempt", c.retry.failures+1).Msg("Connecting")
}

// failed schedules the next dial or gives up.
func (c *Client) failed() {
	c.server = transport.NilPeer
	c.rtt.Remove(serverKey)

	if !c.cfg.Reconnect.Enabled {
		c.gaveUp = true
		c.logger.Warn().Msg("Server lost, reconnect disabled")
		return
	}

	delay, ok := c.retry.next()
	c.attempts.Store(int32(c.retry.failures))
	if !ok {
		c.gaveUp = true
		c.logger.Error().
			Int("attempts", c.retry.failures-1).
			Msg("Giving up on server")
		c.push(inbound{status: &clientStatus{
			err: &transport.TransportError{
				Kind: transport.ConnectFailed,
				Addr: c.cfg.serverAddr(),
				Err:  ErrReconnectExhausted,
			},
		}})
		return
	}
	c.nextDial = c.clock.Now().Add(delay)
	c.logger.Info().
		Int("attempt", c.retry.failures).
		Int("max_attempts", c.cfg.Reconnect.MaxAttempts).
		Dur("delay", delay).
		Msg("Retrying connection")
}

// handle runs on the background goroutine.
func (c *Client) handle(ev transport.Event) {
	if ev.Peer != c.server {
		return
	}
	switch ev.Type {
	case transport.EventConnected:
		c.linkUp = true
		c.retry.reset()
		c.attempts.Store(0)
		c.push(inbound{status: &clientStatus{connected: true}})

	case transport.EventDisconnected, transport.EventTimedOut:
		if c.linkUp {
			c.linkUp = false
			c.push(inbound{status: &clientStatus{connected: false, err: ev.Err}})
		} else {
			c.logger.Debug().Err(ev.Err).Msg("Connect attempt failed")
		}
		c.failed()

	case transport.EventReceive:
		msg, err := wire.Decode(ev.Data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping undecodable message")
			return
		}
		switch msg.(type) {
		case wire.Sync:
			c.sendPing()
			c.push(inbound{msg: msg})
		case wire.RoundTripPong:
			c.rtt.PongReceived(serverKey)
		case wire.RoundTripPing:
		default:
			c.push(inbound{msg: msg})
		}
	}
}

func (c *Client) sendPing() {
	if err := c.net.Send(c.server, pingData, transport.Unreliable); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send ping")
		return
	}
	c.rtt.PingSent(serverKey)
}

func (c *Client) push(item inbound) {
	if !c.in.Push(item) {
		c.logger.Warn().Msg("Inbound queue full, dropping message")
	}
}
