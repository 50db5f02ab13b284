// Package clocksync keeps the playback clock of follower nodes aligned with a
// single authoritative node. A Server samples its timeline every tick and
// streams the position to connected Clients, which correct their own timeline
// for network delay and drift.
//
// Both engines follow the same lifecycle: Init starts a background goroutine
// that owns the network host, Tick is called from the foreground at the
// caller's frame rate, and Shutdown stops the goroutine and releases the
// host. The foreground and the background goroutine only meet through
// bounded queues, so Tick never blocks on the network.
package clocksync

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lfosync/lfosync/internal/transport"
	"github.com/rs/zerolog"
)

// Common errors returned by the clocksync package.
var (
	ErrNilTimeline         = errors.New("timeline is nil")
	ErrAlreadyInitialized  = errors.New("engine already initialized")
	ErrNotInitialized      = errors.New("engine not initialized")
	ErrShutdown            = errors.New("engine shut down")
	ErrQueueFull           = errors.New("outbound queue full")
	ErrReconnectExhausted  = errors.New("reconnect attempts exhausted")
	ErrSessionExists       = errors.New("session already registered")
	ErrUnknownSession      = errors.New("unknown session")
	ErrPlaylistEnd         = errors.New("end of playlist")
	ErrInvalidPlaylistItem = errors.New("playlist index out of range")
)

// Timeline is the playback clock an engine reads from and writes to.
// Positions and durations are in seconds.
type Timeline interface {
	GetPosition() float64
	SetPosition(position float64)
	GetSpeed() float64
	SetSpeed(speed float64)
	GetPause() bool
	SetPause(paused bool)
	GetFramerate() float64
	GetDurationSeconds() float64
}

// Advancer is implemented by timelines that move only when told to. Engines
// advance them by the tick delta while unpaused.
type Advancer interface {
	Advance(dt float64)
}

// Lifecycle is the state of an engine.
type Lifecycle int

const (
	// LifecycleIdle means Init has not been called.
	LifecycleIdle Lifecycle = iota
	// LifecycleWarmup means the server is up but holds its timeline paused.
	LifecycleWarmup
	// LifecycleRunning means the engine is synchronizing.
	LifecycleRunning
	// LifecycleStopped means Shutdown has been called.
	LifecycleStopped
)

// String returns a string representation of the lifecycle state.
func (l Lifecycle) String() string {
	switch l {
	case LifecycleIdle:
		return "Idle"
	case LifecycleWarmup:
		return "Warmup"
	case LifecycleRunning:
		return "Running"
	case LifecycleStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Network is the part of a transport host an engine drives. It is only ever
// touched by the engine's background goroutine.
type Network interface {
	PollEvents(timeout time.Duration) ([]transport.Event, error)
	Send(peer transport.PeerHandle, data []byte, class transport.Delivery) error
	Broadcast(data []byte, class transport.Delivery) error
	Close() error
}

// ClientNetwork is a Network that dials a server.
type ClientNetwork interface {
	Network
	Connect(addr string) (transport.PeerHandle, error)
}

// ListenFunc opens the server side network on addr.
type ListenFunc func(addr string, cfg transport.Config) (Network, error)

// DialFunc opens a client side network; the engine calls Connect on it.
type DialFunc func(cfg transport.Config) (ClientNetwork, error)

type options struct {
	clock  clockwork.Clock
	logger *zerolog.Logger
	listen ListenFunc
	dial   DialFunc
	// manual disables the background goroutine; the caller steps the loop.
	manual bool
}

// Option configures an engine.
type Option func(*options)

// WithClock sets the clock used for warmup, RTT, pacing and backoff.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

// WithListener replaces the UDP listener used by a Server.
func WithListener(fn ListenFunc) Option {
	return func(o *options) {
		o.listen = fn
	}
}

// WithDialer replaces the UDP dialer used by a Client.
func WithDialer(fn DialFunc) Option {
	return func(o *options) {
		o.dial = fn
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	clock := o.clock
	if o.listen == nil {
		o.listen = func(addr string, cfg transport.Config) (Network, error) {
			host, err := transport.Listen(addr, cfg, transport.WithClock(clock))
			if err != nil {
				return nil, err
			}
			return host, nil
		}
	}
	if o.dial == nil {
		o.dial = func(cfg transport.Config) (ClientNetwork, error) {
			host, err := transport.NewClient(cfg, transport.WithClock(clock))
			if err != nil {
				return nil, err
			}
			return host, nil
		}
	}
	return o
}
