// Package transport implements a small connection-oriented protocol over UDP
// with two delivery classes: unreliable-unordered datagrams for state that the
// next tick supersedes, and reliable-ordered datagrams for discrete control
// transitions. A Host is serviced by exactly one goroutine that calls
// PollEvents in a loop; no Host method is safe for concurrent use.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors returned by the transport package.
var (
	ErrClosed         = errors.New("transport closed")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrNotConnected   = errors.New("peer not connected")
	ErrPacketTooLarge = errors.New("packet too large")
	ErrAlreadyDialing = errors.New("connect already in progress")
	ErrServerRole     = errors.New("operation not available on a listening host")

	ErrConnectFailed = errors.New("connect failed")
	ErrTimeout       = errors.New("peer timed out")
	ErrDisconnected  = errors.New("peer disconnected")
)

// Delivery selects how a payload travels to its peer.
type Delivery int

const (
	// Unreliable datagrams may be dropped, duplicated or reordered.
	Unreliable Delivery = iota
	// Reliable datagrams are retransmitted until acknowledged and delivered
	// in send order per peer.
	Reliable
)

// String returns a string representation of the delivery class.
func (d Delivery) String() string {
	switch d {
	case Unreliable:
		return "Unreliable"
	case Reliable:
		return "Reliable"
	default:
		return "Unknown"
	}
}

// PeerHandle identifies a connection. It is created when a peer connects and
// is never reused.
type PeerHandle uuid.UUID

// NilPeer is the zero handle.
var NilPeer PeerHandle

// String returns a string representation of the handle.
func (p PeerHandle) String() string {
	return uuid.UUID(p).String()
}

// IsNil reports whether p is the zero handle.
func (p PeerHandle) IsNil() bool {
	return p == NilPeer
}

func newPeerHandle() PeerHandle {
	return PeerHandle(uuid.New())
}

// EventType discriminates the events returned by PollEvents.
type EventType int

const (
	// EventConnected reports a completed handshake.
	EventConnected EventType = iota
	// EventDisconnected reports an orderly disconnect by either side.
	EventDisconnected
	// EventTimedOut reports a peer that went silent or never answered the
	// handshake.
	EventTimedOut
	// EventReceive carries a payload from a peer.
	EventReceive
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventTimedOut:
		return "TimedOut"
	case EventReceive:
		return "Receive"
	default:
		return "Unknown"
	}
}

// Event is a single occurrence reported by PollEvents.
type Event struct {
	Type EventType
	Peer PeerHandle
	// Data is set for EventReceive. It is owned by the receiver.
	Data []byte
	// Delivery is the class Data arrived on.
	Delivery Delivery
	// Err is a *TransportError for EventDisconnected and EventTimedOut.
	Err error
}

// TransportErrorKind classifies a connection failure.
type TransportErrorKind int

const (
	// ConnectFailed means the handshake never completed.
	ConnectFailed TransportErrorKind = iota
	// Timeout means an established peer went silent.
	Timeout
	// Disconnected means the connection was closed by either side.
	Disconnected
)

// String returns a string representation of the kind.
func (k TransportErrorKind) String() string {
	switch k {
	case ConnectFailed:
		return "ConnectFailed"
	case Timeout:
		return "Timeout"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// TransportError describes the end of a connection.
type TransportError struct {
	Kind TransportErrorKind
	Peer PeerHandle
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport %s: peer %s", e.Kind, e.Peer)
	if e.Addr != "" {
		msg += " (" + e.Addr + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is match a TransportError against the package sentinels.
func (e *TransportError) Is(target error) bool {
	switch e.Kind {
	case ConnectFailed:
		return target == ErrConnectFailed
	case Timeout:
		return target == ErrTimeout
	case Disconnected:
		return target == ErrDisconnected
	}
	return false
}

// Config contains configuration options for a Host.
type Config struct {
	// MaxConnections caps the number of peers a listening host accepts.
	MaxConnections int
	// TimeoutScale multiplies PeerTimeout; it mirrors the per-peer timeout
	// multiplier exposed to operators.
	TimeoutScale uint32
	// PeerTimeout is the silence after which a peer is timed out, before
	// scaling.
	PeerTimeout time.Duration
	// ConnectTimeout bounds the handshake. Zero means the scaled PeerTimeout.
	ConnectTimeout time.Duration
	// ResendInterval is the retransmission period for unacknowledged
	// reliable packets and handshake attempts.
	ResendInterval time.Duration
	// KeepAliveInterval is the longest a connected peer goes without hearing
	// from this host.
	KeepAliveInterval time.Duration
	// MaxPacketSize bounds the payload of a single Send.
	MaxPacketSize int
	// ReorderWindow bounds how far ahead of the next expected sequence a
	// reliable packet may arrive and still be buffered.
	ReorderWindow int
	// MaxReadBatch bounds how many datagrams one PollEvents call consumes.
	MaxReadBatch int
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnections:    32,
		TimeoutScale:      2,
		PeerTimeout:       time.Second,
		ResendInterval:    50 * time.Millisecond,
		KeepAliveInterval: 250 * time.Millisecond,
		MaxPacketSize:     1200,
		ReorderWindow:     1024,
		MaxReadBatch:      64,
	}
}

// scaledPeerTimeout returns the effective silence limit.
func (c Config) scaledPeerTimeout() time.Duration {
	scale := c.TimeoutScale
	if scale == 0 {
		scale = 1
	}
	return c.PeerTimeout * time.Duration(scale)
}

// connectTimeout returns the effective handshake limit.
func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return c.scaledPeerTimeout()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = d.PeerTimeout
	}
	if c.ResendInterval <= 0 {
		c.ResendInterval = d.ResendInterval
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = d.MaxPacketSize
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = d.ReorderWindow
	}
	if c.MaxReadBatch <= 0 {
		c.MaxReadBatch = d.MaxReadBatch
	}
	return c
}
