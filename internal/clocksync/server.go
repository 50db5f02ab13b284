package clocksync

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
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

// ServerState is a point-in-time view of a Server.
type ServerState struct {
	Lifecycle Lifecycle
	Position  float64
	Speed     float64
	Paused    bool
	Item      int32
	Sequence  uint64
	Peers     int
}

// snapshot is what a newly connected peer is sent. The foreground writes it
// and the background goroutine reads it.
type snapshot struct {
	position float64
	speed    float64
	paused   bool
	item     int32
	sequence uint64
}

// Server is the authoritative engine. It broadcasts its timeline to every
// connected client.
type Server struct {
	Observers

	cfg      ServerConfig
	timeline Timeline
	opts     options
	clock    clockwork.Clock
	logger   zerolog.Logger

	out     *queue.Queue[outbound]
	notices *queue.Queue[error]
	rtt     *rtt.Tracker[transport.PeerHandle]
	io      *ioLoop

	// owned by the background goroutine
	peers     map[transport.PeerHandle]struct{}
	peerCount atomic.Int32

	mu        sync.Mutex
	lifecycle Lifecycle
	snap      snapshot

	// owned by the foreground
	sequence    uint64
	accum       float64
	item        int32
	prevSpeed   float64
	prevPause   bool
	warmupStart time.Time
}

// NewServer creates a server engine driving timeline. The network is opened
// by Init.
func NewServer(cfg ServerConfig, timeline Timeline, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if timeline == nil {
		return nil, ErrNilTimeline
	}
	o := buildOptions(opts)
	logger := log.With("clocksync.server")
	if o.logger != nil {
		logger = *o.logger
	}
	return &Server{
		cfg:      cfg,
		timeline: timeline,
		opts:     o,
		clock:    o.clock,
		logger:   logger,
		out:      queue.New[outbound](cfg.QueueCapacity),
		notices:  queue.New[error](cfg.QueueCapacity),
		rtt:      rtt.New[transport.PeerHandle](o.clock),
		peers:    make(map[transport.PeerHandle]struct{}),
	}, nil
}

// Init opens the listening socket and starts the background goroutine. With
// a warmup delay configured the timeline is paused until the delay elapses
// or Activate is called.
func (s *Server) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.lifecycle != LifecycleIdle {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.mu.Unlock()

	addr := net.JoinHostPort("", strconv.Itoa(s.cfg.Port))
	network, err := s.opts.listen(addr, s.cfg.transportConfig())
	if err != nil {
		return fmt.Errorf("failed to open server network: %w", err)
	}
	s.io = &ioLoop{
		net:      network,
		out:      s.out,
		clock:    s.clock,
		logger:   s.logger,
		poll:     s.cfg.PollInterval,
		interval: s.cfg.interval(),
		sent:     s.sent,
		handle:   s.handle,
	}

	s.prevSpeed = s.timeline.GetSpeed()
	s.prevPause = s.timeline.GetPause()
	lifecycle := LifecycleRunning
	if s.cfg.WarmupDelay > 0 {
		s.timeline.SetPause(true)
		s.prevPause = true
		s.warmupStart = s.clock.Now()
		lifecycle = LifecycleWarmup
	}

	s.mu.Lock()
	s.lifecycle = lifecycle
	s.mu.Unlock()
	s.storeSnapshot()

	if !s.opts.manual {
		s.io.start(ctx)
	}

	s.logger.Info().
		Str("addr", addr).
		Stringer("state", lifecycle).
		Float64("update_frequency", s.cfg.UpdateFrequency).
		Msg("Server started")
	return nil
}

// Activate ends the warmup early and unpauses the timeline.
func (s *Server) Activate() {
	s.mu.Lock()
	if s.lifecycle != LifecycleWarmup {
		s.mu.Unlock()
		return
	}
	s.lifecycle = LifecycleRunning
	s.mu.Unlock()

	s.timeline.SetPause(false)
	s.logger.Info().Msg("Warmup finished")
}

// Lifecycle returns the current lifecycle state.
func (s *Server) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Tick advances the server by dt seconds. Speed and pause changes since the
// last tick are sent on the reliable class, and a Sync is broadcast
// whenever a full update period has accumulated.
func (s *Server) Tick(dt float64) {
	lifecycle := s.Lifecycle()
	if lifecycle != LifecycleWarmup && lifecycle != LifecycleRunning {
		return
	}
	s.drainNotices()

	if lifecycle == LifecycleWarmup && s.clock.Since(s.warmupStart) >= s.cfg.WarmupDelay {
		s.Activate()
	}

	if adv, ok := s.timeline.(Advancer); ok && !s.timeline.GetPause() {
		adv.Advance(dt)
	}

	// The snapshot is updated before the change is queued so a peer that
	// connects in between gets the new value from one or the other.
	if speed := s.timeline.GetSpeed(); speed != s.prevSpeed {
		s.prevSpeed = speed
		s.storeSnapshot()
		_ = s.enqueue(wire.Speed{Value: speed})
	}
	if paused := s.timeline.GetPause(); paused != s.prevPause {
		s.prevPause = paused
		s.storeSnapshot()
		_ = s.enqueue(wire.Pause{Paused: paused})
	}

	if dt > 0 {
		s.accum += dt
	}
	period := 1 / s.cfg.UpdateFrequency
	if s.accum >= period {
		s.accum = math.Mod(s.accum, period)
		s.sequence++
		_ = s.enqueue(wire.Sync{Sequence: s.sequence, Position: s.timeline.GetPosition()})
	}

	s.storeSnapshot()
}

// SetSpeed changes the playback speed and tells every client.
func (s *Server) SetSpeed(speed float64) error {
	s.timeline.SetSpeed(speed)
	s.prevSpeed = speed
	s.storeSnapshot()
	return s.enqueue(wire.Speed{Value: speed})
}

// SetPause pauses or resumes playback and tells every client.
func (s *Server) SetPause(paused bool) error {
	s.timeline.SetPause(paused)
	s.prevPause = paused
	s.storeSnapshot()
	return s.enqueue(wire.Pause{Paused: paused})
}

// ChangeItem switches the active media item and rewinds the timeline.
func (s *Server) ChangeItem(index int32) error {
	if index < 0 || (s.cfg.PlaylistLength > 0 && index >= s.cfg.PlaylistLength) {
		return fmt.Errorf("%w: %d", ErrInvalidPlaylistItem, index)
	}
	s.item = index
	s.timeline.SetPosition(0)
	s.storeSnapshot()
	return s.enqueue(wire.ChangeItem{Index: index})
}

// NextItem moves to the following playlist item, wrapping to the first when
// PlaylistLoop is set. It returns the active index.
func (s *Server) NextItem() (int32, error) {
	next := s.item + 1
	if s.cfg.PlaylistLength > 0 && next >= s.cfg.PlaylistLength {
		if !s.cfg.PlaylistLoop {
			return s.item, ErrPlaylistEnd
		}
		next = 0
	}
	if err := s.ChangeItem(next); err != nil {
		return s.item, err
	}
	return next, nil
}

// SendCustomCommand broadcasts a named command.
func (s *Server) SendCustomCommand(name string) error {
	return s.enqueue(wire.CustomCommand{Name: name})
}

// SendCustomCommandWithData broadcasts a named command with a payload.
func (s *Server) SendCustomCommandWithData(name string, payload []byte) error {
	return s.enqueue(wire.CustomCommandWithData{Name: name, Payload: payload})
}

// State returns a snapshot of the server.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServerState{
		Lifecycle: s.lifecycle,
		Position:  s.snap.position,
		Speed:     s.snap.speed,
		Paused:    s.snap.paused,
		Item:      s.snap.item,
		Sequence:  s.snap.sequence,
		Peers:     int(s.peerCount.Load()),
	}
}

// PeerCount returns the number of connected clients.
func (s *Server) PeerCount() int {
	return int(s.peerCount.Load())
}

// PeerRTTs returns the RTT estimate for every connected client.
func (s *Server) PeerRTTs() map[transport.PeerHandle]time.Duration {
	out := make(map[transport.PeerHandle]time.Duration)
	for peer, sample := range s.rtt.Snapshot() {
		out[peer] = sample.RTT
	}
	return out
}

// Shutdown stops the background goroutine and closes the socket.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.lifecycle == LifecycleStopped {
		s.mu.Unlock()
		return nil
	}
	started := s.lifecycle != LifecycleIdle
	s.lifecycle = LifecycleStopped
	s.mu.Unlock()

	if !started {
		return nil
	}
	s.io.stop()
	if err := s.io.net.Close(); err != nil {
		return fmt.Errorf("failed to close server network: %w", err)
	}
	s.logger.Info().Uint64("sequence", s.sequence).Msg("Server stopped")
	return nil
}

func (s *Server) enqueue(msg wire.Message) error {
	if s.Lifecycle() == LifecycleStopped {
		return ErrShutdown
	}
	item, err := encodeOutbound(msg, transport.NilPeer)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Tag(), err)
	}
	if !s.out.Push(item) {
		s.logger.Warn().Stringer("tag", msg.Tag()).Msg("Outbound queue full, dropping message")
		return ErrQueueFull
	}
	return nil
}

func (s *Server) storeSnapshot() {
	snap := snapshot{
		position: s.timeline.GetPosition(),
		speed:    s.prevSpeed,
		paused:   s.prevPause,
		item:     s.item,
		sequence: s.sequence,
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Server) drainNotices() {
	for _, err := range s.notices.Drain() {
		s.each(func(o Observer) { o.TransportError(err) })
	}
}

// sent runs on the background goroutine. A Sync broadcast starts an RTT
// probe for every peer; the client answers it with a ping.
func (s *Server) sent(item outbound) {
	if !item.sync {
		return
	}
	for peer := range s.peers {
		s.rtt.PingSent(peer)
	}
}

// handle runs on the background goroutine.
func (s *Server) handle(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnected:
		s.peers[ev.Peer] = struct{}{}
		s.peerCount.Store(int32(len(s.peers)))
		s.sendSnapshot(ev.Peer)

	case transport.EventDisconnected, transport.EventTimedOut:
		if _, ok := s.peers[ev.Peer]; !ok {
			return
		}
		delete(s.peers, ev.Peer)
		s.peerCount.Store(int32(len(s.peers)))
		s.rtt.Remove(ev.Peer)
		if ev.Type == transport.EventTimedOut && ev.Err != nil {
			if !s.notices.Push(ev.Err) {
				s.logger.Warn().Err(ev.Err).Msg("Notice queue full, dropping transport error")
			}
		}

	case transport.EventReceive:
		msg, err := wire.Decode(ev.Data)
		if err != nil {
			s.logger.Debug().Err(err).Str("peer", ev.Peer.String()).Msg("Dropping undecodable message")
			return
		}
		switch msg.(type) {
		case wire.RoundTripPing:
			s.answerPing(ev.Peer)
		default:
			s.logger.Debug().
				Str("peer", ev.Peer.String()).
				Stringer("tag", msg.Tag()).
				Msg("Ignoring message from client")
		}
	}
}

func (s *Server) answerPing(peer transport.PeerHandle) {
	if err := s.io.net.Send(peer, pongData, transport.Unreliable); err != nil {
		s.logger.Debug().Err(err).Str("peer", peer.String()).Msg("Failed to answer ping")
	}
	if est, ok := s.rtt.PongReceived(peer); ok {
		s.logger.Trace().Str("peer", peer.String()).Dur("rtt", est).Msg("RTT sample")
	}
}

// sendSnapshot brings a new peer up to date: item first, since a client
// resets its clock when the item changes, then speed and pause.
func (s *Server) sendSnapshot(peer transport.PeerHandle) {
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()

	msgs := []wire.Message{
		wire.ChangeItem{Index: snap.item},
		wire.Speed{Value: snap.speed},
		wire.Pause{Paused: snap.paused},
	}
	for _, msg := range msgs {
		item, err := encodeOutbound(msg, peer)
		if err != nil {
			s.logger.Error().Err(err).Stringer("tag", msg.Tag()).Msg("Failed to encode snapshot")
			continue
		}
		if err := s.io.net.Send(peer, item.data, item.class); err != nil {
			s.logger.Warn().Err(err).Str("peer", peer.String()).Msg("Failed to send snapshot")
			return
		}
	}
	s.logger.Info().
		Str("peer", peer.String()).
		Int32("item", snap.item).
		Float64("speed", snap.speed).
		Bool("paused", snap.paused).
		Msg("Client connected")
}
