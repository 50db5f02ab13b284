package transport

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lfosync/lfosync/internal/log"
	"github.com/rs/zerolog"
)

// drainWait is how long PollEvents waits for each further datagram once it
// already has something to report.
const drainWait = 200 * time.Microsecond

// readBufferSize fits any UDP datagram.
const readBufferSize = 64 * 1024

var errRejected = errors.New("connection rejected by server")

// Option configures a Host.
type Option func(*Host)

// WithClock sets the clock used for protocol timers. Socket read deadlines
// always use wall time.
func WithClock(clock clockwork.Clock) Option {
	return func(h *Host) {
		h.clock = clock
	}
}

// WithLogger sets the logger used for connection diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// Host is one endpoint of the protocol: a listening server that accepts
// peers, or a client that connects to one server.
type Host struct {
	conn      *net.UDPConn
	cfg       Config
	clock     clockwork.Clock
	logger    zerolog.Logger
	listening bool

	peers  map[PeerHandle]*peer
	byAddr map[string]*peer
	events []Event

	readBuf []byte
	closed  bool
}

// Listen creates a server host bound to addr (for example ":7777").
func Listen(addr string, cfg Config, opts ...Option) (*Host, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", addr, err)
	}
	h := newHost(conn, cfg, opts)
	h.listening = true
	h.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("Listening for peers")
	return h, nil
}

// NewClient creates a client host bound to an ephemeral local port. Call
// Connect to start the handshake.
func NewClient(cfg Config, opts ...Option) (*Host, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("failed to open client socket: %w", err)
	}
	return newHost(conn, cfg, opts), nil
}

func newHost(conn *net.UDPConn, cfg Config, opts []Option) *Host {
	h := &Host{
		conn:    conn,
		cfg:     cfg.withDefaults(),
		clock:   clockwork.NewRealClock(),
		logger:  log.With("transport"),
		peers:   make(map[PeerHandle]*peer),
		byAddr:  make(map[string]*peer),
		readBuf: make([]byte, readBufferSize),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// LocalAddr returns the bound local address.
func (h *Host) LocalAddr() *net.UDPAddr {
	return h.conn.LocalAddr().(*net.UDPAddr)
}

// Connect starts a handshake with the server at addr. It returns at once;
// the outcome is reported by PollEvents as EventConnected, or EventTimedOut
// once ConnectTimeout elapses.
func (h *Host) Connect(addr string) (PeerHandle, error) {
	if h.closed {
		return NilPeer, ErrClosed
	}
	if h.listening {
		return NilPeer, ErrServerRole
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return NilPeer, fmt.Errorf("failed to resolve server address %q: %w", addr, err)
	}
	if _, exists := h.byAddr[raddr.String()]; exists {
		return NilPeer, ErrAlreadyDialing
	}

	connID := rand.Uint32()
	for connID == 0 {
		connID = rand.Uint32()
	}
	p := newPeer(raddr, connID, h.clock.Now())
	h.addPeer(p)
	h.write(p, encodeControl(kindConnect, connID))

	h.logger.Debug().
		Str("peer", p.handle.String()).
		Str("addr", raddr.String()).
		Msg("Connecting")
	return p.handle, nil
}

// Send queues data for one peer on the given delivery class.
func (h *Host) Send(handle PeerHandle, data []byte, class Delivery) error {
	if h.closed {
		return ErrClosed
	}
	p, ok := h.peers[handle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, handle)
	}
	if p.state != stateConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, handle)
	}
	if len(data) > h.cfg.MaxPacketSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPacketTooLarge, len(data), h.cfg.MaxPacketSize)
	}
	h.sendTo(p, data, class)
	return nil
}

// Broadcast sends data to every connected peer.
func (h *Host) Broadcast(data []byte, class Delivery) error {
	if h.closed {
		return ErrClosed
	}
	if len(data) > h.cfg.MaxPacketSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPacketTooLarge, len(data), h.cfg.MaxPacketSize)
	}
	for _, p := range h.peers {
		if p.state == stateConnected {
			h.sendTo(p, data, class)
		}
	}
	return nil
}

func (h *Host) sendTo(p *peer, data []byte, class Delivery) {
	switch class {
	case Reliable:
		h.write(p, p.queueReliable(data, h.clock.Now()))
	default:
		h.write(p, encodeUnreliable(p.connID, data))
	}
}

// Disconnect closes the connection to a peer. The remote side is notified on
// a best-effort basis and an EventDisconnected is reported locally.
func (h *Host) Disconnect(handle PeerHandle) error {
	if h.closed {
		return ErrClosed
	}
	p, ok := h.peers[handle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, handle)
	}
	h.write(p, encodeControl(kindDisconnect, p.connID))
	h.dropPeer(p, EventDisconnected, Disconnected, nil)
	return nil
}

// Peers returns the handles of all connected peers.
func (h *Host) Peers() []PeerHandle {
	out := make([]PeerHandle, 0, len(h.peers))
	for handle, p := range h.peers {
		if p.state == stateConnected {
			out = append(out, handle)
		}
	}
	return out
}

// PeerCount returns the number of connected peers.
func (h *Host) PeerCount() int {
	n := 0
	for _, p := range h.peers {
		if p.state == stateConnected {
			n++
		}
	}
	return n
}

// PeerAddr returns the remote address of a peer, or "" if unknown.
func (h *Host) PeerAddr(handle PeerHandle) string {
	if p, ok := h.peers[handle]; ok {
		return p.addr.String()
	}
	return ""
}

// PollEvents runs protocol timers, then reads datagrams for at most timeout
// and returns everything that happened. Malformed datagrams are logged and
// dropped.
func (h *Host) PollEvents(timeout time.Duration) ([]Event, error) {
	if h.closed {
		return nil, ErrClosed
	}
	h.service()

	deadline := time.Now().Add(timeout)
	for i := 0; i < h.cfg.MaxReadBatch; i++ {
		if i > 0 || len(h.events) > 0 || timeout <= 0 {
			deadline = time.Now().Add(drainWait)
		}
		if err := h.conn.SetReadDeadline(deadline); err != nil {
			return h.takeEvents(), fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, addr, err := h.conn.ReadFromUDP(h.readBuf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				h.closed = true
				return h.takeEvents(), ErrClosed
			}
			h.logger.Debug().Err(err).Msg("Read failed")
			break
		}
		h.handleDatagram(addr, h.readBuf[:n])
	}

	return h.takeEvents(), nil
}

// Close notifies connected peers and releases the socket. No events are
// reported for peers dropped by Close.
func (h *Host) Close() error {
	if h.closed {
		return nil
	}
	for _, p := range h.peers {
		if p.state == stateConnected {
			h.write(p, encodeControl(kindDisconnect, p.connID))
		}
	}
	h.peers = make(map[PeerHandle]*peer)
	h.byAddr = make(map[string]*peer)
	h.events = nil
	h.closed = true

	if err := h.conn.Close(); err != nil {
		return fmt.Errorf("failed to close socket: %w", err)
	}
	return nil
}

// service drives handshake retries, retransmissions, keepalives and
// timeouts.
func (h *Host) service() {
	now := h.clock.Now()
	peerTimeout := h.cfg.scaledPeerTimeout()

	for _, p := range h.peers {
		if p.state == stateConnecting {
			if now.Sub(p.startedAt) >= h.cfg.connectTimeout() {
				h.dropPeer(p, EventTimedOut, ConnectFailed, ErrTimeout)
				continue
			}
			if now.Sub(p.lastSent) >= h.cfg.ResendInterval {
				h.write(p, encodeControl(kindConnect, p.connID))
			}
			continue
		}

		if now.Sub(p.lastHeard) >= peerTimeout {
			h.dropPeer(p, EventTimedOut, Timeout, nil)
			continue
		}
		if oldest, ok := p.oldestPending(); ok && now.Sub(oldest) >= peerTimeout {
			h.dropPeer(p, EventTimedOut, Timeout, errors.New("reliable packet never acknowledged"))
			continue
		}
		for _, datagram := range p.dueForResend(now, h.cfg.ResendInterval) {
			h.write(p, datagram)
		}
		if now.Sub(p.lastSent) >= h.cfg.KeepAliveInterval {
			h.write(p, encodeControl(kindPing, p.connID))
		}
	}
}

func (h *Host) handleDatagram(addr *net.UDPAddr, data []byte) {
	pkt, err := decodePacket(data)
	if err != nil {
		h.logger.Debug().Err(err).Str("addr", addr.String()).Msg("Dropping malformed datagram")
		return
	}
	now := h.clock.Now()
	p := h.byAddr[addr.String()]

	if pkt.kind == kindConnect {
		h.handleConnect(addr, p, pkt.connID, now)
		return
	}
	if p == nil || p.connID != pkt.connID {
		h.logger.Debug().
			Str("addr", addr.String()).
			Stringer("kind", pkt.kind).
			Msg("Dropping datagram from unknown connection")
		return
	}
	p.lastHeard = now

	switch pkt.kind {
	case kindAccept:
		h.promote(p, now)
	case kindDisconnect:
		if p.state == stateConnecting {
			h.dropPeer(p, EventDisconnected, ConnectFailed, errRejected)
		} else {
			h.dropPeer(p, EventDisconnected, Disconnected, nil)
		}
	case kindPing:
		h.promote(p, now)
	case kindUnreliable:
		h.promote(p, now)
		h.events = append(h.events, Event{
			Type:     EventReceive,
			Peer:     p.handle,
			Data:     clone(pkt.payload),
			Delivery: Unreliable,
		})
	case kindReliable:
		h.promote(p, now)
		delivered, ack := p.receiveReliable(pkt.seq, pkt.payload, h.cfg.ReorderWindow)
		if ack {
			h.write(p, encodeAck(p.connID, pkt.seq))
		}
		for _, payload := range delivered {
			h.events = append(h.events, Event{
				Type:     EventReceive,
				Peer:     p.handle,
				Data:     payload,
				Delivery: Reliable,
			})
		}
	case kindAck:
		h.promote(p, now)
		p.acknowledge(pkt.seq)
	}
}

func (h *Host) handleConnect(addr *net.UDPAddr, existing *peer, connID uint32, now time.Time) {
	if !h.listening {
		return
	}
	if existing != nil {
		if existing.connID == connID {
			existing.lastHeard = now
			h.write(existing, encodeControl(kindAccept, connID))
			return
		}
		// Same address, new session: the old one is gone.
		h.dropPeer(existing, EventDisconnected, Disconnected, errors.New("replaced by a new connection"))
	}
	if len(h.peers) >= h.cfg.MaxConnections {
		h.writeTo(addr, encodeControl(kindDisconnect, connID))
		h.logger.Warn().
			Str("addr", addr.String()).
			Int("max_connections", h.cfg.MaxConnections).
			Msg("Rejecting peer, connection limit reached")
		return
	}

	peerAddr := *addr
	p := newPeer(&peerAddr, connID, now)
	p.state = stateConnected
	h.addPeer(p)
	h.write(p, encodeControl(kindAccept, connID))
	h.events = append(h.events, Event{Type: EventConnected, Peer: p.handle})

	h.logger.Info().
		Str("peer", p.handle.String()).
		Str("addr", addr.String()).
		Int("peers", len(h.peers)).
		Msg("Peer connected")
}

// promote completes a client handshake. Any valid traffic from the server
// proves it accepted us, so a lost accept does not stall the connection.
func (h *Host) promote(p *peer, now time.Time) {
	if p.state != stateConnecting {
		return
	}
	p.state = stateConnected
	p.startedAt = now
	h.events = append(h.events, Event{Type: EventConnected, Peer: p.handle})

	h.logger.Info().
		Str("peer", p.handle.String()).
		Str("addr", p.addr.String()).
		Msg("Connected to server")
}

func (h *Host) addPeer(p *peer) {
	h.peers[p.handle] = p
	h.byAddr[p.addr.String()] = p
}

func (h *Host) dropPeer(p *peer, eventType EventType, kind TransportErrorKind, cause error) {
	delete(h.peers, p.handle)
	if h.byAddr[p.addr.String()] == p {
		delete(h.byAddr, p.addr.String())
	}
	terr := &TransportError{Kind: kind, Peer: p.handle, Addr: p.addr.String(), Err: cause}
	h.events = append(h.events, Event{Type: eventType, Peer: p.handle, Err: terr})

	h.logger.Info().
		Str("peer", p.handle.String()).
		Str("addr", p.addr.String()).
		Stringer("reason", kind).
		Msg("Peer dropped")
}

func (h *Host) write(p *peer, datagram []byte) {
	p.lastSent = h.clock.Now()
	h.writeTo(p.addr, datagram)
}

func (h *Host) writeTo(addr *net.UDPAddr, datagram []byte) {
	if _, err := h.conn.WriteToUDP(datagram, addr); err != nil {
		// Datagram loss is indistinguishable from a failed write; the
		// reliable channel and timeouts cover both.
		h.logger.Debug().Err(err).Str("addr", addr.String()).Msg("Write failed")
	}
}

func (h *Host) takeEvents() []Event {
	events := h.events
	h.events = nil
	return events
}
