package transport

import (
	"net"
	"time"
)

type peerState int

const (
	stateConnecting peerState = iota
	stateConnected
)

// pendingPacket is a reliable datagram waiting for its ack.
type pendingPacket struct {
	seq       uint32
	datagram  []byte
	firstSent time.Time
	lastSent  time.Time
	attempts  int
}

// peer holds the per-connection state of a Host. It is only touched by the
// goroutine servicing the Host.
type peer struct {
	handle PeerHandle
	addr   *net.UDPAddr
	connID uint32
	state  peerState

	startedAt time.Time
	lastHeard time.Time
	lastSent  time.Time

	// outbound reliable channel
	nextSeq uint32
	pending []*pendingPacket

	// inbound reliable channel
	recvNext uint32
	reorder  map[uint32][]byte
}

func newPeer(addr *net.UDPAddr, connID uint32, now time.Time) *peer {
	return &peer{
		handle:    newPeerHandle(),
		addr:      addr,
		connID:    connID,
		state:     stateConnecting,
		startedAt: now,
		lastHeard: now,
		reorder:   make(map[uint32][]byte),
	}
}

// queueReliable assigns the next sequence number to payload and returns the
// datagram to put on the wire. The datagram stays pending until acked.
func (p *peer) queueReliable(payload []byte, now time.Time) []byte {
	seq := p.nextSeq
	p.nextSeq++
	datagram := encodeReliable(p.connID, seq, payload)
	p.pending = append(p.pending, &pendingPacket{
		seq:       seq,
		datagram:  datagram,
		firstSent: now,
		lastSent:  now,
		attempts:  1,
	})
	return datagram
}

// acknowledge drops the pending packet with seq. It reports whether one was
// found.
func (p *peer) acknowledge(seq uint32) bool {
	for i, pp := range p.pending {
		if pp.seq == seq {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return true
		}
	}
	return false
}

// dueForResend returns the pending packets whose last transmission is at
// least interval old, marking them as sent at now.
func (p *peer) dueForResend(now time.Time, interval time.Duration) [][]byte {
	var out [][]byte
	for _, pp := range p.pending {
		if now.Sub(pp.lastSent) >= interval {
			pp.lastSent = now
			pp.attempts++
			out = append(out, pp.datagram)
		}
	}
	return out
}

// oldestPending returns when the oldest unacked packet was first sent.
func (p *peer) oldestPending() (time.Time, bool) {
	if len(p.pending) == 0 {
		return time.Time{}, false
	}
	return p.pending[0].firstSent, true
}

// receiveReliable processes an inbound reliable packet. It returns the
// payloads that became deliverable, in order, and whether the packet should
// be acknowledged. Duplicates are acked again but not delivered; packets
// beyond the reorder window are neither stored nor acked so the sender
// retransmits them later.
func (p *peer) receiveReliable(seq uint32, payload []byte, window int) ([][]byte, bool) {
	if seqLess(seq, p.recvNext) {
		return nil, true
	}
	if ahead := seq - p.recvNext; ahead >= uint32(window) {
		return nil, false
	}
	if seq != p.recvNext {
		if _, ok := p.reorder[seq]; !ok {
			p.reorder[seq] = clone(payload)
		}
		return nil, true
	}

	delivered := [][]byte{clone(payload)}
	p.recvNext++
	for {
		next, ok := p.reorder[p.recvNext]
		if !ok {
			break
		}
		delete(p.reorder, p.recvNext)
		delivered = append(delivered, next)
		p.recvNext++
	}
	return delivered, true
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
