package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pollStep = 5 * time.Millisecond

// pump services every host until cond holds or the deadline expires,
// collecting the events seen by each host.
func pump(t *testing.T, hosts []*Host, cond func(events [][]Event) bool) [][]Event {
	t.Helper()
	seen := make([][]Event, len(hosts))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for i, h := range hosts {
			evs, err := h.PollEvents(pollStep)
			require.NoError(t, err)
			seen[i] = append(seen[i], evs...)
		}
		if cond(seen) {
			return seen
		}
	}
	t.Fatalf("condition not met before deadline")
	return nil
}

func hasEvent(events []Event, typ EventType) bool {
	for _, e := range events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func receipts(events []Event) [][]byte {
	var out [][]byte
	for _, e := range events {
		if e.Type == EventReceive {
			out = append(out, e.Data)
		}
	}
	return out
}

func newPair(t *testing.T, cfg Config) (*Host, *Host, PeerHandle) {
	t.Helper()
	server, err := Listen("127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	client, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	handle, err := client.Connect(server.LocalAddr().String())
	require.NoError(t, err)

	pump(t, []*Host{server, client}, func(ev [][]Event) bool {
		return hasEvent(ev[0], EventConnected) && hasEvent(ev[1], EventConnected)
	})
	return server, client, handle
}

func TestHandshake(t *testing.T) {
	server, client, handle := newPair(t, DefaultConfig())

	assert.Equal(t, 1, server.PeerCount())
	assert.Equal(t, 1, client.PeerCount())
	assert.Equal(t, []PeerHandle{handle}, client.Peers())
	assert.Equal(t, server.LocalAddr().String(), client.PeerAddr(handle))
}

func TestReliableDeliveryInOrder(t *testing.T) {
	server, client, _ := newPair(t, DefaultConfig())

	for i := byte(0); i < 20; i++ {
		require.NoError(t, server.Broadcast([]byte{i}, Reliable))
	}

	seen := pump(t, []*Host{server, client}, func(ev [][]Event) bool {
		return len(receipts(ev[1])) >= 20
	})
	got := receipts(seen[1])
	require.Len(t, got, 20)
	for i, data := range got {
		assert.Equal(t, []byte{byte(i)}, data)
	}
}

func TestReliableRetransmitsLostDatagram(t *testing.T) {
	server, client, _ := newPair(t, DefaultConfig())

	require.NoError(t, server.Broadcast([]byte("a"), Reliable))
	require.NoError(t, server.Broadcast([]byte("b"), Reliable))

	// Lose the first reliable datagram before the client host sees it.
	buf := make([]byte, readBufferSize)
	deadline := time.Now().Add(time.Second)
	for {
		require.NoError(t, client.conn.SetReadDeadline(deadline))
		n, _, err := client.conn.ReadFromUDP(buf)
		require.NoError(t, err)
		pkt, err := decodePacket(buf[:n])
		require.NoError(t, err)
		if pkt.kind == kindReliable {
			require.Equal(t, uint32(0), pkt.seq)
			require.Equal(t, []byte("a"), pkt.payload)
			break
		}
	}

	seen := pump(t, []*Host{server, client}, func(ev [][]Event) bool {
		return len(receipts(ev[1])) >= 2
	})
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, receipts(seen[1]))
}

func TestUnreliableFromClient(t *testing.T) {
	server, client, handle := newPair(t, DefaultConfig())

	require.NoError(t, client.Send(handle, []byte("ping"), Unreliable))
	seen := pump(t, []*Host{server, client}, func(ev [][]Event) bool {
		return len(receipts(ev[0])) > 0
	})
	assert.Equal(t, []byte("ping"), receipts(seen[0])[0])
	for _, e := range seen[0] {
		if e.Type == EventReceive {
			assert.Equal(t, Unreliable, e.Delivery)
		}
	}
}

func TestSendErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPacketSize = 8
	server, client, handle := newPair(t, cfg)

	err := client.Send(handle, make([]byte, 9), Unreliable)
	assert.ErrorIs(t, err, ErrPacketTooLarge)

	err = client.Send(NilPeer, []byte("x"), Unreliable)
	assert.ErrorIs(t, err, ErrUnknownPeer)

	_, err = server.Connect(client.LocalAddr().String())
	assert.ErrorIs(t, err, ErrServerRole)

	_, err = client.Connect(server.LocalAddr().String())
	assert.ErrorIs(t, err, ErrAlreadyDialing)
}

func TestDisconnectNotifiesRemote(t *testing.T) {
	server, client, handle := newPair(t, DefaultConfig())

	require.NoError(t, client.Disconnect(handle))
	evs, err := client.PollEvents(0)
	require.NoError(t, err)
	require.True(t, hasEvent(evs, EventDisconnected))

	seen := pump(t, []*Host{server}, func(ev [][]Event) bool {
		return hasEvent(ev[0], EventDisconnected)
	})
	for _, e := range seen[0] {
		if e.Type == EventDisconnected {
			assert.True(t, errors.Is(e.Err, ErrDisconnected))
		}
	}
	assert.Equal(t, 0, server.PeerCount())
}

func TestConnectionLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	server, _, _ := newPair(t, cfg)

	second, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	_, err = second.Connect(server.LocalAddr().String())
	require.NoError(t, err)

	seen := pump(t, []*Host{server, second}, func(ev [][]Event) bool {
		return hasEvent(ev[1], EventDisconnected)
	})
	for _, e := range seen[1] {
		if e.Type == EventDisconnected {
			assert.ErrorIs(t, e.Err, ErrConnectFailed)
		}
	}
	assert.Equal(t, 1, server.PeerCount())
}

func TestConnectTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client, err := NewClient(DefaultConfig(), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Reserve a port and free it again so nothing answers.
	sink, err := Listen("127.0.0.1:0", DefaultConfig())
	require.NoError(t, err)
	addr := sink.LocalAddr().String()
	require.NoError(t, sink.Close())

	_, err = client.Connect(addr)
	require.NoError(t, err)

	clock.Advance(DefaultConfig().scaledPeerTimeout())
	evs, err := client.PollEvents(0)
	require.NoError(t, err)
	require.True(t, hasEvent(evs, EventTimedOut))
	for _, e := range evs {
		if e.Type == EventTimedOut {
			var terr *TransportError
			require.ErrorAs(t, e.Err, &terr)
			assert.Equal(t, ConnectFailed, terr.Kind)
		}
	}
}

func TestSilentPeerTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()

	server, err := Listen("127.0.0.1:0", cfg, WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	client, err := NewClient(cfg)
	require.NoError(t, err)

	_, err = client.Connect(server.LocalAddr().String())
	require.NoError(t, err)
	pump(t, []*Host{server, client}, func(ev [][]Event) bool {
		return hasEvent(ev[0], EventConnected) && hasEvent(ev[1], EventConnected)
	})
	// Drop the socket without telling the server.
	client.closed = true
	require.NoError(t, client.conn.Close())

	clock.Advance(cfg.scaledPeerTimeout())
	evs, err := server.PollEvents(0)
	require.NoError(t, err)
	require.True(t, hasEvent(evs, EventTimedOut))
	assert.Equal(t, 0, server.PeerCount())
}

func TestMalformedDatagramIsDropped(t *testing.T) {
	server, client, _ := newPair(t, DefaultConfig())

	_, err := client.conn.WriteToUDP([]byte("garbage"), server.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, client.Broadcast([]byte("after"), Reliable))

	seen := pump(t, []*Host{server, client}, func(ev [][]Event) bool {
		return len(receipts(ev[0])) > 0
	})
	assert.Equal(t, [][]byte{[]byte("after")}, receipts(seen[0]))
	assert.Equal(t, 1, server.PeerCount())
}

func TestClosedHost(t *testing.T) {
	h, err := NewClient(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err = h.PollEvents(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.Broadcast(nil, Reliable), ErrClosed)
}
