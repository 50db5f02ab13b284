package clocksync

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lfosync/lfosync/internal/queue"
	"github.com/lfosync/lfosync/internal/transport"
	"github.com/lfosync/lfosync/internal/wire"
	"github.com/rs/zerolog"
)

// Pre-encoded RTT probes.
var (
	pingData = mustEncode(wire.RoundTripPing{})
	pongData = mustEncode(wire.RoundTripPong{})
)

func mustEncode(msg wire.Message) []byte {
	data, err := wire.Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}

// outbound is an encoded message waiting for the background goroutine.
type outbound struct {
	data  []byte
	class transport.Delivery
	// peer is the recipient; NilPeer broadcasts.
	peer transport.PeerHandle
	// sync marks a Sync broadcast, which servers use as the RTT probe.
	sync bool
}

func encodeOutbound(msg wire.Message, peer transport.PeerHandle) (outbound, error) {
	data, err := wire.Encode(msg)
	if err != nil {
		return outbound{}, err
	}
	class := transport.Unreliable
	if wire.Reliable(msg) {
		class = transport.Reliable
	}
	_, isSync := msg.(wire.Sync)
	return outbound{data: data, class: class, peer: peer, sync: isSync && peer.IsNil()}, nil
}

// ioLoop is the background goroutine shared by both engines: flush the
// outbound queue, wait for network events, dispatch them, sleep.
type ioLoop struct {
	net      Network
	out      *queue.Queue[outbound]
	clock    clockwork.Clock
	logger   zerolog.Logger
	poll     time.Duration
	interval time.Duration

	// prepare runs at the top of every iteration.
	prepare func()
	// sent runs after an outbound message left the host.
	sent   func(outbound)
	handle func(transport.Event)

	cancel context.CancelFunc
	done   chan struct{}
}

func (l *ioLoop) start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
}

func (l *ioLoop) run(ctx context.Context) {
	defer close(l.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if !l.step() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(l.interval):
		}
	}
}

// step runs one iteration. It returns false once the network is closed.
func (l *ioLoop) step() bool {
	if l.prepare != nil {
		l.prepare()
	}
	l.flush()

	events, err := l.net.PollEvents(l.poll)
	for _, ev := range events {
		l.handle(ev)
	}
	if err != nil {
		if errors.Is(err, transport.ErrClosed) {
			l.logger.Debug().Msg("Network closed, stopping loop")
			return false
		}
		l.logger.Warn().Err(err).Msg("Failed to poll network")
	}
	return true
}

func (l *ioLoop) flush() {
	if l.out == nil {
		return
	}
	for _, item := range l.out.Drain() {
		var err error
		if item.peer.IsNil() {
			err = l.net.Broadcast(item.data, item.class)
		} else {
			err = l.net.Send(item.peer, item.data, item.class)
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("peer", item.peer.String()).Msg("Failed to send message")
			continue
		}
		if l.sent != nil {
			l.sent(item)
		}
	}
}

// stop cancels the goroutine and waits for it. It is a no-op for loops that
// were never started.
func (l *ioLoop) stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}
