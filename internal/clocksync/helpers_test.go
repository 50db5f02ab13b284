package clocksync

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lfosync/lfosync/internal/transport"
	"github.com/lfosync/lfosync/internal/wire"
	"github.com/stretchr/testify/require"
)

// manualLoop keeps Init from starting the background goroutine so tests
// can step it deterministically.
func manualLoop() Option {
	return func(o *options) {
		o.manual = true
	}
}

type sentMessage struct {
	peer      transport.PeerHandle
	msg       wire.Message
	class     transport.Delivery
	broadcast bool
}

// fakeNetwork records sends and replays injected events.
type fakeNetwork struct {
	mu         sync.Mutex
	events     []transport.Event
	sent       []sentMessage
	dials      []string
	dialErr    error
	handle     transport.PeerHandle
	closed     bool
	closeCalls int
}

func (f *fakeNetwork) PollEvents(time.Duration) ([]transport.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := f.events
	f.events = nil
	if f.closed {
		return events, transport.ErrClosed
	}
	return events, nil
}

func (f *fakeNetwork) record(peer transport.PeerHandle, data []byte, class transport.Delivery, broadcast bool) error {
	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{peer: peer, msg: msg, class: class, broadcast: broadcast})
	return nil
}

func (f *fakeNetwork) Send(peer transport.PeerHandle, data []byte, class transport.Delivery) error {
	return f.record(peer, data, class, false)
}

func (f *fakeNetwork) Broadcast(data []byte, class transport.Delivery) error {
	return f.record(transport.NilPeer, data, class, true)
}

func (f *fakeNetwork) Connect(addr string) (transport.PeerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, addr)
	if f.dialErr != nil {
		return transport.NilPeer, f.dialErr
	}
	f.handle = newTestPeer()
	return f.handle, nil
}

func (f *fakeNetwork) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCalls++
	return nil
}

func (f *fakeNetwork) inject(ev transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeNetwork) receive(t *testing.T, peer transport.PeerHandle, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(msg)
	require.NoError(t, err)
	f.inject(transport.Event{Type: transport.EventReceive, Peer: peer, Data: data})
}

func (f *fakeNetwork) takeSent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	sent := f.sent
	f.sent = nil
	return sent
}

func (f *fakeNetwork) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

func (f *fakeNetwork) currentHandle() transport.PeerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle
}

func newTestPeer() transport.PeerHandle {
	return transport.PeerHandle(uuid.New())
}

// stubTimeline is a timeline that only moves when set.
type stubTimeline struct {
	position  float64
	speed     float64
	paused    bool
	framerate float64
	duration  float64
}

func newStubTimeline() *stubTimeline {
	return &stubTimeline{speed: 1, framerate: 30}
}

func (s *stubTimeline) GetPosition() float64        { return s.position }
func (s *stubTimeline) SetPosition(p float64)       { s.position = p }
func (s *stubTimeline) GetSpeed() float64           { return s.speed }
func (s *stubTimeline) SetSpeed(v float64)          { s.speed = v }
func (s *stubTimeline) GetPause() bool              { return s.paused }
func (s *stubTimeline) SetPause(p bool)             { s.paused = p }
func (s *stubTimeline) GetFramerate() float64       { return s.framerate }
func (s *stubTimeline) GetDurationSeconds() float64 { return s.duration }

// recorder counts observer callbacks.
type recorder struct {
	syncs       []float64
	speeds      []float64
	pauses      []bool
	items       []int32
	commands    []string
	payloads    [][]byte
	connections []bool
	errors      []error
}

func (r *recorder) SyncApplied(position float64) { r.syncs = append(r.syncs, position) }
func (r *recorder) SpeedChanged(speed float64)   { r.speeds = append(r.speeds, speed) }
func (r *recorder) PauseChanged(paused bool)     { r.pauses = append(r.pauses, paused) }
func (r *recorder) ItemChanged(index int32)      { r.items = append(r.items, index) }
func (r *recorder) CustomCommand(name string, payload []byte) {
	r.commands = append(r.commands, name)
	r.payloads = append(r.payloads, payload)
}
func (r *recorder) ConnectionChanged(connected bool) {
	r.connections = append(r.connections, connected)
}
func (r *recorder) TransportError(err error) { r.errors = append(r.errors, err) }

func messagesOf(sent []sentMessage, tag wire.Tag) []sentMessage {
	var out []sentMessage
	for _, s := range sent {
		if s.msg.Tag() == tag {
			out = append(out, s)
		}
	}
	return out
}
