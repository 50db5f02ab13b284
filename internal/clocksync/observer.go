package clocksync

import (
	"sync"

	"github.com/google/uuid"
)

// Observer receives engine notifications. All methods are called from the
// goroutine that calls Tick.
type Observer interface {
	// SyncApplied reports that the local position was overwritten.
	SyncApplied(position float64)
	SpeedChanged(speed float64)
	PauseChanged(paused bool)
	ItemChanged(index int32)
	// CustomCommand reports a named command; payload is nil for commands
	// sent without data.
	CustomCommand(name string, payload []byte)
	// ConnectionChanged reports the client gaining or losing its server.
	ConnectionChanged(connected bool)
	// TransportError reports a lost connection or an abandoned reconnect.
	TransportError(err error)
}

// Funcs adapts optional functions to Observer. Nil fields are skipped.
type Funcs struct {
	OnSyncApplied       func(position float64)
	OnSpeedChanged      func(speed float64)
	OnPauseChanged      func(paused bool)
	OnItemChanged       func(index int32)
	OnCustomCommand     func(name string, payload []byte)
	OnConnectionChanged func(connected bool)
	OnTransportError    func(err error)
}

func (f Funcs) SyncApplied(position float64) {
	if f.OnSyncApplied != nil {
		f.OnSyncApplied(position)
	}
}

func (f Funcs) SpeedChanged(speed float64) {
	if f.OnSpeedChanged != nil {
		f.OnSpeedChanged(speed)
	}
}

func (f Funcs) PauseChanged(paused bool) {
	if f.OnPauseChanged != nil {
		f.OnPauseChanged(paused)
	}
}

func (f Funcs) ItemChanged(index int32) {
	if f.OnItemChanged != nil {
		f.OnItemChanged(index)
	}
}

func (f Funcs) CustomCommand(name string, payload []byte) {
	if f.OnCustomCommand != nil {
		f.OnCustomCommand(name, payload)
	}
}

func (f Funcs) ConnectionChanged(connected bool) {
	if f.OnConnectionChanged != nil {
		f.OnConnectionChanged(connected)
	}
}

func (f Funcs) TransportError(err error) {
	if f.OnTransportError != nil {
		f.OnTransportError(err)
	}
}

// Token identifies a registered observer.
type Token uuid.UUID

// String returns a string representation of the token.
func (t Token) String() string {
	return uuid.UUID(t).String()
}

type registration struct {
	token    Token
	observer Observer
}

// Observers is a registry of observers notified in registration order.
type Observers struct {
	mu      sync.RWMutex
	entries []registration
}

// Register adds o and returns the token that removes it again.
func (r *Observers) Register(o Observer) Token {
	t := Token(uuid.New())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, registration{token: t, observer: o})
	return t
}

// Unregister removes the observer registered under t. It reports whether one
// was found.
func (r *Observers) Unregister(t Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.token == t {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered observers.
func (r *Observers) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// each calls fn for every observer. The lock is released before the calls so
// an observer may unregister itself.
func (r *Observers) each(fn func(Observer)) {
	r.mu.RLock()
	entries := make([]Observer, len(r.entries))
	for i, e := range r.entries {
		entries[i] = e.observer
	}
	r.mu.RUnlock()

	for _, o := range entries {
		fn(o)
	}
}
