package clocksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	name     string
	initErr  error
	shutErr  error
	ticks    []float64
	inits    int
	shutdown *[]string
}

func (f *fakeSession) Init(context.Context) error {
	f.inits++
	return f.initErr
}

func (f *fakeSession) Tick(dt float64) { f.ticks = append(f.ticks, dt) }

func (f *fakeSession) Shutdown() error {
	*f.shutdown = append(*f.shutdown, f.name)
	return f.shutErr
}

func TestRegistryLifecycle(t *testing.T) {
	var order []string
	a := &fakeSession{name: "a", shutdown: &order}
	b := &fakeSession{name: "b", shutdown: &order}

	r := NewRegistry()
	require.NoError(t, r.Add(context.Background(), "a", a))
	require.NoError(t, r.Add(context.Background(), "b", b))
	assert.ErrorIs(t, r.Add(context.Background(), "a", a), ErrSessionExists)
	assert.Equal(t, 1, a.inits)
	assert.Equal(t, []string{"a", "b"}, r.Names())

	r.TickAll(0.5)
	assert.Equal(t, []float64{0.5}, a.ticks)
	assert.Equal(t, []float64{0.5}, b.ticks)

	got, ok := r.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)

	require.NoError(t, r.Close())
	assert.Equal(t, []string{"b", "a"}, order)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemove(t *testing.T) {
	var order []string
	r := NewRegistry()
	require.NoError(t, r.Add(context.Background(), "a", &fakeSession{name: "a", shutdown: &order}))

	require.NoError(t, r.Remove("a"))
	assert.Equal(t, []string{"a"}, order)
	assert.ErrorIs(t, r.Remove("a"), ErrUnknownSession)
	assert.Empty(t, r.Names())
}

func TestRegistryInitFailure(t *testing.T) {
	var order []string
	r := NewRegistry()
	boom := errors.New("boom")
	err := r.Add(context.Background(), "bad", &fakeSession{name: "bad", initErr: boom, shutdown: &order})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryCloseJoinsErrors(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	r := NewRegistry()
	require.NoError(t, r.Add(context.Background(), "a", &fakeSession{name: "a", shutErr: boom, shutdown: &order}))
	require.NoError(t, r.Add(context.Background(), "b", &fakeSession{name: "b", shutdown: &order}))

	err := r.Close()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestObserversRegistry(t *testing.T) {
	var obs Observers
	var calls []string

	first := obs.Register(Funcs{OnItemChanged: func(int32) { calls = append(calls, "first") }})
	var second Token
	second = obs.Register(Funcs{OnItemChanged: func(int32) {
		calls = append(calls, "second")
		obs.Unregister(second)
	}})
	obs.Register(Funcs{})
	assert.Equal(t, 3, obs.Len())

	obs.each(func(o Observer) { o.ItemChanged(1) })
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, 2, obs.Len())

	assert.True(t, obs.Unregister(first))
	assert.False(t, obs.Unregister(first))

	calls = nil
	obs.each(func(o Observer) { o.ItemChanged(2) })
	assert.Empty(t, calls)
}

func TestBackoffSchedule(t *testing.T) {
	b := backoff{cfg: ReconnectConfig{
		Enabled:      true,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  7,
	}}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		got, ok := b.next()
		require.True(t, ok, "attempt %d", i+1)
		assert.Equal(t, w, got, "attempt %d", i+1)
	}
	_, ok := b.next()
	assert.False(t, ok)

	b.reset()
	got, ok := b.next()
	assert.True(t, ok)
	assert.Equal(t, time.Second, got)
}

func TestBackoffUnlimited(t *testing.T) {
	b := backoff{cfg: ReconnectConfig{Enabled: true, InitialDelay: time.Second, MaxDelay: 5 * time.Second}}
	for i := 0; i < 100; i++ {
		_, ok := b.next()
		require.True(t, ok)
	}
	got, _ := b.next()
	assert.Equal(t, 5*time.Second, got)
}
