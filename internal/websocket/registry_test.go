package websocket

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codesync/pkg/types"
)

type fakeConnection struct {
	id     string
	mu     sync.Mutex
	frames []interface{}
	closed bool
	err    error
}

func (f *fakeConnection) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConnection) GetConnectionID() string { return f.id }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	c1 := &fakeConnection{id: "c1"}

	require.NoError(t, r.Register(c1))
	assert.ErrorIs(t, r.Register(&fakeConnection{id: "c1"}), ErrDuplicateConnection)
	assert.ErrorIs(t, r.Register(nil), ErrNilConnection)

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Same(t, c1, got)
	assert.Equal(t, 1, r.GetStats()["total_connections"])
}

func TestRegistry_UnregisterOnlyMatchingInstance(t *testing.T) {
	r := NewRegistry()
	current := &fakeConnection{id: "c1"}
	require.NoError(t, r.Register(current))

	r.Unregister(&fakeConnection{id: "c1"})
	_, ok := r.Get("c1")
	assert.True(t, ok, "a stale instance must not evict the registered one")

	r.Unregister(current)
	r.Unregister(current)
	_, ok = r.Get("c1")
	assert.False(t, ok)
}

func TestRegistry_Send(t *testing.T) {
	r := NewRegistry()
	c1 := &fakeConnection{id: "c1"}
	broken := &fakeConnection{id: "c2", err: errors.New("pipe")}
	require.NoError(t, r.Register(c1))
	require.NoError(t, r.Register(broken))

	ev := &types.Event{Kind: types.EventUserJoined}
	require.NoError(t, r.Send("c1", ev))
	assert.Equal(t, []interface{}{ev}, c1.frames)

	assert.ErrorIs(t, r.Send("missing", ev), ErrConnectionNotFound)
	assert.Error(t, r.Send("c2", ev))
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	c1 := &fakeConnection{id: "c1"}
	c2 := &fakeConnection{id: "c2"}
	require.NoError(t, r.Register(c1))
	require.NoError(t, r.Register(c2))

	r.CloseAll()
	assert.True(t, c1.closed)
	assert.True(t, c2.closed)
}
