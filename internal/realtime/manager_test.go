package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/store"
)

func TestManagerLazyCreateAndReuse(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	created := 0
	m := NewManager(func(projectID string) (*Coordinator, error) {
		created++
		return NewCoordinator(Config{ProjectID: projectID, Store: st})
	}, time.Minute, nil)
	t.Cleanup(m.Close)

	a, err := m.Get("p1")
	require.NoError(t, err)
	b, err := m.Get("p1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, created)
}

func TestManagerEvictionResumesDurableState(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	m := NewManager(func(projectID string) (*Coordinator, error) {
		return NewCoordinator(Config{ProjectID: projectID, Store: st})
	}, time.Millisecond, nil)
	t.Cleanup(m.Close)

	first, err := m.Get("p1")
	require.NoError(t, err)
	first.TriggerUpdate(nil)
	first.TriggerUpdate(nil)
	first.BroadcastServerError("boom")
	require.Equal(t, 2, first.Version())

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, m.Sweep())
	_, live := m.Peek("p1")
	assert.False(t, live)

	resumed, err := m.Get("p1")
	require.NoError(t, err)
	assert.NotSame(t, first, resumed)
	assert.Equal(t, 2, resumed.Version(), "update version must survive eviction")

	resumed.mu.Lock()
	lastError := resumed.lastError
	resumed.mu.Unlock()
	assert.Equal(t, "boom", lastError, "last error must survive eviction")
}

func TestManagerSweepSkipsActiveCoordinators(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	m := NewManager(func(projectID string) (*Coordinator, error) {
		return NewCoordinator(Config{ProjectID: projectID, Store: st})
	}, time.Millisecond, nil)
	t.Cleanup(m.Close)

	c, err := m.Get("p1")
	require.NoError(t, err)
	// A fake attached connection makes the coordinator non-idle.
	c.mu.Lock()
	cn := &conn{}
	c.conns[cn] = struct{}{}
	c.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 0, m.Sweep())
	_, live := m.Peek("p1")
	assert.True(t, live)

	c.mu.Lock()
	delete(c.conns, cn)
	c.mu.Unlock()
}
