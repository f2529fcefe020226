package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/workspace"
)

type collector struct {
	mu      sync.Mutex
	batches [][]string
}

func (c *collector) add(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.Strings(paths)
	c.batches = append(c.batches, paths)
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func startWatcher(t *testing.T, root string) *collector {
	t.Helper()
	c := &collector{}
	w, err := New(root, 20*time.Millisecond, c.add)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()
	return c
}

func TestBatchesRapidWrites(t *testing.T) {
	root := t.TempDir()
	c := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.ts"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.ts"), []byte("b"), 0o644))

	require.Eventually(t, func() bool {
		paths := c.all()
		return contains(paths, "a.ts") && contains(paths, "b.ts")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestIgnoresInternalDirectory(t *testing.T) {
	root := t.TempDir()
	internal := filepath.Join(root, workspace.InternalDir)
	require.NoError(t, os.MkdirAll(internal, 0o755))
	c := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(internal, "state.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "visible.ts"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		return contains(c.all(), "visible.ts")
	}, 3*time.Second, 10*time.Millisecond)
	for _, p := range c.all() {
		assert.NotContains(t, p, workspace.InternalDir)
	}
}

func TestWatchesNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	c := startWatcher(t, root)

	sub := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.Eventually(t, func() bool {
		// Retry the write until the new directory's watch is in place.
		require.NoError(t, os.WriteFile(filepath.Join(sub, "mod.ts"), []byte("m"), 0o644))
		return contains(c.all(), "src/mod.ts")
	}, 3*time.Second, 25*time.Millisecond)
}

func contains(paths []string, want string) bool {
	for _, p := range paths {
		if p == want {
			return true
		}
	}
	return false
}
