package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRaw(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := New(t.TempDir(), []string{"index.html"})
	require.NoError(t, err)
	return ws
}

func TestResolveRejectsEscapes(t *testing.T) {
	ws := newWorkspace(t)

	for _, bad := range []string{"..", "../outside.txt", "a/../../etc/passwd", ".", ""} {
		_, err := ws.Resolve(bad)
		assert.Error(t, err, "path %q should be rejected", bad)
	}

	_, err := ws.Resolve(".loom/state.json")
	assert.Error(t, err, "internal state must not be reachable")
}

func TestReadWriteRoundTrip(t *testing.T) {
	ws := newWorkspace(t)

	require.NoError(t, ws.WriteFile("src/app.ts", []byte("export {}\n")))
	data, binary, err := ws.ReadFile("src/app.ts")
	require.NoError(t, err)
	assert.False(t, binary)
	assert.Equal(t, "export {}\n", string(data))
}

func TestListSkipsInternalDir(t *testing.T) {
	ws := newWorkspace(t)
	require.NoError(t, ws.WriteFile("a.txt", []byte("a")))
	require.NoError(t, ws.WriteFile("src/b.txt", []byte("b")))

	// Internal files are created outside the workspace API on purpose.
	internal := ws.InternalPath("state.json")
	require.NoError(t, writeRaw(internal, "{}"))

	files, err := ws.List(".", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "src/b.txt"}, files)

	top, err := ws.List(".", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, top)
}

func TestIsProtected(t *testing.T) {
	ws := newWorkspace(t)
	assert.True(t, ws.IsProtected("index.html"))
	assert.True(t, ws.IsProtected("./index.html"))
	assert.False(t, ws.IsProtected("src/index.html"))
}

func TestIsBinary(t *testing.T) {
	assert.True(t, IsBinary([]byte{0x89, 'P', 'N', 'G', 0x00, 0x1a}))
	assert.False(t, IsBinary([]byte("plain text\n")))
	assert.False(t, IsBinary(nil))
}
