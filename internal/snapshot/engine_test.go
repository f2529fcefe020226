package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/tools"
	"loom/internal/workspace"
)

func newEngine(t *testing.T, retention int) (*Engine, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), nil)
	require.NoError(t, err)
	eng, err := New(ws.InternalPath("snapshots"), ws, retention, nil)
	require.NoError(t, err)
	return eng, ws
}

func edit(path, before, after string) tools.FileChange {
	return tools.FileChange{Path: path, Action: tools.ActionEdit, Before: before, After: after}
}

func TestCreateEmptyBatchIsNil(t *testing.T) {
	eng, _ := newEngine(t, 0)
	meta, err := eng.Create("noop", nil)
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestInBatchDedupKeepsFirstBefore(t *testing.T) {
	eng, ws := newEngine(t, 0)
	require.NoError(t, ws.WriteFile("a.ts", []byte("Z")))

	meta, err := eng.Create("turn", []tools.FileChange{
		edit("a.ts", "X", "Y"),
		edit("a.ts", "Y", "Z"),
	})
	require.NoError(t, err)
	require.Len(t, meta.Changes, 1)

	report, err := eng.Revert(meta.ID)
	require.NoError(t, err)
	require.Len(t, report.Reverted, 1)

	data, _, err := ws.ReadFile("a.ts")
	require.NoError(t, err)
	assert.Equal(t, "X", string(data), "first occurrence's before content must win")
}

func TestRevertCreateDeletesFile(t *testing.T) {
	eng, ws := newEngine(t, 0)
	require.NoError(t, ws.WriteFile("new.ts", []byte("fresh")))

	meta, err := eng.Create("turn", []tools.FileChange{
		{Path: "new.ts", Action: tools.ActionCreate, After: "fresh"},
	})
	require.NoError(t, err)

	// No backup is written for a create.
	report, err := eng.Revert(meta.ID)
	require.NoError(t, err)
	require.Len(t, report.Reverted, 1)
	assert.False(t, ws.Exists("new.ts"))
}

func TestRevertDeleteRestoresFile(t *testing.T) {
	eng, ws := newEngine(t, 0)

	meta, err := eng.Create("turn", []tools.FileChange{
		{Path: "gone.ts", Action: tools.ActionDelete, Before: "old content"},
	})
	require.NoError(t, err)

	report, err := eng.Revert(meta.ID)
	require.NoError(t, err)
	require.Len(t, report.Reverted, 1)

	data, _, err := ws.ReadFile("gone.ts")
	require.NoError(t, err)
	assert.Equal(t, "old content", string(data))
}

func TestRevertUnknownSnapshot(t *testing.T) {
	eng, _ := newEngine(t, 0)
	_, err := eng.Revert("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevertFileScopedToOnePath(t *testing.T) {
	eng, ws := newEngine(t, 0)
	require.NoError(t, ws.WriteFile("a.ts", []byte("new-a")))
	require.NoError(t, ws.WriteFile("b.ts", []byte("new-b")))

	meta, err := eng.Create("turn", []tools.FileChange{
		edit("a.ts", "old-a", "new-a"),
		edit("b.ts", "old-b", "new-b"),
	})
	require.NoError(t, err)

	require.NoError(t, eng.RevertFile("a.ts", meta.ID))

	a, _, _ := ws.ReadFile("a.ts")
	b, _, _ := ws.ReadFile("b.ts")
	assert.Equal(t, "old-a", string(a))
	assert.Equal(t, "new-b", string(b))

	assert.Error(t, eng.RevertFile("c.ts", meta.ID))
}

// Three overlapping snapshots: the earliest snapshot's backup must win for a
// path touched by all of them, and the per-file result must name it.
func TestRevertCascadeEarliestWinsAcrossThreeSnapshots(t *testing.T) {
	eng, ws := newEngine(t, 0)

	s1, err := eng.Create("first", []tools.FileChange{edit("a.ts", "v0", "v1")})
	require.NoError(t, err)
	s2, err := eng.Create("second", []tools.FileChange{
		edit("a.ts", "v1", "v2"),
		edit("b.ts", "b0", "b1"),
	})
	require.NoError(t, err)
	s3, err := eng.Create("third", []tools.FileChange{edit("a.ts", "v2", "v3")})
	require.NoError(t, err)

	// Newest-first, as callers supply it.
	report := eng.RevertCascade([]string{s3.ID, s2.ID, s1.ID})
	require.Empty(t, report.MissingSnapshot)
	require.Empty(t, report.Failed)
	require.Len(t, report.Reverted, 2)

	a, _, err := ws.ReadFile("a.ts")
	require.NoError(t, err)
	assert.Equal(t, "v0", string(a), "a.ts must restore to the oldest snapshot's backup")

	b, _, err := ws.ReadFile("b.ts")
	require.NoError(t, err)
	assert.Equal(t, "b0", string(b))

	for _, r := range report.Reverted {
		if r.Path == "a.ts" {
			assert.Equal(t, s1.ID, r.SnapshotID, "result must attribute a.ts to the earliest snapshot")
		}
	}
}

func TestRevertCascadeReportsMissingSnapshots(t *testing.T) {
	eng, _ := newEngine(t, 0)
	s1, err := eng.Create("only", []tools.FileChange{edit("a.ts", "x", "y")})
	require.NoError(t, err)

	report := eng.RevertCascade([]string{"ghost", s1.ID})
	assert.Equal(t, []string{"ghost"}, report.MissingSnapshot)
	require.Len(t, report.Reverted, 1)
}

func TestRetentionPrunesOldest(t *testing.T) {
	eng, _ := newEngine(t, 2)

	s1, err := eng.Create("one", []tools.FileChange{edit("a.ts", "1", "2")})
	require.NoError(t, err)
	_, err = eng.Create("two", []tools.FileChange{edit("a.ts", "2", "3")})
	require.NoError(t, err)
	s3, err := eng.Create("three", []tools.FileChange{edit("a.ts", "3", "4")})
	require.NoError(t, err)

	all, err := eng.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, s3.ID, all[0].ID)

	_, err = eng.Get(s1.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
