package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loomerrors "loom/internal/errors"
	"loom/internal/llm"
	"loom/internal/snapshot"
	"loom/internal/store"
	"loom/internal/tools"
	"loom/internal/workspace"
)

// scriptedClient runs one function per expected Chat call, allowing tests to
// block inside a call and observe cancellation.
type scriptedClient struct {
	mu    sync.Mutex
	steps []func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	calls int
}

func (c *scriptedClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	var step func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error)
	if idx < len(c.steps) {
		step = c.steps[idx]
	}
	c.mu.Unlock()
	if step == nil {
		return &llm.ChatResponse{Content: "Done.", StopReason: llm.StopEndTurn}, nil
	}
	return step(ctx, req)
}

func reply(content, stopReason string) func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Content: content, StopReason: stopReason}, nil
	}
}

type fixture struct {
	runner    *Runner
	ws        *workspace.Workspace
	snapshots *snapshot.Engine
	snapDir   string

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T, client llm.Client) *fixture {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), []string{"index.html"})
	require.NoError(t, err)
	exec, err := tools.NewExecutor(ws, tools.Hooks{})
	require.NoError(t, err)
	snapDir := ws.InternalPath("snapshots")
	eng, err := snapshot.New(snapDir, ws, 0, nil)
	require.NoError(t, err)
	st, err := store.Open(ws.InternalPath("state"))
	require.NoError(t, err)

	f := &fixture{ws: ws, snapshots: eng, snapDir: snapDir}
	f.runner = NewRunner(client, exec, eng, st, func(payload any) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if ev, ok := payload.(Event); ok {
			f.events = append(f.events, ev)
		}
	})
	return f
}

func (f *fixture) waitDone(t *testing.T) Status {
	t.Helper()
	var status Status
	require.Eventually(t, func() bool {
		s, ok := f.runner.Status()
		if !ok {
			return false
		}
		status = s.Status
		return s.Status != StatusRunning
	}, 5*time.Second, 5*time.Millisecond)
	return status
}

func userMessage(text string) []llm.Message {
	return []llm.Message{{Role: "user", Content: text}}
}

func TestRunCreatesFileSnapshotsAndCompletes(t *testing.T) {
	client := &scriptedClient{steps: []func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error){
		reply(`Creating it now.
<tool_call>{"name":"write_file","input":{"path":"hello.ts","content":"hi"}}</tool_call>`, "tool_use"),
		reply("All set.", llm.StopEndTurn),
	}}
	f := newFixture(t, client)

	session := f.runner.Start(StartParams{Messages: userMessage("make hello.ts")})
	assert.Equal(t, StatusRunning, session.Status)

	status := f.waitDone(t)
	assert.Equal(t, StatusCompleted, status)
	assert.True(t, f.ws.Exists("hello.ts"))

	events := f.runner.Events(0)
	var sawCreate, sawDone bool
	var snapshotID string
	for _, ev := range events {
		switch p := ev.Payload.(type) {
		case FileChangedPayload:
			sawCreate = p.Change.Action == tools.ActionCreate
		case DonePayload:
			sawDone = true
			snapshotID = p.SnapshotID
			assert.Equal(t, StatusCompleted, p.Status)
		}
	}
	assert.True(t, sawCreate, "expected a file-changed create event")
	assert.True(t, sawDone, "expected a done event")
	require.NotEmpty(t, snapshotID)

	meta, err := f.snapshots.Get(snapshotID)
	require.NoError(t, err)
	require.Len(t, meta.Changes, 1)
	assert.Equal(t, tools.ActionCreate, meta.Changes[0].Action)

	// No backup is written for a create.
	backup := filepath.Join(f.snapDir, snapshotID, "files", "hello.ts")
	_, statErr := os.Stat(backup)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	client := &scriptedClient{steps: []func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error){
		func(ctx context.Context, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
			close(started)
			select {
			case <-release:
				return &llm.ChatResponse{Content: "ok", StopReason: llm.StopEndTurn}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}}
	f := newFixture(t, client)

	first := f.runner.Start(StartParams{Messages: userMessage("go")})
	<-started
	second := f.runner.Start(StartParams{SessionID: "other", Messages: userMessage("again")})

	assert.Equal(t, first.ID, second.ID, "start while running must return the same session")
	close(release)
	f.waitDone(t)
}

func TestAbortMidLoopSnapshotsPartialWork(t *testing.T) {
	secondCall := make(chan struct{})
	client := &scriptedClient{steps: []func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error){
		reply(`<tool_call>{"name":"write_file","input":{"path":"a.ts","content":"a"}}</tool_call>
<tool_call>{"name":"write_file","input":{"path":"b.ts","content":"b"}}</tool_call>`, "tool_use"),
		func(ctx context.Context, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
			close(secondCall)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	f := newFixture(t, client)

	f.runner.Start(StartParams{Messages: userMessage("write two files")})
	<-secondCall
	f.runner.Abort()

	status := f.waitDone(t)
	assert.Equal(t, StatusAborted, status)

	all, err := f.snapshots.List()
	require.NoError(t, err)
	require.Len(t, all, 1, "abort must still produce exactly one snapshot")
	assert.Len(t, all[0].Changes, 2)
}

func TestAbortWhenIdleIsNoop(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())
	f.runner.Abort()
	_, ok := f.runner.Status()
	assert.False(t, ok)
}

func TestEventsReplayStrictlyAfterIndex(t *testing.T) {
	client := &scriptedClient{steps: []func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error){
		reply("just text, no calls", llm.StopEndTurn),
	}}
	f := newFixture(t, client)
	f.runner.Start(StartParams{Messages: userMessage("hi")})
	f.waitDone(t)

	all := f.runner.Events(0)
	require.NotEmpty(t, all)
	for i, ev := range all {
		assert.Equal(t, i+1, ev.Index, "indexes must be dense and ordered")
	}

	tail := f.runner.Events(all[1].Index)
	require.Len(t, tail, len(all)-2)
	assert.Equal(t, all[2].Index, tail[0].Index)

	assert.Empty(t, f.runner.Events(all[len(all)-1].Index))
	assert.Empty(t, f.runner.Events(all[len(all)-1].Index+10))
}

func TestModelFailureClassifiedAsTerminalError(t *testing.T) {
	client := &scriptedClient{steps: []func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error){
		func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
			return nil, loomerrors.NewModelError(429, assert.AnError)
		},
	}}
	f := newFixture(t, client)
	f.runner.Start(StartParams{Messages: userMessage("hi")})

	status := f.waitDone(t)
	assert.Equal(t, StatusError, status)

	var sawError bool
	for _, ev := range f.runner.Events(0) {
		if p, ok := ev.Payload.(ErrorPayload); ok {
			sawError = true
			assert.Equal(t, string(loomerrors.CodeRateLimited), p.Code)
		}
	}
	assert.True(t, sawError, "expected a terminal error event")
}

func TestToolRepairSingleAttempt(t *testing.T) {
	client := &scriptedClient{steps: []func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error){
		// "contents" is not a valid field; validation fails.
		reply(`<tool_call>{"name":"write_file","input":{"path":"a.ts","contents":"x"}}</tool_call>`, "tool_use"),
		// Repair call returns corrected input.
		reply(`{"path":"a.ts","content":"x"}`, llm.StopEndTurn),
		reply("done", llm.StopEndTurn),
	}}
	f := newFixture(t, client)
	f.runner.Start(StartParams{Messages: userMessage("write it")})
	f.waitDone(t)

	assert.True(t, f.ws.Exists("a.ts"), "repaired input should have been executed")
	assert.Equal(t, 3, client.calls)
}

func TestToolRepairFailureSurfacesAsToolError(t *testing.T) {
	client := &scriptedClient{steps: []func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error){
		reply(`<tool_call>{"name":"write_file","input":{"path":"a.ts"}}</tool_call>`, "tool_use"),
		// Repair reply is still missing the required field.
		reply(`{"path":"a.ts"}`, llm.StopEndTurn),
		reply("giving up", llm.StopEndTurn),
	}}
	f := newFixture(t, client)
	f.runner.Start(StartParams{Messages: userMessage("write it")})
	status := f.waitDone(t)

	assert.Equal(t, StatusCompleted, status, "a tool failure must not fail the run")
	assert.False(t, f.ws.Exists("a.ts"))

	var sawToolError bool
	for _, ev := range f.runner.Events(0) {
		if p, ok := ev.Payload.(ToolResultPayload); ok && p.Error != "" {
			sawToolError = true
		}
	}
	assert.True(t, sawToolError)
}

func TestPersistedRunningSessionDemotedOnRestart(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	require.NoError(t, st.Put("agent.session", &Session{ID: "stale", Status: StatusRunning, StartedAt: time.Now()}))

	ws, err := workspace.New(t.TempDir(), nil)
	require.NoError(t, err)
	exec, err := tools.NewExecutor(ws, tools.Hooks{})
	require.NoError(t, err)
	eng, err := snapshot.New(ws.InternalPath("snapshots"), ws, 0, nil)
	require.NoError(t, err)

	runner := NewRunner(llm.NewMockClient(), exec, eng, st, nil)
	session, ok := runner.Status()
	require.True(t, ok)
	assert.Equal(t, "stale", session.ID)
	assert.Equal(t, StatusError, session.Status)
}
