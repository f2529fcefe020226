// Package agent drives the tool-calling loop against the hosted model. One
// Runner exists per project; a run executes as a detached background
// goroutine that outlives the request that started it, with a bounded event
// buffer for reconnect replay and cooperative cancellation.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	loomerrors "loom/internal/errors"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/parser"
	"loom/internal/snapshot"
	"loom/internal/store"
	"loom/internal/tools"
)

const (
	// MaxIterations is the loop circuit breaker.
	MaxIterations = 10

	sessionStoreKey = "agent.session"
)

// StartParams carries a start request into the runner.
type StartParams struct {
	SessionID string        `json:"sessionId,omitempty"`
	Messages  []llm.Message `json:"messages"`
	Mode      string        `json:"mode,omitempty"`
	Model     string        `json:"model,omitempty"`
}

// Broadcaster receives every emitted event for fan-out to live clients.
// Fan-out is fire-and-forget; buffering for reconnect replay happens here in
// the runner, not in the coordinator.
type Broadcaster func(payload any)

// Runner orchestrates the model-call / tool-execution loop for one project.
type Runner struct {
	llmClient llm.Client
	executor  *tools.Executor
	snapshots *snapshot.Engine
	store     *store.Store
	broadcast Broadcaster
	logger    logging.Logger

	// mu is the actor lock: every handler runs to completion under it, so
	// there is no interleaving inside the runner.
	mu      sync.Mutex
	session *Session
	cancel  context.CancelFunc
	ring    *eventRing
}

// NewRunner restores the persisted session record. A session persisted as
// running cannot actually still be running in a fresh process, so it is
// demoted to error rather than wedging future starts.
func NewRunner(client llm.Client, executor *tools.Executor, snapshots *snapshot.Engine, st *store.Store, broadcast Broadcaster) *Runner {
	r := &Runner{
		llmClient: client,
		executor:  executor,
		snapshots: snapshots,
		store:     st,
		broadcast: broadcast,
		logger:    logging.NewComponentLogger("AgentRunner"),
		ring:      newEventRing(),
	}
	if broadcast == nil {
		r.broadcast = func(any) {}
	}
	var persisted Session
	ok, err := st.Get(sessionStoreKey, &persisted)
	if err != nil {
		r.logger.Warn("load persisted session: %v", err)
		return r
	}
	if ok {
		if persisted.Status == StatusRunning {
			r.logger.Warn("session %s was running at shutdown, marking error", persisted.ID)
			persisted.Status = StatusError
			if err := st.Put(sessionStoreKey, &persisted); err != nil {
				r.logger.Warn("persist demoted session: %v", err)
			}
		}
		r.session = &persisted
	}
	return r
}

// Start launches a run. Idempotent while a session is running: the existing
// session is returned unchanged and no new run begins. The triggering call
// returns immediately; the loop detaches.
func (r *Runner) Start(params StartParams) *Session {
	r.mu.Lock()
	if r.session != nil && r.session.Status == StatusRunning {
		existing := r.session.clone()
		r.mu.Unlock()
		return existing
	}

	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	r.session = &Session{ID: sessionID, Status: StatusRunning, StartedAt: time.Now().UTC()}
	r.persistLocked()
	r.ring.reset()

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	started := r.ring.append(StatusPayload{Type: EventStatus, Session: r.session.clone()})
	session := r.session.clone()
	r.mu.Unlock()

	r.broadcast(started)
	go r.run(ctx, params)
	return session
}

// Abort signals cooperative cancellation. No-op when nothing is running; the
// loop observes the flag at iteration boundaries and around the model call.
func (r *Runner) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Status returns the current session, if any.
func (r *Runner) Status() (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil, false
	}
	return r.session.clone(), true
}

// Events returns buffered events with index strictly greater than lastIndex,
// in index order. A reconnecting client uses this to catch up mid-run.
func (r *Runner) Events(lastIndex int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.after(lastIndex)
}

type toolOutcome struct {
	callID string
	name   string
	result *tools.Result
}

func (r *Runner) run(ctx context.Context, params StartParams) {
	var changes []tools.FileChange

	status, errPayload := r.runLoop(ctx, params, &changes)

	snapshotID := ""
	if len(changes) > 0 {
		label := params.Mode
		if label == "" {
			label = "agent edit"
		}
		meta, err := r.snapshots.Create(label, changes)
		if err != nil {
			r.logger.Error("snapshot after run failed: %v", err)
		} else if meta != nil {
			snapshotID = meta.ID
		}
	}

	r.mu.Lock()
	r.session.Status = status
	r.persistLocked()
	r.cancel = nil

	var pending []Event
	if errPayload != nil {
		pending = append(pending, r.ring.append(*errPayload))
	}
	pending = append(pending,
		r.ring.append(StatusPayload{Type: EventStatus, Session: r.session.clone()}),
		r.ring.append(DonePayload{Type: EventDone, Status: status, SnapshotID: snapshotID}),
	)
	sessionID := r.session.ID
	r.mu.Unlock()

	for _, ev := range pending {
		r.broadcast(ev)
	}
	r.logger.Info("session %s finished: %s (%d change(s))", sessionID, status, len(changes))
}

// runLoop executes the bounded iteration loop and reports the terminal
// status. Failures never propagate past here: they are classified and turned
// into a single terminal error payload.
func (r *Runner) runLoop(ctx context.Context, params StartParams, changes *[]tools.FileChange) (Status, *ErrorPayload) {
	messages := append([]llm.Message(nil), params.Messages...)
	system := buildSystemPrompt(r.executor.Registry())

	for iteration := 0; iteration < MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return StatusAborted, nil
		}

		resp, err := r.llmClient.Chat(ctx, &llm.ChatRequest{
			Model:    params.Model,
			System:   system,
			Messages: messages,
		})
		if err != nil {
			if loomerrors.IsCancellation(err) || ctx.Err() != nil {
				return StatusAborted, nil
			}
			me := loomerrors.WrapModelError(err)
			return StatusError, &ErrorPayload{Type: EventError, Code: string(me.Code), Message: me.Error()}
		}
		if ctx.Err() != nil {
			return StatusAborted, nil
		}

		segments := parser.Parse(resp.Content)
		for _, seg := range segments {
			if seg.Kind == parser.KindText {
				r.emit(TextPayload{Type: EventText, Text: seg.Text})
			}
		}

		calls := parser.ToolCalls(segments)
		if len(calls) == 0 {
			return StatusCompleted, nil
		}

		var outcomes []toolOutcome
		for _, call := range calls {
			if ctx.Err() != nil {
				return StatusAborted, nil
			}
			outcome := r.executeCall(ctx, call, changes)
			outcomes = append(outcomes, outcome)
		}

		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: formatToolResults(outcomes)},
		)

		if resp.StopReason == llm.StopEndTurn {
			return StatusCompleted, nil
		}
	}
	r.emit(TextPayload{Type: EventText, Text: "Stopped after reaching the iteration limit."})
	return StatusCompleted, nil
}

// executeCall validates, optionally repairs (exactly once), executes and
// records one tool call.
func (r *Runner) executeCall(ctx context.Context, call *parser.ToolCall, changes *[]tools.FileChange) toolOutcome {
	r.emit(ToolCallPayload{Type: EventToolCall, CallID: call.ID, Name: call.Name, Input: call.Input})

	input := call.Input
	if err := r.executor.Validate(call.Name, input); err != nil {
		repaired, repairErr := r.repairInput(ctx, call, err)
		if repairErr != nil {
			r.logger.Debug("repair for %s failed: %v", call.Name, repairErr)
			result := &tools.Result{Error: err.Error()}
			r.emit(ToolResultPayload{Type: EventToolResult, CallID: call.ID, Name: call.Name, Error: result.Error})
			return toolOutcome{callID: call.ID, name: call.Name, result: result}
		}
		input = repaired
	}

	result, err := r.executor.Execute(ctx, call.Name, input)
	if err != nil {
		result = &tools.Result{Error: err.Error()}
	}
	for _, change := range result.Changes {
		*changes = append(*changes, change)
		r.emit(FileChangedPayload{Type: EventFileChanged, Change: change})
	}
	payload := ToolResultPayload{Type: EventToolResult, CallID: call.ID, Name: call.Name}
	if result.OK() {
		payload.Content = result.Content
	} else {
		payload.Error = result.Error
	}
	r.emit(payload)
	return toolOutcome{callID: call.ID, name: call.Name, result: result}
}

// repairInput makes exactly one additional model call asking it to fix the
// malformed input against the tool's declared schema, then re-validates.
func (r *Runner) repairInput(ctx context.Context, call *parser.ToolCall, cause error) (map[string]any, error) {
	schemaJSON, _ := r.executor.Registry().SchemaJSON(call.Name)
	inputJSON, err := json.Marshal(call.Input)
	if err != nil {
		return nil, err
	}

	resp, err := r.llmClient.Chat(ctx, &llm.ChatRequest{
		Messages: []llm.Message{{
			Role:    "user",
			Content: buildRepairPrompt(call.Name, schemaJSON, string(inputJSON), cause.Error()),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("repair call: %w", err)
	}

	fixedJSON, err := parser.RepairJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("repair reply not JSON: %w", err)
	}
	var repaired map[string]any
	if err := json.Unmarshal([]byte(fixedJSON), &repaired); err != nil {
		return nil, fmt.Errorf("decode repaired input: %w", err)
	}
	if err := r.executor.Validate(call.Name, repaired); err != nil {
		return nil, fmt.Errorf("repaired input still invalid: %w", err)
	}
	return repaired, nil
}

// emit appends to the ring and fans out to the coordinator.
func (r *Runner) emit(payload any) {
	r.mu.Lock()
	ev := r.ring.append(payload)
	r.mu.Unlock()
	r.broadcast(ev)
}

func (r *Runner) persistLocked() {
	if err := r.store.Put(sessionStoreKey, r.session); err != nil {
		r.logger.Error("persist session: %v", err)
	}
}
