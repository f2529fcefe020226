package tools

import (
	"context"
	"fmt"

	"loom/internal/logging"
	"loom/internal/workspace"
)

// Executor validates and runs tool calls against one project workspace.
// It is a pure function over (tool name, input): all state lives in the
// workspace, and side effects are reported through the returned result and
// the configured hooks.
type Executor struct {
	registry *Registry
	hooks    Hooks
	logger   logging.Logger
}

// NewExecutor builds the executor with the default tool set for ws.
func NewExecutor(ws *workspace.Workspace, hooks Hooks) (*Executor, error) {
	registry, err := NewRegistry(
		&listFiles{ws: ws},
		&readFile{ws: ws},
		&writeFile{ws: ws},
		&deleteFile{ws: ws},
		&moveFile{ws: ws},
		&searchFiles{ws: ws},
		&fileStat{ws: ws},
	)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}
	return &Executor{
		registry: registry,
		hooks:    hooks,
		logger:   logging.NewComponentLogger("ToolExecutor"),
	}, nil
}

// Registry exposes the compiled tool registry (for prompts and validation).
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Validate checks input against the named tool's schema without running it.
// The agent loop uses this to drive the one-shot repair path before
// execution.
func (e *Executor) Validate(name string, input map[string]any) error {
	return e.registry.Validate(name, input)
}

// Execute validates and runs one tool call. The returned error is reserved
// for infrastructure failures; tool-level failures (bad path, protected
// file, missing file) land in Result.Error.
func (e *Executor) Execute(ctx context.Context, name string, input map[string]any) (*Result, error) {
	tool, ok := e.registry.Get(name)
	if !ok {
		return errorResult("unknown tool %q", name), nil
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := e.registry.Validate(name, input); err != nil {
		return errorResult("%v", err), nil
	}

	result, err := tool.Execute(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	if result == nil {
		return nil, fmt.Errorf("tool %q returned nil result", name)
	}

	if result.OK() && len(result.Changes) > 0 {
		e.notify(result.Changes)
	}
	if !result.OK() {
		e.logger.Debug("tool %s failed: %s", name, result.Error)
	}
	return result, nil
}

func (e *Executor) notify(changes []FileChange) {
	paths := make([]string, 0, len(changes))
	for _, change := range changes {
		paths = append(paths, change.Path)
		if e.hooks.OnFileChanged != nil {
			e.hooks.OnFileChanged(change)
		}
	}
	if e.hooks.OnReload != nil {
		e.hooks.OnReload(paths)
	}
}
