// Package tools implements the fixed tool set the model may call and the
// executor that validates and runs those calls. Tool failures are data, not
// exceptions: they come back as a result with an error string so the model
// sees a failed tool, not a broken loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
)

// fileWorkspace is the slice of workspace behaviour tools depend on.
// *workspace.Workspace satisfies it.
type fileWorkspace interface {
	ReadFile(rel string) ([]byte, bool, error)
	WriteFile(rel string, content []byte) error
	RemoveFile(rel string) error
	Exists(rel string) bool
	Stat(rel string) (fs.FileInfo, error)
	List(rel string, recursive bool) ([]string, error)
	IsProtected(rel string) bool
	Resolve(rel string) (string, error)
}

// Action describes how a mutating tool touched a file.
type Action string

const (
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// FileChange records one file mutation: the side-effect record consumed by
// the snapshot engine and surfaced to clients. Binary files carry no
// before/after content; they are tracked by presence only.
type FileChange struct {
	Path     string `json:"path"`
	Action   Action `json:"action"`
	Before   string `json:"before,omitempty"`
	After    string `json:"after,omitempty"`
	IsBinary bool   `json:"isBinary"`
	Diff     string `json:"diff,omitempty"`
}

// Result is the outcome of one tool call. Error is a descriptive string when
// the operation was disallowed or failed; Changes lists the side effects of
// a successful mutating call (a move yields a delete plus a create).
type Result struct {
	Content string       `json:"content,omitempty"`
	Error   string       `json:"error,omitempty"`
	Changes []FileChange `json:"changes,omitempty"`
}

// OK reports whether the call succeeded.
func (r *Result) OK() bool {
	return r != nil && r.Error == ""
}

// Definition declares a tool to the registry: its name, description shown to
// the model, and the Go struct whose shape becomes the input JSON schema.
type Definition struct {
	Name        string
	Description string
	Input       any
	Mutating    bool
}

// Tool is one named capability exposed to the model.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, input map[string]any) (*Result, error)
}

// Hooks receive side-effect notifications from the executor: a live-reload
// trigger per affected path and a structured file-changed record for the UI.
type Hooks struct {
	OnReload      func(paths []string)
	OnFileChanged func(change FileChange)
}

// decodeInput maps loosely-typed tool input onto a typed argument struct.
// Validation has already run, so failures here indicate a schema/struct
// mismatch rather than bad model output.
func decodeInput(input map[string]any, out any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode tool input: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode tool input: %w", err)
	}
	return nil
}

func errorResult(format string, args ...any) *Result {
	return &Result{Error: fmt.Sprintf(format, args...)}
}
