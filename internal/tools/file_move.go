package tools

import (
	"context"
	"fmt"
)

type moveFile struct {
	ws fileWorkspace
}

type moveFileInput struct {
	From string `json:"from" jsonschema:"description=Current project-relative path"`
	To   string `json:"to" jsonschema:"description=New project-relative path"`
}

func (t *moveFile) Definition() Definition {
	return Definition{
		Name:        "move_file",
		Description: "Move or rename a file",
		Input:       &moveFileInput{},
		Mutating:    true,
	}
}

// Execute records a move as a delete of the source plus a create of the
// destination, so reverting either side works with plain file restores.
func (t *moveFile) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	var args moveFileInput
	if err := decodeInput(input, &args); err != nil {
		return nil, err
	}
	if t.ws.IsProtected(args.From) {
		return errorResult("%s is protected and cannot be moved", args.From), nil
	}
	if t.ws.IsProtected(args.To) {
		return errorResult("%s is protected and cannot be overwritten", args.To), nil
	}
	if !t.ws.Exists(args.From) {
		return errorResult("%s does not exist", args.From), nil
	}
	if t.ws.Exists(args.To) {
		return errorResult("%s already exists", args.To), nil
	}

	content, binary, err := t.ws.ReadFile(args.From)
	if err != nil {
		return errorResult("cannot read %s: %v", args.From, err), nil
	}
	if err := t.ws.WriteFile(args.To, content); err != nil {
		return errorResult("cannot write %s: %v", args.To, err), nil
	}
	if err := t.ws.RemoveFile(args.From); err != nil {
		return errorResult("moved content to %s but could not remove %s: %v", args.To, args.From, err), nil
	}

	deleted := FileChange{Path: args.From, Action: ActionDelete, IsBinary: binary}
	created := FileChange{Path: args.To, Action: ActionCreate, IsBinary: binary}
	if !binary {
		deleted.Before = string(content)
		created.After = string(content)
	}
	return &Result{
		Content: fmt.Sprintf("Moved %s to %s", args.From, args.To),
		Changes: []FileChange{deleted, created},
	}, nil
}
