package tools

import (
	"context"
	"fmt"
)

type deleteFile struct {
	ws fileWorkspace
}

type deleteFileInput struct {
	Path string `json:"path" jsonschema:"description=Project-relative file path"`
}

func (t *deleteFile) Definition() Definition {
	return Definition{
		Name:        "delete_file",
		Description: "Delete a file",
		Input:       &deleteFileInput{},
		Mutating:    true,
	}
}

func (t *deleteFile) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	var args deleteFileInput
	if err := decodeInput(input, &args); err != nil {
		return nil, err
	}
	if t.ws.IsProtected(args.Path) {
		return errorResult("%s is protected and cannot be deleted", args.Path), nil
	}
	if !t.ws.Exists(args.Path) {
		return errorResult("%s does not exist", args.Path), nil
	}
	before, binary, err := t.ws.ReadFile(args.Path)
	if err != nil {
		return errorResult("cannot read %s before deletion: %v", args.Path, err), nil
	}
	if err := t.ws.RemoveFile(args.Path); err != nil {
		return errorResult("cannot delete %s: %v", args.Path, err), nil
	}
	change := FileChange{Path: args.Path, Action: ActionDelete, IsBinary: binary}
	if !binary {
		change.Before = string(before)
	}
	return &Result{
		Content: fmt.Sprintf("Deleted %s", args.Path),
		Changes: []FileChange{change},
	}, nil
}
