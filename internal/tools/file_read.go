package tools

import (
	"context"
	"fmt"
)

type readFile struct {
	ws fileWorkspace
}

type readFileInput struct {
	Path string `json:"path" jsonschema:"description=Project-relative file path"`
}

func (t *readFile) Definition() Definition {
	return Definition{
		Name:        "read_file",
		Description: "Read the contents of a file",
		Input:       &readFileInput{},
	}
}

func (t *readFile) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	var args readFileInput
	if err := decodeInput(input, &args); err != nil {
		return nil, err
	}
	data, binary, err := t.ws.ReadFile(args.Path)
	if err != nil {
		return errorResult("cannot read %s: %v", args.Path, err), nil
	}
	if binary {
		return &Result{Content: fmt.Sprintf("%s is a binary file (%d bytes)", args.Path, len(data))}, nil
	}
	return &Result{Content: string(data)}, nil
}
