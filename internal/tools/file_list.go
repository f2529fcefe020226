package tools

import (
	"context"
	"strings"
)

type listFiles struct {
	ws fileWorkspace
}

type listFilesInput struct {
	Path      string `json:"path,omitempty" jsonschema:"description=Directory to list; defaults to the project root"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"description=Descend into subdirectories"`
}

func (t *listFiles) Definition() Definition {
	return Definition{
		Name:        "list_files",
		Description: "List files in the project",
		Input:       &listFilesInput{},
	}
}

func (t *listFiles) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	var args listFilesInput
	if err := decodeInput(input, &args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		args.Path = "."
	}
	files, err := t.ws.List(args.Path, args.Recursive)
	if err != nil {
		return errorResult("cannot list %s: %v", args.Path, err), nil
	}
	if len(files) == 0 {
		return &Result{Content: "(no files)"}, nil
	}
	return &Result{Content: strings.Join(files, "\n")}, nil
}
