package tools

import (
	"context"
	"fmt"
	"time"
)

type fileStat struct {
	ws fileWorkspace
}

type fileStatInput struct {
	Path string `json:"path" jsonschema:"description=Project-relative file path"`
}

func (t *fileStat) Definition() Definition {
	return Definition{
		Name:        "file_stat",
		Description: "Report size, modification time and type of a file",
		Input:       &fileStatInput{},
	}
}

func (t *fileStat) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	var args fileStatInput
	if err := decodeInput(input, &args); err != nil {
		return nil, err
	}
	info, err := t.ws.Stat(args.Path)
	if err != nil {
		return errorResult("cannot stat %s: %v", args.Path, err), nil
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	} else if _, binary, readErr := t.ws.ReadFile(args.Path); readErr == nil && binary {
		kind = "binary file"
	}
	return &Result{
		Content: fmt.Sprintf("%s: %s, %d bytes, modified %s",
			args.Path, kind, info.Size(), info.ModTime().UTC().Format(time.RFC3339)),
	}, nil
}
