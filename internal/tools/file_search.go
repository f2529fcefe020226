package tools

import (
	"context"
	"fmt"
	"strings"
)

const maxSearchMatches = 100

type searchFiles struct {
	ws fileWorkspace
}

type searchFilesInput struct {
	Query string `json:"query" jsonschema:"description=Substring to search for"`
	Path  string `json:"path,omitempty" jsonschema:"description=Directory to search under; defaults to the project root"`
}

func (t *searchFiles) Definition() Definition {
	return Definition{
		Name:        "search_files",
		Description: "Search project files for a substring, returning matching lines",
		Input:       &searchFilesInput{},
	}
}

func (t *searchFiles) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	var args searchFilesInput
	if err := decodeInput(input, &args); err != nil {
		return nil, err
	}
	if args.Query == "" {
		return errorResult("query must not be empty"), nil
	}
	root := args.Path
	if root == "" {
		root = "."
	}
	files, err := t.ws.List(root, true)
	if err != nil {
		return errorResult("cannot search %s: %v", root, err), nil
	}

	var b strings.Builder
	matches := 0
	for _, file := range files {
		if matches >= maxSearchMatches {
			break
		}
		data, binary, err := t.ws.ReadFile(file)
		if err != nil || binary {
			continue
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, args.Query) {
				fmt.Fprintf(&b, "%s:%d: %s\n", file, i+1, strings.TrimSpace(line))
				matches++
				if matches >= maxSearchMatches {
					break
				}
			}
		}
	}
	if matches == 0 {
		return &Result{Content: fmt.Sprintf("no matches for %q", args.Query)}, nil
	}
	return &Result{Content: strings.TrimRight(b.String(), "\n")}, nil
}
