package tools

import (
	"context"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"

	"loom/internal/workspace"
)

type writeFile struct {
	ws fileWorkspace
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"description=Project-relative file path"`
	Content string `json:"content" jsonschema:"description=Full new file content"`
}

func (t *writeFile) Definition() Definition {
	return Definition{
		Name:        "write_file",
		Description: "Create a file or replace its contents",
		Input:       &writeFileInput{},
		Mutating:    true,
	}
}

func (t *writeFile) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	var args writeFileInput
	if err := decodeInput(input, &args); err != nil {
		return nil, err
	}
	if t.ws.IsProtected(args.Path) {
		return errorResult("%s is protected and cannot be overwritten", args.Path), nil
	}

	change := FileChange{Path: args.Path, Action: ActionCreate, After: args.Content}
	if t.ws.Exists(args.Path) {
		before, binary, err := t.ws.ReadFile(args.Path)
		if err != nil {
			return errorResult("cannot read existing %s: %v", args.Path, err), nil
		}
		change.Action = ActionEdit
		change.IsBinary = binary || workspace.IsBinary([]byte(args.Content))
		if change.IsBinary {
			change.Before, change.After = "", ""
		} else {
			change.Before = string(before)
			change.Diff = unifiedPatch(string(before), args.Content)
		}
	} else if workspace.IsBinary([]byte(args.Content)) {
		change.IsBinary = true
		change.After = ""
	}

	if err := t.ws.WriteFile(args.Path, []byte(args.Content)); err != nil {
		return errorResult("cannot write %s: %v", args.Path, err), nil
	}
	return &Result{
		Content: fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path),
		Changes: []FileChange{change},
	}, nil
}

// unifiedPatch renders an edit as patch text for the file-changed event.
func unifiedPatch(before, after string) string {
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(before, after))
}
