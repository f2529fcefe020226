// Package workspace mediates all access to a project's file tree. Every path
// coming from the model or from clients is resolved through here, which is
// the single place that rejects root escapes and edits to protected files.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// InternalDir is the project subdirectory holding loom's own state
// (snapshots, durable keys). It is invisible to tools and to the watcher.
const InternalDir = ".loom"

type Workspace struct {
	root      string
	protected map[string]struct{}
}

// New creates a workspace rooted at root. Protected paths (relative,
// slash-separated) may be read but never written, deleted or moved.
func New(root string, protected []string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	prot := make(map[string]struct{}, len(protected))
	for _, p := range protected {
		prot[normalize(p)] = struct{}{}
	}
	return &Workspace{root: abs, protected: prot}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// InternalPath returns the absolute path of a file under the workspace's
// internal state directory.
func (w *Workspace) InternalPath(parts ...string) string {
	return filepath.Join(append([]string{w.root, InternalDir}, parts...)...)
}

// Resolve turns a user-supplied relative path into an absolute one, rejecting
// anything that escapes the workspace root or targets internal state.
func (w *Workspace) Resolve(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "", fmt.Errorf("path %q is empty or traverses parent directories", rel)
	}
	joined := filepath.Join(w.root, cleaned)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", rel, err)
	}
	if abs != w.root && !strings.HasPrefix(abs, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project root", rel)
	}
	if first := firstSegment(cleaned); first == InternalDir {
		return "", fmt.Errorf("path %q targets internal state", rel)
	}
	return abs, nil
}

// IsProtected reports whether rel names a file that mutating tools must not
// touch (e.g. the entry point required for the project to run).
func (w *Workspace) IsProtected(rel string) bool {
	_, ok := w.protected[normalize(rel)]
	return ok
}

// ReadFile returns the file contents and whether they look binary.
func (w *Workspace) ReadFile(rel string) ([]byte, bool, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, false, err
	}
	return data, IsBinary(data), nil
}

// WriteFile creates or replaces a file, creating parent directories.
func (w *Workspace) WriteFile(rel string, content []byte) error {
	abs, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent dirs for %q: %w", rel, err)
	}
	return os.WriteFile(abs, content, 0o644)
}

// RemoveFile deletes a file.
func (w *Workspace) RemoveFile(rel string) error {
	abs, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	return os.Remove(abs)
}

// Exists reports whether rel names an existing regular file.
func (w *Workspace) Exists(rel string) bool {
	abs, err := w.Resolve(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode().IsRegular()
}

// Stat returns file info for rel.
func (w *Workspace) Stat(rel string) (fs.FileInfo, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

// List returns relative slash-separated paths of regular files under rel,
// sorted. Internal state is skipped.
func (w *Workspace) List(rel string, recursive bool) ([]string, error) {
	base := w.root
	if rel != "" && rel != "." {
		abs, err := w.Resolve(rel)
		if err != nil {
			return nil, err
		}
		base = abs
	}
	var out []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relPath, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return relErr
		}
		relPath = filepath.ToSlash(relPath)
		if d.IsDir() {
			if relPath == "." {
				return nil
			}
			if firstSegment(relPath) == InternalDir {
				return filepath.SkipDir
			}
			if !recursive && path != base {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, relPath)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// IsBinary applies a presence-only heuristic: a NUL byte or invalid UTF-8 in
// the first 8KiB marks content as binary. Binary files are tracked but never
// diffed.
func IsBinary(data []byte) bool {
	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return !utf8.Valid(probe)
}

func normalize(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(p)), "./")
}

func firstSegment(p string) string {
	p = filepath.ToSlash(p)
	if i := strings.Index(p, "/"); i >= 0 {
		return p[:i]
	}
	return p
}
