// Package snapshot captures pre-change file state before agent-driven
// mutations and reverts it on demand. Each snapshot is a directory holding
// metadata.json plus a mirrored tree of backups for every edit and delete;
// creates need no backup because reverting a create is just deleting the
// file.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"loom/internal/logging"
	"loom/internal/tools"
)

const (
	metadataFile     = "metadata.json"
	backupDir        = "files"
	DefaultRetention = 50
	metadataCacheCap = 64
)

// ErrNotFound is returned when snapshot metadata cannot be located.
var ErrNotFound = errors.New("snapshot not found")

// ChangeRef is the per-path entry recorded in snapshot metadata.
type ChangeRef struct {
	Path   string       `json:"path"`
	Action tools.Action `json:"action"`
}

// Metadata describes one snapshot. Immutable once written, except for
// garbage collection of whole snapshots.
type Metadata struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Label     string      `json:"label"`
	Changes   []ChangeRef `json:"changes"`
}

// FileResult reports the outcome of restoring a single path.
type FileResult struct {
	Path       string `json:"path"`
	SnapshotID string `json:"snapshotId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RevertReport partitions per-file outcomes so a partial failure still shows
// which files were restored.
type RevertReport struct {
	Reverted        []FileResult `json:"reverted"`
	Failed          []FileResult `json:"failed"`
	MissingSnapshot []string     `json:"missingSnapshot,omitempty"`
}

// restoreWorkspace is the slice of workspace behaviour the engine needs.
type restoreWorkspace interface {
	ReadFile(rel string) ([]byte, bool, error)
	WriteFile(rel string, content []byte) error
	RemoveFile(rel string) error
	Exists(rel string) bool
}

// Engine owns the snapshot directory of one project.
type Engine struct {
	dir       string
	ws        restoreWorkspace
	retention int
	onReload  func(paths []string)
	logger    logging.Logger
	cache     *lru.Cache[string, *Metadata]
}

// New creates an engine writing under dir. onReload may be nil.
func New(dir string, ws restoreWorkspace, retention int, onReload func(paths []string)) (*Engine, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	cache, err := lru.New[string, *Metadata](metadataCacheCap)
	if err != nil {
		return nil, err
	}
	return &Engine{
		dir:       dir,
		ws:        ws,
		retention: retention,
		onReload:  onReload,
		logger:    logging.NewComponentLogger("SnapshotEngine"),
		cache:     cache,
	}, nil
}

// Create persists one snapshot for a batch of changes. Within a batch the
// first occurrence of a path wins: only its beforeContent reflects the true
// pre-batch state, and keeping a later intermediate state would corrupt
// revert. Returns nil when the batch is empty.
func (e *Engine) Create(label string, changes []tools.FileChange) (*Metadata, error) {
	if len(changes) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(changes))
	deduped := make([]tools.FileChange, 0, len(changes))
	for _, change := range changes {
		if _, dup := seen[change.Path]; dup {
			continue
		}
		seen[change.Path] = struct{}{}
		deduped = append(deduped, change)
	}

	meta := &Metadata{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Label:     label,
	}
	snapDir := filepath.Join(e.dir, meta.ID)
	filesDir := filepath.Join(snapDir, backupDir)

	for _, change := range deduped {
		meta.Changes = append(meta.Changes, ChangeRef{Path: change.Path, Action: change.Action})
		if change.Action == tools.ActionCreate {
			continue
		}
		backup := filepath.Join(filesDir, filepath.FromSlash(change.Path))
		if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
			return nil, fmt.Errorf("create backup dir for %s: %w", change.Path, err)
		}
		if err := os.WriteFile(backup, []byte(change.Before), 0o644); err != nil {
			return nil, fmt.Errorf("write backup for %s: %w", change.Path, err)
		}
	}

	blob, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(snapDir, metadataFile), blob, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	e.cache.Add(meta.ID, meta)
	e.prune()
	return meta, nil
}

// Get loads snapshot metadata by id.
func (e *Engine) Get(id string) (*Metadata, error) {
	if meta, ok := e.cache.Get(id); ok {
		return meta, nil
	}
	raw, err := os.ReadFile(filepath.Join(e.dir, id, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata for %s: %w", id, err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", id, err)
	}
	e.cache.Add(id, &meta)
	return &meta, nil
}

// List returns all snapshot metadata, newest first.
func (e *Engine) List() ([]*Metadata, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var out []*Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := e.Get(entry.Name())
		if err != nil {
			e.logger.Warn("skipping unreadable snapshot %s: %v", entry.Name(), err)
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Revert restores every change in the snapshot. The call fails only when the
// metadata cannot be found; individual restore failures are reported per
// file and skipped.
func (e *Engine) Revert(id string) (*RevertReport, error) {
	meta, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	report := &RevertReport{}
	var touched []string
	for _, change := range meta.Changes {
		if restoreErr := e.restoreFile(meta, change); restoreErr != nil {
			e.logger.Warn("revert %s: %s failed: %v", id, change.Path, restoreErr)
			report.Failed = append(report.Failed, FileResult{Path: change.Path, SnapshotID: id, Error: restoreErr.Error()})
			continue
		}
		report.Reverted = append(report.Reverted, FileResult{Path: change.Path, SnapshotID: id})
		touched = append(touched, change.Path)
	}
	e.reload(touched)
	return report, nil
}

// RevertFile restores a single path from the given snapshot.
func (e *Engine) RevertFile(path, id string) error {
	meta, err := e.Get(id)
	if err != nil {
		return err
	}
	for _, change := range meta.Changes {
		if change.Path != path {
			continue
		}
		if err := e.restoreFile(meta, change); err != nil {
			return err
		}
		e.reload([]string{path})
		return nil
	}
	return fmt.Errorf("snapshot %s has no change for %s", id, path)
}

// RevertCascade reverts several snapshots together. The ids arrive newest
// first; processing runs oldest first and, when a path appears in more than
// one snapshot, only the earliest snapshot's backup is the true pre-sequence
// content, so later occurrences are discarded.
func (e *Engine) RevertCascade(ids []string) *RevertReport {
	report := &RevertReport{}

	type plannedRestore struct {
		meta   *Metadata
		change ChangeRef
	}
	plan := make(map[string]plannedRestore)

	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		meta, err := e.Get(id)
		if err != nil {
			report.MissingSnapshot = append(report.MissingSnapshot, id)
			continue
		}
		for _, change := range meta.Changes {
			if _, done := plan[change.Path]; done {
				continue
			}
			plan[change.Path] = plannedRestore{meta: meta, change: change}
		}
	}

	paths := make([]string, 0, len(plan))
	for path := range plan {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var touched []string
	for _, path := range paths {
		p := plan[path]
		if err := e.restoreFile(p.meta, p.change); err != nil {
			e.logger.Warn("cascade revert: %s from %s failed: %v", path, p.meta.ID, err)
			report.Failed = append(report.Failed, FileResult{Path: path, SnapshotID: p.meta.ID, Error: err.Error()})
			continue
		}
		report.Reverted = append(report.Reverted, FileResult{Path: path, SnapshotID: p.meta.ID})
		touched = append(touched, path)
	}
	e.reload(touched)
	return report
}

func (e *Engine) restoreFile(meta *Metadata, change ChangeRef) error {
	switch change.Action {
	case tools.ActionCreate:
		// Reverting a create removes the file. Already gone is fine.
		if !e.ws.Exists(change.Path) {
			return nil
		}
		return e.ws.RemoveFile(change.Path)
	case tools.ActionEdit, tools.ActionDelete:
		backup := filepath.Join(e.dir, meta.ID, backupDir, filepath.FromSlash(change.Path))
		content, err := os.ReadFile(backup)
		if err != nil {
			return fmt.Errorf("read backup: %w", err)
		}
		return e.ws.WriteFile(change.Path, content)
	default:
		return fmt.Errorf("unknown action %q", change.Action)
	}
}

func (e *Engine) reload(paths []string) {
	if e.onReload != nil && len(paths) > 0 {
		e.onReload(paths)
	}
}

// prune removes the oldest snapshots beyond the retention count.
func (e *Engine) prune() {
	all, err := e.List()
	if err != nil {
		e.logger.Warn("prune: %v", err)
		return
	}
	for i := e.retention; i < len(all); i++ {
		id := all[i].ID
		if err := os.RemoveAll(filepath.Join(e.dir, id)); err != nil {
			e.logger.Warn("prune %s: %v", id, err)
			continue
		}
		e.cache.Remove(id)
	}
}
