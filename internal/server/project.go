package server

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"loom/internal/agent"
	"loom/internal/metrics"
	"loom/internal/snapshot"
	"loom/internal/store"
	"loom/internal/tools"
	"loom/internal/watcher"
	"loom/internal/workspace"
)

// The preview entry point must exist for the project to run, so tools may
// never delete or move it.
var protectedFiles = []string{"index.html"}

var projectIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// project bundles every per-project component except the realtime
// coordinator, which has its own eviction lifecycle under the manager.
type project struct {
	id        string
	workspace *workspace.Workspace
	store     *store.Store
	executor  *tools.Executor
	snapshots *snapshot.Engine
	runner    *agent.Runner
}

// getProject returns the project bundle, building it on first use. The
// bundle stays resident; everything that must survive a process restart
// lives in the project store and on disk.
func (s *Server) getProject(id string) (*project, error) {
	if !projectIDPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid project id %q", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[id]; ok {
		return p, nil
	}

	root := filepath.Join(s.cfg.DataDir, id)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}
	ws, err := workspace.New(root, protectedFiles)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ws.InternalPath("state"))
	if err != nil {
		return nil, err
	}

	executor, err := tools.NewExecutor(ws, tools.Hooks{
		OnReload: func(paths []string) { s.reload(id, paths) },
		OnFileChanged: func(change tools.FileChange) {
			s.notify(id, fileChangedNotice{Type: "file-changed", Change: change})
		},
	})
	if err != nil {
		return nil, err
	}

	engine, err := snapshot.New(ws.InternalPath("snapshots"), ws, s.cfg.Snapshots.Retention, func(paths []string) {
		s.reload(id, paths)
	})
	if err != nil {
		return nil, err
	}

	runner := agent.NewRunner(s.llmClient, executor, engine, st, func(ev any) {
		s.broadcastAgentEvent(id, ev)
	})

	p := &project{
		id:        id,
		workspace: ws,
		store:     st,
		executor:  executor,
		snapshots: engine,
		runner:    runner,
	}
	s.projects[id] = p
	s.startWatcher(p, root)
	return p, nil
}

// startWatcher feeds out-of-band filesystem edits into live reload.
func (s *Server) startWatcher(p *project, root string) {
	w, err := watcher.New(root, s.cfg.Realtime.WatcherDebounce, func(paths []string) {
		metrics.WatcherUpdatesTotal.WithLabelValues(p.id).Inc()
		s.reload(p.id, paths)
	})
	if err != nil {
		s.logger.Warn("watcher for project %s unavailable: %v", p.id, err)
		return
	}
	go func() { _ = w.Run(s.baseCtx) }()
}

type fileChangedNotice struct {
	Type   string           `json:"type"`
	Change tools.FileChange `json:"change"`
}
