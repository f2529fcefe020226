// Package server exposes the HTTP and WebSocket surface: agent RPC,
// snapshot RPC, the project socket upgrade, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"loom/internal/agent"
	"loom/internal/config"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/realtime"
	"loom/internal/snapshot"
)

type Server struct {
	cfg       *config.Config
	llmClient llm.Client
	logger    logging.Logger
	manager   *realtime.Manager
	baseCtx   context.Context

	mu       sync.Mutex
	projects map[string]*project
}

// New wires the server. client may be nil, in which case the hosted-model
// client is built from the configuration.
func New(cfg *config.Config, client llm.Client) *Server {
	if client == nil {
		client = llm.NewClient(llm.Config{
			APIKey:  cfg.Model.APIKey,
			BaseURL: cfg.Model.BaseURL,
			Model:   cfg.Model.Name,
		})
	}
	s := &Server{
		cfg:       cfg,
		llmClient: client,
		logger:    logging.NewComponentLogger("Server"),
		baseCtx:   context.Background(),
		projects:  make(map[string]*project),
	}
	s.manager = realtime.NewManager(s.buildCoordinator, cfg.IdleEviction, s.logger)
	return s
}

// buildCoordinator is the manager's factory: it resumes (or creates) the
// coordinator for one project, rehydrating durable state from the store.
func (s *Server) buildCoordinator(projectID string) (*realtime.Coordinator, error) {
	p, err := s.getProject(projectID)
	if err != nil {
		return nil, err
	}
	return realtime.NewCoordinator(realtime.Config{
		ProjectID:     projectID,
		Store:         p.store,
		ActiveSession: p.runner.Status,
		AbortAgent:    p.runner.Abort,
		CdpTimeout:    s.cfg.Realtime.CdpTimeout,
	})
}

// reload bumps the project's update version and notifies clients. It
// resumes an evicted coordinator: the version must advance even when no
// socket is attached, or a later hmr-connect cannot detect the gap.
func (s *Server) reload(projectID string, paths []string) {
	c, err := s.manager.Get(projectID)
	if err != nil {
		s.logger.Warn("reload for project %s: %v", projectID, err)
		return
	}
	updates := make([]realtime.Update, 0, len(paths))
	for _, p := range paths {
		updates = append(updates, realtime.Update{Path: p})
	}
	c.TriggerUpdate(updates)
}

// notify pushes a message only if the coordinator is live; with no
// sockets attached there is nobody to tell and nothing durable to record.
func (s *Server) notify(projectID string, v any) {
	if c, ok := s.manager.Peek(projectID); ok {
		c.SendMessage(v)
	}
}

func (s *Server) broadcastAgentEvent(projectID string, ev any) {
	if event, ok := ev.(agent.Event); ok {
		switch payload := event.Payload.(type) {
		case agent.DonePayload:
			metrics.AgentSessionsTotal.WithLabelValues(projectID, string(payload.Status)).Inc()
			if payload.SnapshotID != "" {
				metrics.SnapshotsCreatedTotal.WithLabelValues(projectID).Inc()
			}
		case agent.ErrorPayload:
			// Persisted so a client joining after the failure still sees it.
			if c, err := s.manager.Get(projectID); err == nil {
				c.BroadcastServerError(payload.Message)
			}
		}
	}
	s.notify(projectID, ev)
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/projects/:id")
	api.POST("/agent", s.handleStartAgent)
	api.DELETE("/agent", s.handleAbortAgent)
	api.GET("/agent", s.handleAgentStatus)
	api.GET("/agent/events", s.handleAgentEvents)
	api.GET("/ws", s.handleSocket)
	api.POST("/cdp", s.handleCdpCommand)
	api.GET("/snapshots", s.handleListSnapshots)
	api.POST("/snapshots/:snapshotId/revert", s.handleRevertSnapshot)
	api.POST("/snapshots/:snapshotId/revert-file", s.handleRevertFile)
	api.POST("/snapshots/revert-cascade", s.handleRevertCascade)
	api.GET("/logs", s.handleGetLogs)
	api.POST("/logs", s.handlePushLogs)
	return r
}

// Run serves until the context is canceled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening on %s", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := s.manager.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) projectOr400(c *gin.Context) (*project, bool) {
	p, err := s.getProject(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return p, true
}

func (s *Server) handleStartAgent(c *gin.Context) {
	p, ok := s.projectOr400(c)
	if !ok {
		return
	}
	var params agent.StartParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(params.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages are required"})
		return
	}
	if params.Model == "" {
		params.Model = s.cfg.Model.Name
	}
	c.JSON(http.StatusOK, p.runner.Start(params))
}

func (s *Server) handleAbortAgent(c *gin.Context) {
	p, ok := s.projectOr400(c)
	if !ok {
		return
	}
	p.runner.Abort()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAgentStatus(c *gin.Context) {
	p, ok := s.projectOr400(c)
	if !ok {
		return
	}
	session, ok := p.runner.Status()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no agent session"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleAgentEvents(c *gin.Context) {
	p, ok := s.projectOr400(c)
	if !ok {
		return
	}
	after, err := strconv.Atoi(c.DefaultQuery("after", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after must be an integer"})
		return
	}
	events := p.runner.Events(after)
	if events == nil {
		events = []agent.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleSocket(c *gin.Context) {
	if _, ok := s.projectOr400(c); !ok {
		return
	}
	coord, err := s.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	coord.Attach(ws)
}

type cdpCommandRequest struct {
	Method string          `json:"method" binding:"required"`
	Params json.RawMessage `json:"params"`
}

// handleCdpCommand relays one remote-debug command. Relay failures are
// results, not transport errors: the response always carries either
// result or error.
func (s *Server) handleCdpCommand(c *gin.Context) {
	if _, ok := s.projectOr400(c); !ok {
		return
	}
	coord, err := s.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var req cdpCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := coord.SendCdpCommand(c.Request.Context(), req.Method, req.Params)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	p, ok := s.projectOr400(c)
	if !ok {
		return
	}
	list, err := p.snapshots.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": list})
}

func (s *Server) handleRevertSnapshot(c *gin.Context) {
	p, ok := s.projectOr400(c)
	if !ok {
		return
	}
	report, err := p.snapshots.Revert(c.Param("snapshotId"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, snapshot.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

type revertFileRequest struct {
	Path string `json:"path" binding:"required"`
}

func (s *Server) handleRevertFile(c *gin.Context) {
	p, ok := s.projectOr400(c)
	if !ok {
		return
	}
	var req revertFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := p.snapshots.RevertFile(req.Path, c.Param("snapshotId")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, snapshot.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reverted": req.Path})
}

type revertCascadeRequest struct {
	SnapshotIDs []string `json:"snapshotIds" binding:"required"`
}

func (s *Server) handleRevertCascade(c *gin.Context) {
	p, ok := s.projectOr400(c)
	if !ok {
		return
	}
	var req revertCascadeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p.snapshots.RevertCascade(req.SnapshotIDs))
}

type pushLogsRequest struct {
	Logs json.RawMessage `json:"logs" binding:"required"`
}

// handlePushLogs broadcasts a server-side log batch (build output and the
// like) to every attached socket.
func (s *Server) handlePushLogs(c *gin.Context) {
	if _, ok := s.projectOr400(c); !ok {
		return
	}
	var req pushLogsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if coord, ok := s.manager.Peek(c.Param("id")); ok {
		coord.BroadcastLogs(req.Logs)
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetLogs(c *gin.Context) {
	if _, ok := s.projectOr400(c); !ok {
		return
	}
	coord, err := s.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logs, ok := coord.OutputLogs()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"logs": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
