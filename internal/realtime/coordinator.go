package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"loom/internal/agent"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/store"
)

// Durable coordinator fields. Everything else in the Coordinator is
// transient and is rebuilt (or deliberately lost) across eviction.
const (
	versionKey    = "realtime.version"
	lastErrorKey  = "realtime.lastError"
	outputLogsKey = "realtime.outputLogs"
)

const defaultCdpTimeout = 10 * time.Second

// ErrNoBrowser is returned by SendCdpCommand when no socket is attached;
// the command fails immediately instead of waiting out the timeout.
var ErrNoBrowser = errors.New("No browser is connected to this project")

// palette for participant colors. Assignment is positional (derived from
// the live joined count), so a resumed coordinator hands out the same
// sequence a fresh one would.
var participantColors = []string{
	"#f87171", "#fb923c", "#fbbf24", "#4ade80",
	"#22d3ee", "#60a5fa", "#a78bfa", "#f472b6",
}

// SessionFunc reports the project's active agent session, if any.
type SessionFunc func() (*agent.Session, bool)

type Config struct {
	ProjectID     string
	Store         *store.Store
	ActiveSession SessionFunc
	AbortAgent    func()
	CdpTimeout    time.Duration
	Logger        logging.Logger
}

// conn is the per-connection attachment. Collaboration fields live here,
// not in central state: they survive only as long as the socket does.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	id        string
	color     string
	joined    bool
	file      string
	cursor    json.RawMessage
	selection json.RawMessage
}

func (cn *conn) participant() Participant {
	return Participant{
		ID:        cn.id,
		Color:     cn.color,
		File:      cn.file,
		Cursor:    cn.cursor,
		Selection: cn.selection,
	}
}

// Coordinator owns every live socket for one project and multiplexes the
// live-reload, collaboration and debug-relay protocols over them. All
// handlers run to completion under mu, so there is no interleaving within
// one coordinator.
type Coordinator struct {
	projectID     string
	store         *store.Store
	activeSession SessionFunc
	abortAgent    func()
	cdpTimeout    time.Duration
	logger        logging.Logger

	mu         sync.Mutex
	conns      map[*conn]struct{}
	version    int
	lastError  string
	lastActive time.Time
	closed     bool

	pendingMu sync.Mutex
	pending   map[string]chan cdpResponseMessage
}

// NewCoordinator restores the durable fields (update version, last
// broadcast error) from the project store, so a coordinator resumed after
// eviction answers hmr-connect and replays errors exactly as the evicted
// one would have.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("realtime: store is required")
	}
	c := &Coordinator{
		projectID:     cfg.ProjectID,
		store:         cfg.Store,
		activeSession: cfg.ActiveSession,
		abortAgent:    cfg.AbortAgent,
		cdpTimeout:    cfg.CdpTimeout,
		logger:        logging.OrNop(cfg.Logger),
		conns:         make(map[*conn]struct{}),
		pending:       make(map[string]chan cdpResponseMessage),
		lastActive:    time.Now(),
	}
	if c.cdpTimeout <= 0 {
		c.cdpTimeout = defaultCdpTimeout
	}
	if _, err := cfg.Store.Get(versionKey, &c.version); err != nil {
		return nil, fmt.Errorf("load update version: %w", err)
	}
	if _, err := cfg.Store.Get(lastErrorKey, &c.lastError); err != nil {
		return nil, fmt.Errorf("load last error: %w", err)
	}
	return c, nil
}

// Attach registers a socket and starts its read loop. The connection
// starts unjoined: it receives live-reload and generic broadcasts but is
// invisible to collaboration until it sends collab-join.
func (c *Coordinator) Attach(ws *websocket.Conn) {
	cn := &conn{ws: ws}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.conns[cn] = struct{}{}
	c.lastActive = time.Now()
	c.mu.Unlock()
	metrics.SocketsOpen.WithLabelValues(c.projectID).Inc()
	go c.readLoop(cn)
}

func (c *Coordinator) readLoop(cn *conn) {
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			break
		}
		c.handle(cn, data)
	}
	c.detach(cn)
}

func (c *Coordinator) detach(cn *conn) {
	c.mu.Lock()
	if _, ok := c.conns[cn]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.conns, cn)
	c.lastActive = time.Now()
	wasJoined := cn.joined
	id := cn.id
	peers := c.joinedPeersLocked(cn)
	c.mu.Unlock()

	_ = cn.ws.Close()
	metrics.SocketsOpen.WithLabelValues(c.projectID).Dec()

	// Departure only matters to collaboration; live-reload and the debug
	// relay carry no per-connection state.
	if wasJoined {
		c.sendTo(peers, participantLeftMessage{Type: TypeParticipantLeft, ID: id})
	}
}

// handle routes one inbound frame. Malformed frames are dropped without a
// reply; a confused client must not be able to wedge the coordinator.
func (c *Coordinator) handle(cn *conn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("dropping malformed frame: %v", err)
		return
	}

	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()

	switch env.Type {
	case TypePing:
		c.send(cn, pongMessage{Type: TypePong})
	case TypeHMRConnect:
		var msg hmrConnectMessage
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		c.handleHMRConnect(cn, msg)
	case TypeCollabJoin:
		c.handleCollabJoin(cn)
	case TypeCursorUpdate:
		var msg cursorUpdateMessage
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		c.handleCursorUpdate(cn, msg)
	case TypeFileEdit:
		var msg fileEditMessage
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		c.handleFileEdit(cn, msg)
	case TypeCdpResponse:
		var msg cdpResponseMessage
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		c.resolveCdp(msg)
	case TypeOutputLogsSync:
		var msg outputLogsSyncMessage
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		if err := c.store.Put(outputLogsKey, msg.Logs); err != nil {
			c.logger.Warn("persist output logs: %v", err)
		}
	case TypeAgentAbort:
		if c.abortAgent != nil {
			c.abortAgent()
		}
	default:
		c.logger.Debug("dropping frame with unknown type %q", env.Type)
	}
}

// handleHMRConnect answers a reconnecting live-reload client. A client
// that reports an older version missed updates while disconnected and is
// told to reload fully rather than run stale code.
func (c *Coordinator) handleHMRConnect(cn *conn, msg hmrConnectMessage) {
	c.mu.Lock()
	version := c.version
	c.mu.Unlock()
	if msg.LastVersion < version {
		c.send(cn, fullReloadMessage{Type: TypeFullReload, Version: version})
	}
}

// handleCollabJoin promotes the connection to joined. The roster and the
// peer notification list are computed from the live connection set at
// call time; connections can close between any two messages.
func (c *Coordinator) handleCollabJoin(cn *conn) {
	c.mu.Lock()
	if !cn.joined {
		cn.joined = true
		cn.id = uuid.NewString()
		cn.color = participantColors[c.joinedCountLocked(cn)%len(participantColors)]
	}
	roster := make([]Participant, 0)
	for other := range c.conns {
		if other != cn && other.joined {
			roster = append(roster, other.participant())
		}
	}
	peers := c.joinedPeersLocked(cn)
	lastError := c.lastError
	self := cn.participant()
	c.mu.Unlock()

	state := collabStateMessage{
		Type:         TypeCollabState,
		SelfID:       self.ID,
		SelfColor:    self.Color,
		Participants: roster,
	}
	if c.activeSession != nil {
		if session, ok := c.activeSession(); ok && session.Status == agent.StatusRunning {
			state.ActiveAgentSession = session
		}
	}
	c.send(cn, state)
	if lastError != "" {
		c.send(cn, serverErrorMessage{Type: TypeServerError, Error: lastError})
	}
	c.sendTo(peers, participantJoinedMessage{Type: TypeParticipantJoined, Participant: self})
}

func (c *Coordinator) handleCursorUpdate(cn *conn, msg cursorUpdateMessage) {
	c.mu.Lock()
	if !cn.joined {
		c.mu.Unlock()
		return
	}
	cn.file = msg.File
	cn.cursor = msg.Cursor
	cn.selection = msg.Selection
	out := cursorUpdatedMessage{
		Type:      TypeCursorUpdated,
		ID:        cn.id,
		Color:     cn.color,
		File:      msg.File,
		Cursor:    msg.Cursor,
		Selection: msg.Selection,
	}
	peers := c.joinedPeersLocked(cn)
	c.mu.Unlock()
	c.sendTo(peers, out)
}

func (c *Coordinator) handleFileEdit(cn *conn, msg fileEditMessage) {
	c.mu.Lock()
	if !cn.joined {
		c.mu.Unlock()
		return
	}
	out := fileEditedMessage{Type: TypeFileEdited, ID: cn.id, Path: msg.Path, Edit: msg.Edit}
	peers := c.joinedPeersLocked(cn)
	c.mu.Unlock()
	c.sendTo(peers, out)
}

// joinedCountLocked counts joined connections other than cn.
func (c *Coordinator) joinedCountLocked(cn *conn) int {
	n := 0
	for other := range c.conns {
		if other != cn && other.joined {
			n++
		}
	}
	return n
}

// joinedPeersLocked snapshots every joined connection except cn.
func (c *Coordinator) joinedPeersLocked(cn *conn) []*conn {
	peers := make([]*conn, 0, len(c.conns))
	for other := range c.conns {
		if other != cn && other.joined {
			peers = append(peers, other)
		}
	}
	return peers
}

// TriggerUpdate bumps the persisted update version and pushes the update
// to every socket, joined or not.
func (c *Coordinator) TriggerUpdate(updates []Update) {
	c.mu.Lock()
	c.version++
	version := c.version
	if err := c.store.Put(versionKey, version); err != nil {
		c.logger.Warn("persist update version: %v", err)
	}
	targets := c.connsLocked()
	c.mu.Unlock()

	now := time.Now().UnixMilli()
	for i := range updates {
		if updates[i].Timestamp == 0 {
			updates[i].Timestamp = now
		}
	}
	c.sendTo(targets, updateMessage{Type: TypeUpdate, Version: version, Updates: updates})
}

// SendMessage broadcasts an arbitrary payload to every socket. Used for
// agent event push and other server-originated notifications.
func (c *Coordinator) SendMessage(v any) {
	c.mu.Lock()
	targets := c.connsLocked()
	c.mu.Unlock()
	c.sendTo(targets, v)
}

// BroadcastServerError pushes an error to every socket and persists it so
// late joiners get it replayed verbatim on collab-join.
func (c *Coordinator) BroadcastServerError(message string) {
	c.mu.Lock()
	c.lastError = message
	if err := c.store.Put(lastErrorKey, message); err != nil {
		c.logger.Warn("persist last error: %v", err)
	}
	targets := c.connsLocked()
	c.mu.Unlock()
	c.sendTo(targets, serverErrorMessage{Type: TypeServerError, Error: message})
}

// BroadcastLogs pushes a server-side log batch to every socket.
func (c *Coordinator) BroadcastLogs(logs json.RawMessage) {
	c.SendMessage(serverLogsMessage{Type: TypeServerLogs, Logs: logs})
}

// OutputLogs returns the latest log snapshot synced by a client.
func (c *Coordinator) OutputLogs() (json.RawMessage, bool) {
	var logs json.RawMessage
	ok, err := c.store.Get(outputLogsKey, &logs)
	if err != nil || !ok {
		return nil, false
	}
	return logs, true
}

// SendCdpCommand relays a remote-debug command to every open socket and
// waits for the first reply. The pending record is in-memory only: if the
// coordinator dies mid-request the caller's timeout is the recovery path.
func (c *Coordinator) SendCdpCommand(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	targets := c.connsLocked()
	c.mu.Unlock()
	if len(targets) == 0 {
		metrics.CdpRequestsTotal.WithLabelValues(c.projectID, "no_browser").Inc()
		return nil, ErrNoBrowser
	}

	id := uuid.NewString()
	ch := make(chan cdpResponseMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.sendTo(targets, cdpRequestMessage{Type: TypeCdpRequest, ID: id, Method: method, Params: params})

	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(c.cdpTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		metrics.CdpRequestsTotal.WithLabelValues(c.projectID, "canceled").Inc()
		return nil, ctx.Err()
	case <-timer.C:
		metrics.CdpRequestsTotal.WithLabelValues(c.projectID, "timeout").Inc()
		return nil, fmt.Errorf("browser did not respond to %s within %s", method, c.cdpTimeout)
	case res := <-ch:
		if res.Error != "" {
			metrics.CdpRequestsTotal.WithLabelValues(c.projectID, "error").Inc()
			return nil, errors.New(res.Error)
		}
		metrics.CdpRequestsTotal.WithLabelValues(c.projectID, "ok").Inc()
		return res.Result, nil
	}
}

func (c *Coordinator) resolveCdp(msg cdpResponseMessage) {
	if msg.ID == "" {
		return
	}
	c.pendingMu.Lock()
	ch := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.pendingMu.Unlock()
	if ch != nil {
		ch <- msg
	}
}

// Version reports the current live-reload version.
func (c *Coordinator) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// ConnCount reports the number of attached sockets.
func (c *Coordinator) ConnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Idle reports whether the coordinator can be evicted: no sockets and no
// running agent session. Durable fields survive in the store either way.
func (c *Coordinator) Idle() bool {
	c.mu.Lock()
	if len(c.conns) > 0 {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	if c.activeSession != nil {
		if session, ok := c.activeSession(); ok && session.Status == agent.StatusRunning {
			return false
		}
	}
	return true
}

// LastActive reports when the coordinator last saw socket traffic.
func (c *Coordinator) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Close tears down every socket and fails in-flight relay requests.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	targets := c.connsLocked()
	c.conns = make(map[*conn]struct{})
	c.mu.Unlock()

	for _, cn := range targets {
		_ = cn.ws.Close()
		metrics.SocketsOpen.WithLabelValues(c.projectID).Dec()
	}

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- cdpResponseMessage{ID: id, Error: "coordinator closed"}
	}
	c.pendingMu.Unlock()
}

func (c *Coordinator) connsLocked() []*conn {
	out := make([]*conn, 0, len(c.conns))
	for cn := range c.conns {
		out = append(out, cn)
	}
	return out
}

// send writes one frame to one connection. A failed write closes the
// socket; the read loop then detaches it.
func (c *Coordinator) send(cn *conn, v any) {
	cn.writeMu.Lock()
	err := cn.ws.WriteJSON(v)
	cn.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("write failed, closing socket: %v", err)
		_ = cn.ws.Close()
	}
}

// sendTo fans one frame out to a snapshot of connections. Best-effort: a
// failure on one socket never fails the others.
func (c *Coordinator) sendTo(targets []*conn, v any) {
	for _, cn := range targets {
		c.send(cn, v)
	}
	if len(targets) > 0 {
		metrics.BroadcastsTotal.WithLabelValues(c.projectID).Add(float64(len(targets)))
	}
}
