package realtime

import "encoding/json"

// Message type discriminators carried over the project socket. The same
// socket multiplexes live-reload, collaboration and debug-relay traffic;
// the type field is the only routing key.
const (
	TypePing              = "ping"
	TypePong              = "pong"
	TypeHMRConnect        = "hmr-connect"
	TypeFullReload        = "full-reload"
	TypeUpdate            = "update"
	TypeCollabJoin        = "collab-join"
	TypeCollabState       = "collab-state"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeCursorUpdate      = "cursor-update"
	TypeCursorUpdated     = "cursor-updated"
	TypeFileEdit          = "file-edit"
	TypeFileEdited        = "file-edited"
	TypeCdpRequest        = "cdp-request"
	TypeCdpResponse       = "cdp-response"
	TypeOutputLogsSync    = "output-logs-sync"
	TypeAgentAbort        = "agent-abort"
	TypeServerError       = "server-error"
	TypeServerLogs        = "server-logs"
)

// envelope is the minimal decode used to route an inbound frame.
type envelope struct {
	Type string `json:"type"`
}

type pongMessage struct {
	Type string `json:"type"`
}

type hmrConnectMessage struct {
	LastVersion int `json:"lastVersion"`
}

type fullReloadMessage struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

// Update describes one changed module for the live-reload protocol.
type Update struct {
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
}

type updateMessage struct {
	Type    string   `json:"type"`
	Version int      `json:"version"`
	Updates []Update `json:"updates"`
}

// Participant is the roster entry for a joined collaboration connection.
// Cursor and selection are opaque to the server; it only relays them.
type Participant struct {
	ID        string          `json:"id"`
	Color     string          `json:"color"`
	File      string          `json:"file,omitempty"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type collabStateMessage struct {
	Type               string        `json:"type"`
	SelfID             string        `json:"selfId"`
	SelfColor          string        `json:"selfColor"`
	Participants       []Participant `json:"participants"`
	ActiveAgentSession any           `json:"activeAgentSession,omitempty"`
}

type participantJoinedMessage struct {
	Type        string      `json:"type"`
	Participant Participant `json:"participant"`
}

type participantLeftMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type cursorUpdateMessage struct {
	File      string          `json:"file"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type cursorUpdatedMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Color     string          `json:"color"`
	File      string          `json:"file"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type fileEditMessage struct {
	Path string          `json:"path"`
	Edit json.RawMessage `json:"edit"`
}

type fileEditedMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Path string          `json:"path"`
	Edit json.RawMessage `json:"edit"`
}

type cdpRequestMessage struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type cdpResponseMessage struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type outputLogsSyncMessage struct {
	Logs json.RawMessage `json:"logs"`
}

type serverErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type serverLogsMessage struct {
	Type string          `json:"type"`
	Logs json.RawMessage `json:"logs"`
}
