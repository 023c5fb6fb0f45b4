package daemon

// The daemon speaks newline-delimited JSON over a local unix socket. Every
// message carries "type". Requests carry a random "id" which the response
// echoes; messages without an id ("input", "resize", bare "detach") are
// fire-and-forget and produce no response. Broadcast messages carry no id
// and are pushed to every connected socket.

// --- Client → Daemon requests ---

type listSessionsRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type createSessionRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type deleteSessionRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type renameSessionRequest struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

// attachRequest subscribes a clientId to a session's output. The session is
// created lazily if it does not exist. The response carries the scrollback.
type attachRequest struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
	Session  string `json:"session"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
}

type detachRequest struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	ClientID string `json:"clientId"`
}

// inputRequest writes keystrokes to the PTY the clientId is attached to.
// Input to a dead or unknown session is silently dropped.
type inputRequest struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Data     string `json:"data"`
}

type resizeRequest struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Cols     int    `json:"cols"`
	Rows     int    `json:"rows"`
}

type getShortcutsRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type setShortcutsRequest struct {
	Type      string     `json:"type"`
	ID        string     `json:"id"`
	Shortcuts []Shortcut `json:"shortcuts"`
}

// Shortcut is one persisted key-mapping entry.
type Shortcut struct {
	Keys   string `json:"keys"`
	Action string `json:"action"`
}

// --- Daemon → Client responses (type echoes the request type) ---

type errorResponse struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

type okResponse struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	OK   bool   `json:"ok"`
}

type listSessionsResponse struct {
	Type     string        `json:"type"`
	ID       string        `json:"id"`
	Sessions []SessionInfo `json:"sessions"`
}

// SessionInfo describes a single PTY session.
type SessionInfo struct {
	Name  string `json:"name"`
	Pid   int    `json:"pid"`
	Alive bool   `json:"alive"`
}

type nameResponse struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// attachResponse confirms attachment. Buffer holds the full scrollback at
// the moment the attach completed; subsequent output events carry only
// bytes produced after that point.
type attachResponse struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Buffer string `json:"buffer"`
	Alive  bool   `json:"alive"`
}

type shortcutsResponse struct {
	Type      string     `json:"type"`
	ID        string     `json:"id"`
	Shortcuts []Shortcut `json:"shortcuts"`
}

// --- Daemon → Client broadcasts ---

type outputEvent struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Data    string `json:"data"`
}

type exitEvent struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Code    int    `json:"code"`
}

type sessionRemovedEvent struct {
	Type    string `json:"type"`
	Session string `json:"session"`
}

type sessionRenamedEvent struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	NewName string `json:"newName"`
}
