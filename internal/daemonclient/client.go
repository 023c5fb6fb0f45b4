// Package daemonclient maintains the relay's connection to the PTY daemon:
// request/response RPCs matched by id, broadcast fan-in, and automatic
// reconnection with exponential backoff.
package daemonclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable means no daemon connection is currently up.
	ErrUnavailable = errors.New("daemon unavailable")
	// ErrTimeout means the daemon did not answer an RPC in time.
	ErrTimeout = errors.New("daemon rpc timeout")
	// ErrExists is a duplicate session name.
	ErrExists = errors.New("session exists")
	// ErrNotFound is an unknown session name.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidName is a session name that sanitizes to nothing.
	ErrInvalidName = errors.New("invalid session name")
)

const (
	defaultRPCTimeout = 5 * time.Second
	initialBackoff    = time.Second
	maxBackoff        = 30 * time.Second
	maxLineBytes      = 2 * 1024 * 1024
	eventBuffer       = 1024
)

// Event is a broadcast pushed by the daemon: output, exit,
// session-removed or session-renamed.
type Event struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Data    string `json:"data,omitempty"`
	Code    int    `json:"code,omitempty"`
	NewName string `json:"newName,omitempty"`
}

// SessionInfo mirrors the daemon's list-sessions entries.
type SessionInfo struct {
	Name  string `json:"name"`
	Pid   int    `json:"pid"`
	Alive bool   `json:"alive"`
}

// Shortcut mirrors the daemon's persisted key-mapping entries.
type Shortcut struct {
	Keys   string `json:"keys"`
	Action string `json:"action"`
}

// AttachResult is the daemon's attach reply: the scrollback snapshot and
// whether the PTY is still running.
type AttachResult struct {
	Buffer string
	Alive  bool
}

// Client is safe for concurrent use. Run must be started for the
// connection to come up; RPCs made while disconnected fail fast with
// ErrUnavailable rather than queueing.
type Client struct {
	socketPath string
	timeout    time.Duration

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan json.RawMessage

	events      chan Event
	onReconnect func()
}

func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    defaultRPCTimeout,
		pending:    make(map[string]chan json.RawMessage),
		events:     make(chan Event, eventBuffer),
	}
}

// Events returns the broadcast stream. The channel is never closed; it
// simply goes quiet while the daemon is down.
func (c *Client) Events() <-chan Event { return c.events }

// OnReconnect registers a hook invoked each time a connection is
// established, including the first. The relay uses it to re-issue every
// live attachment.
func (c *Client) OnReconnect(fn func()) { c.onReconnect = fn }

// Connected reports whether a daemon connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials the daemon and keeps the connection alive until ctx is done.
// Backoff starts at one second, doubles per failure and caps at thirty
// seconds; a successful connection resets it.
func (c *Client) Run(ctx context.Context) {
	delay := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.Dial("unix", c.socketPath)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
			continue
		}

		log.Printf("[daemon-client] connected to %s", c.socketPath)
		delay = initialBackoff

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if hook := c.onReconnect; hook != nil {
			// Re-attach happens through normal RPCs, so it must not
			// run on the read loop's goroutine.
			go hook()
		}

		connDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-connDone:
			}
		}()

		c.readLoop(conn)
		close(connDone)

		c.mu.Lock()
		c.conn = nil
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		conn.Close()
		log.Printf("[daemon-client] disconnected from daemon")
	}
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		var peek struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(line, &peek); err != nil {
			continue
		}

		if peek.ID != "" {
			c.mu.Lock()
			ch, ok := c.pending[peek.ID]
			if ok {
				delete(c.pending, peek.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- json.RawMessage(line)
			}
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		select {
		case c.events <- ev:
		default:
			log.Printf("[daemon-client] event queue full, dropping %s", ev.Type)
		}
	}
}

// call sends a request and waits for the response carrying the same id.
func (c *Client) call(ctx context.Context, id string, req any) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrUnavailable
	}
	c.pending[id] = ch
	data, err := json.Marshal(req)
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	_, werr := conn.Write(append(data, '\n'))
	c.mu.Unlock()

	if werr != nil {
		c.removePending(id)
		return nil, ErrUnavailable
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, ErrUnavailable
		}
		return raw, nil
	case <-timer.C:
		c.removePending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// notify sends a fire-and-forget message. Failures are dropped; if the
// daemon is down the reconnect loop will restore service.
func (c *Client) notify(req any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	_, _ = c.conn.Write(append(data, '\n'))
}

// daemonError converts the daemon's error strings to sentinel errors the
// HTTP layer can map onto statuses.
func daemonError(msg string) error {
	switch msg {
	case "exists":
		return ErrExists
	case "not found":
		return ErrNotFound
	case "invalid name", "invalid session name":
		return ErrInvalidName
	default:
		return errors.New(msg)
	}
}

type rpcEnvelope struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	OldName  string `json:"oldName,omitempty"`
	NewName  string `json:"newName,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	Session  string `json:"session,omitempty"`
	Data     string `json:"data,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
}

// set-shortcuts gets its own struct: an empty list must still be sent so
// the daemon can persist a cleared mapping.
type setShortcutsMsg struct {
	Type      string     `json:"type"`
	ID        string     `json:"id"`
	Shortcuts []Shortcut `json:"shortcuts"`
}

// ListSessions returns all daemon sessions.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	id := uuid.NewString()
	raw, err := c.call(ctx, id, rpcEnvelope{Type: "list-sessions", ID: id})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Sessions []SessionInfo `json:"sessions"`
		Error    string        `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, daemonError(resp.Error)
	}
	if resp.Sessions == nil {
		resp.Sessions = []SessionInfo{}
	}
	return resp.Sessions, nil
}

// CreateSession creates a named session and returns the sanitized name.
func (c *Client) CreateSession(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	raw, err := c.call(ctx, id, rpcEnvelope{Type: "create-session", ID: id, Name: name})
	if err != nil {
		return "", err
	}
	return decodeNameReply(raw)
}

// RenameSession renames a session and returns the new name.
func (c *Client) RenameSession(ctx context.Context, oldName, newName string) (string, error) {
	id := uuid.NewString()
	raw, err := c.call(ctx, id, rpcEnvelope{Type: "rename-session", ID: id, OldName: oldName, NewName: newName})
	if err != nil {
		return "", err
	}
	return decodeNameReply(raw)
}

func decodeNameReply(raw json.RawMessage) (string, error) {
	var resp struct {
		Name  string `json:"name"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", daemonError(resp.Error)
	}
	return resp.Name, nil
}

// DeleteSession kills the named session's PTY and removes it.
func (c *Client) DeleteSession(ctx context.Context, name string) error {
	id := uuid.NewString()
	raw, err := c.call(ctx, id, rpcEnvelope{Type: "delete-session", ID: id, Name: name})
	if err != nil {
		return err
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return daemonError(resp.Error)
	}
	return nil
}

// Attach subscribes clientID to a session, creating it lazily, and
// returns the scrollback snapshot.
func (c *Client) Attach(ctx context.Context, clientID, session string, cols, rows int) (*AttachResult, error) {
	id := uuid.NewString()
	raw, err := c.call(ctx, id, rpcEnvelope{
		Type: "attach", ID: id, ClientID: clientID, Session: session, Cols: cols, Rows: rows,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Buffer string `json:"buffer"`
		Alive  bool   `json:"alive"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, daemonError(resp.Error)
	}
	return &AttachResult{Buffer: resp.Buffer, Alive: resp.Alive}, nil
}

// Detach drops clientID's attachment. Fire-and-forget.
func (c *Client) Detach(clientID string) {
	c.notify(rpcEnvelope{Type: "detach", ClientID: clientID})
}

// Input writes keystrokes to the session clientID is attached to.
// Fire-and-forget; input to a dead session is dropped by the daemon.
func (c *Client) Input(clientID, data string) {
	c.notify(rpcEnvelope{Type: "input", ClientID: clientID, Data: data})
}

// Resize changes the attached session's PTY dimensions. Fire-and-forget.
func (c *Client) Resize(clientID string, cols, rows int) {
	c.notify(rpcEnvelope{Type: "resize", ClientID: clientID, Cols: cols, Rows: rows})
}

// GetShortcuts reads the persisted key-mapping list.
func (c *Client) GetShortcuts(ctx context.Context) ([]Shortcut, error) {
	id := uuid.NewString()
	raw, err := c.call(ctx, id, rpcEnvelope{Type: "get-shortcuts", ID: id})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Shortcuts []Shortcut `json:"shortcuts"`
		Error     string     `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, daemonError(resp.Error)
	}
	if resp.Shortcuts == nil {
		resp.Shortcuts = []Shortcut{}
	}
	return resp.Shortcuts, nil
}

// SetShortcuts persists the key-mapping list.
func (c *Client) SetShortcuts(ctx context.Context, shortcuts []Shortcut) error {
	if shortcuts == nil {
		shortcuts = []Shortcut{}
	}
	id := uuid.NewString()
	raw, err := c.call(ctx, id, setShortcutsMsg{Type: "set-shortcuts", ID: id, Shortcuts: shortcuts})
	if err != nil {
		return err
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return daemonError(resp.Error)
	}
	return nil
}
