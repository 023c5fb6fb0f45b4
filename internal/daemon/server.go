package daemon

import (
	"bufio"
	"encoding/json"
	"log"
	"net"
	"os"
	"sort"
	"sync"
)

const (
	// sendQueueSize bounds each client's outbound queue. A client that
	// falls this far behind is disconnected rather than allowed to
	// backpressure PTY reads.
	sendQueueSize = 256

	// maxLineBytes caps a single NDJSON line (large pastes).
	maxLineBytes = 2 * 1024 * 1024
)

// client is one connection to the daemon socket. Outbound messages flow
// through the bounded send queue; a dedicated goroutine drains it so no
// lock is ever held across a socket write.
type client struct {
	conn    net.Conn
	send    chan []byte
	dropped bool // guarded by Server.mu
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if _, err := c.conn.Write(msg); err != nil {
			return
		}
	}
}

type attachment struct {
	session string
	owner   *client
}

// Server owns all PTY sessions and serves RPCs over a unix socket. A
// single mutex serializes every state mutation, scrollback append and
// broadcast enqueue, so an attach reply is always a consistent snapshot
// with respect to the output stream that follows it.
type Server struct {
	socketPath string
	dataDir    string
	shell      string

	ln net.Listener

	mu          sync.Mutex
	sessions    map[string]*Session
	clients     map[*client]bool
	attachments map[string]*attachment // clientId -> attachment
	closed      bool
}

func NewServer(socketPath, dataDir, shell string) *Server {
	return &Server{
		socketPath:  socketPath,
		dataDir:     dataDir,
		shell:       shell,
		sessions:    make(map[string]*Session),
		clients:     make(map[*client]bool),
		attachments: make(map[string]*attachment),
	}
}

// Listen binds the unix socket. The caller is responsible for having
// cleared any stale socket file first.
func (s *Server) Listen() error {
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	// Socket accessible only to the owner.
	os.Chmod(s.socketPath, 0600)
	s.ln = ln
	return nil
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// Shutdown kills all alive PTYs, disconnects all clients and removes the
// socket file.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var toKill []*Session
	for _, sess := range s.sessions {
		if sess.Alive {
			toKill = append(toKill, sess)
		}
	}
	s.sessions = make(map[string]*Session)
	for c := range s.clients {
		s.dropClientLocked(c)
	}
	s.mu.Unlock()

	for _, sess := range toKill {
		sess.kill()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	os.Remove(s.socketPath)
}

func (s *Server) handleConn(conn net.Conn) {
	if !peerAllowed(conn) {
		log.Printf("[daemon] rejected connection from foreign uid")
		conn.Close()
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = true
	s.mu.Unlock()

	go c.writeLoop()

	defer func() {
		s.mu.Lock()
		s.dropClientLocked(c)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.dispatch(c, line)
	}
}

// dropClientLocked removes a client and every attachment it owns. Safe to
// call more than once. Caller holds s.mu.
func (s *Server) dropClientLocked(c *client) {
	if c.dropped {
		return
	}
	c.dropped = true
	delete(s.clients, c)
	for id, att := range s.attachments {
		if att.owner == c {
			delete(s.attachments, id)
		}
	}
	close(c.send)
	c.conn.Close()
}

// enqueueRaw queues an encoded line for one client. Overflow means the
// client is too slow; it is dropped so broadcasts never block. Caller
// holds s.mu.
func (s *Server) enqueueRaw(c *client, data []byte) {
	if c.dropped {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("[daemon] dropping slow client (queue full)")
		s.dropClientLocked(c)
	}
}

func (s *Server) enqueue(c *client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.enqueueRaw(c, append(data, '\n'))
}

// broadcastLocked pushes a message to every connected socket. Caller
// holds s.mu.
func (s *Server) broadcastLocked(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')
	for c := range s.clients {
		s.enqueueRaw(c, data)
	}
}

// onData is the PTY read callback: append to scrollback and broadcast,
// both under the state mutex so attach snapshots stay consistent.
func (s *Server) onData(sess *Session, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.Ring.Append(chunk)
	s.broadcastLocked(outputEvent{Type: "output", Session: sess.Name, Data: string(chunk)})
}

// onExit is the PTY exit callback. The session entry stays listed (with
// alive=false) until it is explicitly deleted.
func (s *Server) onExit(sess *Session, code int) {
	s.mu.Lock()
	sess.Alive = false
	sess.ExitCode = code
	name := sess.Name
	if cur, ok := s.sessions[name]; ok && cur == sess {
		s.broadcastLocked(exitEvent{Type: "exit", Session: name, Code: code})
	}
	s.mu.Unlock()
	log.Printf("[daemon] session exited: %s (code %d)", name, code)
}

func (s *Server) dispatch(c *client, line []byte) {
	var peek struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(line, &peek); err != nil {
		s.mu.Lock()
		s.enqueue(c, errorResponse{Type: "error", Error: "malformed JSON"})
		s.mu.Unlock()
		return
	}

	switch peek.Type {
	case "list-sessions":
		s.handleList(c, peek.ID)

	case "create-session":
		var req createSessionRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(c, peek.Type, peek.ID, "malformed JSON")
			return
		}
		s.handleCreate(c, req)

	case "delete-session":
		var req deleteSessionRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(c, peek.Type, peek.ID, "malformed JSON")
			return
		}
		s.handleDelete(c, req)

	case "rename-session":
		var req renameSessionRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(c, peek.Type, peek.ID, "malformed JSON")
			return
		}
		s.handleRename(c, req)

	case "attach":
		var req attachRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(c, peek.Type, peek.ID, "malformed JSON")
			return
		}
		s.handleAttach(c, req)

	case "detach":
		var req detachRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		s.handleDetach(c, req)

	case "input":
		var req inputRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		s.handleInput(req)

	case "resize":
		var req resizeRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		s.handleResize(req)

	case "get-shortcuts":
		s.handleGetShortcuts(c, peek.ID)

	case "set-shortcuts":
		var req setShortcutsRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(c, peek.Type, peek.ID, "malformed JSON")
			return
		}
		s.handleSetShortcuts(c, req)

	default:
		s.sendError(c, peek.Type, peek.ID, "unknown type: "+peek.Type)
	}
}

func (s *Server) sendError(c *client, typ, id, msg string) {
	s.mu.Lock()
	s.enqueue(c, errorResponse{Type: typ, ID: id, Error: msg})
	s.mu.Unlock()
}

func (s *Server) handleList(c *client, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionInfo{Name: sess.Name, Pid: sess.Pid, Alive: sess.Alive})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	s.enqueue(c, listSessionsResponse{Type: "list-sessions", ID: id, Sessions: out})
}

func (s *Server) handleCreate(c *client, req createSessionRequest) {
	name, err := SanitizeName(req.Name)
	if err != nil {
		s.sendError(c, req.Type, req.ID, "invalid name")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[name]; ok {
		s.enqueue(c, errorResponse{Type: req.Type, ID: req.ID, Error: "exists"})
		return
	}
	sess, err := startSession(name, s.shell, DefaultCols, DefaultRows)
	if err != nil {
		log.Printf("[daemon] failed to start session %s: %v", name, err)
		s.enqueue(c, errorResponse{Type: req.Type, ID: req.ID, Error: err.Error()})
		return
	}
	s.sessions[name] = sess
	go sess.readLoop(s.onData, s.onExit)
	log.Printf("[daemon] session created: %s (pid %d)", name, sess.Pid)
	s.enqueue(c, nameResponse{Type: req.Type, ID: req.ID, Name: name})
}

func (s *Server) handleDelete(c *client, req deleteSessionRequest) {
	s.mu.Lock()
	sess, ok := s.sessions[req.Name]
	if !ok {
		s.enqueue(c, errorResponse{Type: req.Type, ID: req.ID, Error: "not found"})
		s.mu.Unlock()
		return
	}
	delete(s.sessions, req.Name)
	for id, att := range s.attachments {
		if att.session == req.Name {
			delete(s.attachments, id)
		}
	}
	alive := sess.Alive
	s.broadcastLocked(sessionRemovedEvent{Type: "session-removed", Session: req.Name})
	s.enqueue(c, okResponse{Type: req.Type, ID: req.ID, OK: true})
	s.mu.Unlock()

	if alive {
		sess.kill()
	}
	log.Printf("[daemon] session deleted: %s", req.Name)
}

func (s *Server) handleRename(c *client, req renameSessionRequest) {
	newName, err := SanitizeName(req.NewName)
	if err != nil {
		s.sendError(c, req.Type, req.ID, "invalid name")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.OldName]
	if !ok {
		s.enqueue(c, errorResponse{Type: req.Type, ID: req.ID, Error: "not found"})
		return
	}
	if _, taken := s.sessions[newName]; taken {
		s.enqueue(c, errorResponse{Type: req.Type, ID: req.ID, Error: "exists"})
		return
	}
	delete(s.sessions, req.OldName)
	s.sessions[newName] = sess
	sess.Name = newName
	// Rewrite the attachment table in place: viewers stay attached
	// across a rename.
	for _, att := range s.attachments {
		if att.session == req.OldName {
			att.session = newName
		}
	}
	s.broadcastLocked(sessionRenamedEvent{Type: "session-renamed", Session: req.OldName, NewName: newName})
	s.enqueue(c, nameResponse{Type: req.Type, ID: req.ID, Name: newName})
	log.Printf("[daemon] session renamed: %s -> %s", req.OldName, newName)
}

func (s *Server) handleAttach(c *client, req attachRequest) {
	if req.ClientID == "" {
		s.sendError(c, req.Type, req.ID, "missing clientId")
		return
	}
	name, err := SanitizeName(req.Session)
	if err != nil {
		s.sendError(c, req.Type, req.ID, "invalid session name")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		// Lazy create on first attach.
		sess, err = startSession(name, s.shell, req.Cols, req.Rows)
		if err != nil {
			log.Printf("[daemon] failed to start session %s: %v", name, err)
			s.enqueue(c, errorResponse{Type: req.Type, ID: req.ID, Error: err.Error()})
			return
		}
		s.sessions[name] = sess
		go sess.readLoop(s.onData, s.onExit)
		log.Printf("[daemon] session created on attach: %s (pid %d)", name, sess.Pid)
	} else if req.Cols > 0 && req.Rows > 0 && sess.Alive {
		sess.Cols, sess.Rows = req.Cols, req.Rows
		_ = sess.resize(req.Cols, req.Rows)
	}

	s.attachments[req.ClientID] = &attachment{session: name, owner: c}
	s.enqueue(c, attachResponse{
		Type:   req.Type,
		ID:     req.ID,
		Buffer: string(sess.Ring.Bytes()),
		Alive:  sess.Alive,
	})
}

func (s *Server) handleDetach(c *client, req detachRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachments, req.ClientID)
	if req.ID != "" {
		s.enqueue(c, okResponse{Type: req.Type, ID: req.ID, OK: true})
	}
}

// handleInput writes keystrokes to the attached session's PTY. Unknown
// clients and dead sessions are silent no-ops. The PTY write happens
// outside the state mutex: a full PTY buffer must not stall the daemon.
func (s *Server) handleInput(req inputRequest) {
	s.mu.Lock()
	var ptmx *os.File
	if att, ok := s.attachments[req.ClientID]; ok {
		if sess, ok := s.sessions[att.session]; ok && sess.Alive {
			ptmx = sess.Pty
		}
	}
	s.mu.Unlock()

	if ptmx != nil {
		_, _ = ptmx.Write([]byte(req.Data))
	}
}

func (s *Server) handleResize(req resizeRequest) {
	if req.Cols <= 0 || req.Rows <= 0 {
		return
	}
	s.mu.Lock()
	var sess *Session
	if att, ok := s.attachments[req.ClientID]; ok {
		if cur, ok := s.sessions[att.session]; ok && cur.Alive {
			sess = cur
			sess.Cols, sess.Rows = req.Cols, req.Rows
		}
	}
	s.mu.Unlock()

	if sess != nil {
		_ = sess.resize(req.Cols, req.Rows)
	}
}

func (s *Server) handleGetShortcuts(c *client, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shortcuts, err := loadShortcuts(s.dataDir)
	if err != nil {
		s.enqueue(c, errorResponse{Type: "get-shortcuts", ID: id, Error: err.Error()})
		return
	}
	s.enqueue(c, shortcutsResponse{Type: "get-shortcuts", ID: id, Shortcuts: shortcuts})
}

func (s *Server) handleSetShortcuts(c *client, req setShortcutsRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := saveShortcuts(s.dataDir, req.Shortcuts); err != nil {
		log.Printf("[daemon] failed to save shortcuts: %v", err)
		s.enqueue(c, errorResponse{Type: req.Type, ID: req.ID, Error: err.Error()})
		return
	}
	s.enqueue(c, okResponse{Type: req.Type, ID: req.ID, OK: true})
}
