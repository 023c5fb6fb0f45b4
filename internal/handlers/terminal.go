package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/katulong/katulong/internal/access"
	"github.com/katulong/katulong/internal/auth"
	"github.com/katulong/katulong/internal/daemonclient"
	"github.com/katulong/katulong/internal/middleware"
	"github.com/katulong/katulong/internal/p2p"
	"github.com/katulong/katulong/internal/store"
)

const (
	wsReadLimit  = 1024 * 1024
	wsWriteWait  = 10 * time.Second
	pingInterval = 30 * time.Second
	pingTimeout  = 10 * time.Second

	// Two straight missed pings mean the connection is half-open.
	maxMissedPings = 2

	// sendQueueSize bounds the per-client outbound queue. A client that
	// cannot drain it is dropped rather than allowed to backpressure the
	// daemon fan-out.
	sendQueueSize = 256

	// terminalRateCap is the token bucket burst size, allowing short
	// bursts of rapid input (e.g. paste operations); terminalRateRefill
	// is the sustained messages-per-second budget.
	terminalRateCap    = 4096
	terminalRateRefill = 1024
)

type wsIncoming struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Data    string `json:"data,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

type wsAttached struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Buffer  string `json:"buffer"`
	Alive   bool   `json:"alive"`
}

type wsOutput struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Data    string `json:"data"`
}

type wsExit struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Code    int    `json:"code"`
}

type wsSessionEvent struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	NewName string `json:"newName,omitempty"`
}

type wsSignal struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type wsControl struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// termClient is one browser WebSocket. Its clientID keys the daemon
// attachment, so input routing works without a session field on every
// keystroke.
type termClient struct {
	id   string
	conn *websocket.Conn

	// credentialID / sessionToken are empty for localhost callers.
	credentialID string
	sessionToken string

	sendq chan []byte
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	session string
	peer    *p2p.Peer
}

func (c *termClient) enqueue(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.sendq <- b:
	default:
		log.Printf("terminal client %s cannot keep up, dropping connection", c.id)
		c.shutdown(0, "")
	}
}

// shutdown closes the socket exactly once. Code 0 means an abrupt close
// with no closing handshake.
func (c *termClient) shutdown(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		if code == 0 {
			c.conn.CloseNow()
		} else {
			c.conn.Close(code, reason)
		}
	})
}

func (c *termClient) setSession(name string) {
	c.mu.Lock()
	c.session = name
	c.mu.Unlock()
}

func (c *termClient) currentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *termClient) forwardEvent(ev daemonclient.Event) {
	c.mu.Lock()
	attached := c.session == ev.Session
	peer := c.peer
	switch ev.Type {
	case "session-removed":
		if attached {
			c.session = ""
		}
	case "session-renamed":
		if attached {
			c.session = ev.NewName
		}
	}
	c.mu.Unlock()

	switch ev.Type {
	case "output":
		if attached {
			c.enqueue(wsOutput{Type: "output", Session: ev.Session, Data: ev.Data})
		}
	case "exit":
		c.enqueue(wsExit{Type: "exit", Session: ev.Session, Code: ev.Code})
	case "session-removed":
		c.enqueue(wsSessionEvent{Type: "session-removed", Session: ev.Session})
	case "session-renamed":
		c.enqueue(wsSessionEvent{Type: "session-renamed", Session: ev.Session, NewName: ev.NewName})
	}

	if peer != nil {
		peer.ForwardEvent(ev)
	}
}

func (c *termClient) closePeer() {
	c.mu.Lock()
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()
	if peer != nil {
		peer.Close()
	}
}

// Hub tracks live terminal sockets so daemon broadcasts, credential
// revocations and graceful shutdown can reach every one of them.
type Hub struct {
	mu      sync.Mutex
	clients map[*termClient]struct{}
}

// Terminals is the process-wide hub. main.go starts its Run loop.
var Terminals = &Hub{clients: make(map[*termClient]struct{})}

func (h *Hub) add(c *termClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *termClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*termClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*termClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Run fans daemon broadcasts and credential revocations out to the
// connected clients until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	events := Daemon.Events()
	revoked := Store.Revocations()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			for _, c := range h.snapshot() {
				c.forwardEvent(ev)
			}
		case credentialID := <-revoked:
			h.CloseCredential(credentialID)
		}
	}
}

// CloseCredential force-closes every socket bound to a revoked
// credential with 1008 so clients return to the login page.
func (h *Hub) CloseCredential(credentialID string) {
	for _, c := range h.snapshot() {
		if c.credentialID != "" && c.credentialID == credentialID {
			log.Printf("closing terminal client %s: credential revoked", c.id)
			c.shutdown(websocket.StatusPolicyViolation, "credential revoked")
		}
	}
}

// CloseAll tells every client the server is going away. Clients treat
// 1001 as "reconnect later", unlike 1008.
func (h *Hub) CloseAll(reason string) {
	for _, c := range h.snapshot() {
		c.shutdown(websocket.StatusGoingAway, reason)
	}
}

// ReattachAll re-issues every live attachment after the daemon
// connection returns, then replays the fresh scrollback snapshot.
func (h *Hub) ReattachAll() {
	for _, c := range h.snapshot() {
		session := c.currentSession()
		if session == "" {
			continue
		}
		go func(c *termClient, session string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := Daemon.Attach(ctx, c.id, session, 0, 0)
			if err != nil {
				log.Printf("reattach of client %s to %q failed: %v", c.id, session, err)
				return
			}
			c.enqueue(wsAttached{Type: "attached", Session: session, Buffer: res.Buffer, Alive: res.Alive})
		}(c, session)
	}
}

// sameOriginUpgrade enforces the CSWSH guard: Origin must be present
// and its host must equal the request Host.
func sameOriginUpgrade(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// TerminalWS upgrades to a WebSocket and bridges it to daemon sessions.
// Non-localhost callers need a same-origin upgrade and a valid session
// cookie; localhost callers connect bare.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	var sess *store.Session
	if middleware.GetTier(r) != access.TierLocalhost {
		if !sameOriginUpgrade(r) {
			writeError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		cookie, err := r.Cookie(auth.SessionCookie)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		s, err := Store.ValidateSession(cookie.Value)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		sess = &s
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin was already checked above with tier awareness.
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("terminal websocket accept failed: %v", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	c := &termClient{
		id:    uuid.NewString(),
		conn:  conn,
		sendq: make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
	}
	if sess != nil {
		c.credentialID = sess.CredentialID
		c.sessionToken = sess.Token
	}

	Terminals.add(c)
	defer func() {
		Terminals.remove(c)
		Daemon.Detach(c.id)
		c.closePeer()
		c.shutdown(0, "")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.writePump(ctx, cancel)
	go c.pingPump(ctx)
	c.readPump(ctx)
}

func (c *termClient) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case b := <-c.sendq:
			wctx, wcancel := context.WithTimeout(ctx, wsWriteWait)
			err := c.conn.Write(wctx, websocket.MessageText, b)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *termClient) pingPump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(pctx)
			pcancel()
			if err != nil {
				missed++
				if missed >= maxMissedPings {
					log.Printf("terminal client %s unresponsive, dropping", c.id)
					c.shutdown(0, "")
					return
				}
			} else {
				missed = 0
			}
		}
	}
}

func (c *termClient) readPump(ctx context.Context) {
	limiter := newTokenBucket(terminalRateCap, terminalRateRefill)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.shutdown(websocket.StatusNormalClosure, "")
			return
		}

		if !limiter.allow() {
			c.shutdown(websocket.StatusPolicyViolation, "message rate exceeded")
			return
		}

		// Sessions are re-validated on every message so revocation takes
		// effect even if the revoke event raced past this connection.
		if c.sessionToken != "" {
			if _, err := Store.ValidateSession(c.sessionToken); err != nil {
				c.shutdown(websocket.StatusPolicyViolation, "session expired")
				return
			}
		}

		var msg wsIncoming
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(wsControl{Type: "error", Error: "malformed JSON"})
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *termClient) dispatch(ctx context.Context, msg wsIncoming) {
	switch msg.Type {
	case "attach":
		// Set the subscription before the RPC: output produced while the
		// attach is in flight is also part of the returned buffer, and
		// clients discard output seen before the attached reply.
		previous := c.currentSession()
		c.setSession(msg.Session)
		res, err := Daemon.Attach(ctx, c.id, msg.Session, msg.Cols, msg.Rows)
		if err != nil {
			c.setSession(previous)
			c.enqueue(wsControl{Type: "error", Error: err.Error()})
			return
		}
		c.enqueue(wsAttached{Type: "attached", Session: msg.Session, Buffer: res.Buffer, Alive: res.Alive})
	case "input":
		Daemon.Input(c.id, msg.Data)
	case "resize":
		if msg.Cols > 0 && msg.Rows > 0 {
			Daemon.Resize(c.id, msg.Cols, msg.Rows)
		}
	case "detach":
		Daemon.Detach(c.id)
		c.setSession("")
	case "p2p-signal":
		answer, err := c.peerSignal(ctx, msg.Data)
		if err != nil {
			c.enqueue(wsControl{Type: "error", Error: "p2p: " + err.Error()})
			return
		}
		if answer != "" {
			c.enqueue(wsSignal{Type: "p2p-signal", Data: answer})
		}
	case "ping":
		c.enqueue(wsControl{Type: "pong"})
	default:
		c.enqueue(wsControl{Type: "error", Error: "unknown message type: " + msg.Type})
	}
}

func (c *termClient) peerSignal(ctx context.Context, data string) (string, error) {
	c.mu.Lock()
	if c.peer == nil {
		c.peer = p2p.NewPeer(Daemon)
	}
	peer := c.peer
	c.mu.Unlock()
	return peer.HandleSignal(ctx, data)
}

// tokenBucket is a simple rate limiter for inbound terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
