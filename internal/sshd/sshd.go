// Package sshd is the SSH front door: a password-gated x/crypto/ssh
// server whose sessions bridge straight to daemon PTY sessions. The
// username picks the session name, so `ssh work@host` lands in the same
// terminal a browser sees as "work".
package sshd

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/katulong/katulong/internal/crypto"
	"github.com/katulong/katulong/internal/daemon"
	"github.com/katulong/katulong/internal/daemonclient"
	"github.com/katulong/katulong/internal/logutil"
	"github.com/katulong/katulong/internal/store"
	"golang.org/x/crypto/ssh"
)

const (
	attachTimeout = 10 * time.Second
	sendQueueSize = 256
)

// Config carries the server's collaborators. Daemon must be a client
// dedicated to this server; its broadcast stream is consumed here.
type Config struct {
	Addr     string
	Password string
	Fallback string
	Keystore *crypto.Keystore
	Daemon   *daemonclient.Client
	Lockout  *store.Lockout
}

type Server struct {
	cfg    Config
	sshCfg *ssh.ServerConfig

	mu      sync.Mutex
	ln      net.Listener
	bridges map[string]*bridge
	closed  bool
}

func New(cfg Config) (*Server, error) {
	hostKey, err := cfg.Keystore.LoadOrCreateHostKey()
	if err != nil {
		return nil, fmt.Errorf("ssh host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		return nil, fmt.Errorf("ssh host signer: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		bridges: make(map[string]*bridge),
	}
	sshCfg := &ssh.ServerConfig{
		PasswordCallback: s.checkPassword,
		ServerVersion:    "SSH-2.0-Katulong",
	}
	sshCfg.AddHostKey(signer)
	s.sshCfg = sshCfg

	cfg.Daemon.OnReconnect(s.reattachAll)
	return s, nil
}

// checkPassword compares against SSH_PASSWORD, falling back to the
// setup token when no dedicated password is set. With both empty every
// attempt is rejected. Failures feed the lockout tracker per remote IP.
func (s *Server) checkPassword(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	secret := s.cfg.Password
	if secret == "" {
		secret = s.cfg.Fallback
	}
	if secret == "" {
		return nil, errors.New("password authentication disabled")
	}

	host, _, err := net.SplitHostPort(meta.RemoteAddr().String())
	if err != nil {
		host = meta.RemoteAddr().String()
	}
	key := "ssh:" + host

	if locked, _ := s.cfg.Lockout.IsLocked(key); locked {
		return nil, errors.New("too many failed attempts")
	}
	if subtle.ConstantTimeCompare([]byte(secret), password) != 1 {
		s.cfg.Lockout.Fail(key)
		return nil, errors.New("permission denied")
	}
	s.cfg.Lockout.Success(key)
	return &ssh.Permissions{}, nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ssh listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts SSH connections until ctx is cancelled or Close is
// called. It also pumps daemon broadcasts to the live bridges.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("ssh server closed")
	}
	s.ln = ln
	s.mu.Unlock()
	log.Printf("[ssh] listening on %s", ln.Addr())

	go s.pumpEvents(ctx)
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return fmt.Errorf("ssh accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the listener and tears down every live bridge.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.ln
	bridges := make([]*bridge, 0, len(s.bridges))
	for _, br := range s.bridges {
		bridges = append(bridges, br)
	}
	s.bridges = make(map[string]*bridge)
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, br := range bridges {
		s.cfg.Daemon.Detach(br.id)
		br.shutdown()
	}
}

func (s *Server) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.cfg.Daemon.Events():
			s.forwardEvent(ev)
		}
	}
}

func (s *Server) forwardEvent(ev daemonclient.Event) {
	s.mu.Lock()
	var targets []*bridge
	for _, br := range s.bridges {
		if br.session == ev.Session {
			targets = append(targets, br)
		}
	}
	if ev.Type == "session-renamed" {
		for _, br := range targets {
			br.session = ev.NewName
		}
	}
	s.mu.Unlock()

	for _, br := range targets {
		switch ev.Type {
		case "output":
			if !br.enqueue([]byte(ev.Data)) {
				log.Printf("[ssh] client %s cannot keep up, dropping", br.id)
				br.shutdown()
			}
		case "exit":
			br.exit(ev.Code)
		case "session-removed":
			br.enqueue([]byte("\r\n[session removed]\r\n"))
			br.exit(0)
		}
	}
}

// reattachAll re-issues every live attachment after the daemon client
// reconnects, mirroring what the relay hub does for WebSockets.
func (s *Server) reattachAll() {
	type pair struct {
		br      *bridge
		session string
	}
	s.mu.Lock()
	pairs := make([]pair, 0, len(s.bridges))
	for _, br := range s.bridges {
		pairs = append(pairs, pair{br, br.session})
	}
	s.mu.Unlock()

	for _, p := range pairs {
		go func(p pair) {
			ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
			defer cancel()
			if _, err := s.cfg.Daemon.Attach(ctx, p.br.id, p.session, 0, 0); err != nil {
				log.Printf("[ssh] reattach to %q failed: %v", p.session, err)
				p.br.shutdown()
			}
		}(p)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer netConn.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(netConn, s.sshCfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(sconn.User(), ch, requests)
	}
}

// Payload shapes from RFC 4254. ssh.Unmarshal handles the wire framing.
type ptyRequest struct {
	Term     string
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    string
}

type windowChangeRequest struct {
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
}

func (s *Server) handleSession(user string, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	session, err := daemon.SanitizeName(user)
	if err != nil {
		fmt.Fprintf(ch.Stderr(), "invalid session name %q\r\n", logutil.SanitizeForLog(user))
		return
	}

	var cols, rows uint32
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			perr := ssh.Unmarshal(req.Payload, &p)
			if perr == nil {
				cols, rows = p.Cols, p.Rows
			}
			if req.WantReply {
				req.Reply(perr == nil, nil)
			}

		case "env":
			// Accepted so clients do not bail, but nothing is forwarded
			// to the PTY; SSH_PASSWORD, SETUP_TOKEN and KATULONG_NO_AUTH
			// never leave this handler.
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			var w windowChangeRequest
			if ssh.Unmarshal(req.Payload, &w) == nil {
				cols, rows = w.Cols, w.Rows
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			br, res, err := s.openBridge(session, ch, int(cols), int(rows))
			if err != nil {
				if req.WantReply {
					req.Reply(false, nil)
				}
				fmt.Fprintf(ch.Stderr(), "%v\r\n", err)
				return
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			log.Printf("[ssh] %s attached to session %q", br.id, session)
			// Replay the scrollback before live output starts flowing.
			// Output that raced the attach may repeat a few bytes, but
			// none are lost.
			if res.Buffer != "" {
				ch.Write([]byte(res.Buffer))
			}
			go br.writeLoop()
			if !res.Alive {
				br.exit(0)
			}
			go s.serveRequests(reqs, br)
			s.pumpInput(br, ch)
			return

		case "exec":
			// Interactive shells only; there is no one-shot command path
			// into a shared PTY session.
			if req.WantReply {
				req.Reply(false, nil)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// serveRequests keeps answering channel requests after the shell
// started; window-change is the one that matters.
func (s *Server) serveRequests(reqs <-chan *ssh.Request, br *bridge) {
	for req := range reqs {
		switch req.Type {
		case "window-change":
			var w windowChangeRequest
			if ssh.Unmarshal(req.Payload, &w) == nil && w.Cols > 0 && w.Rows > 0 {
				s.cfg.Daemon.Resize(br.id, int(w.Cols), int(w.Rows))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "env":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) openBridge(session string, ch ssh.Channel, cols, rows int) (*bridge, *daemonclient.AttachResult, error) {
	br := &bridge{
		id:      uuid.NewString(),
		session: session,
		ch:      ch,
		sendq:   make(chan []byte, sendQueueSize),
		exitq:   make(chan int, 1),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, errors.New("server shutting down")
	}
	s.bridges[br.id] = br
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	res, err := s.cfg.Daemon.Attach(ctx, br.id, session, cols, rows)
	if err != nil {
		s.mu.Lock()
		delete(s.bridges, br.id)
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("attach %q: %w", session, err)
	}
	return br, res, nil
}

func (s *Server) dropBridge(br *bridge) {
	s.mu.Lock()
	_, ok := s.bridges[br.id]
	delete(s.bridges, br.id)
	s.mu.Unlock()
	if ok {
		s.cfg.Daemon.Detach(br.id)
	}
	br.shutdown()
}

// pumpInput copies channel reads into daemon input notifies. Returns
// when the channel closes, which also covers the exit path: the write
// loop closes the channel after the final flush.
func (s *Server) pumpInput(br *bridge, ch ssh.Channel) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			s.cfg.Daemon.Input(br.id, string(buf[:n]))
		}
		if err != nil {
			s.dropBridge(br)
			return
		}
	}
}

// bridge ties one SSH session channel to one daemon attachment. Output
// flows through a bounded queue so a stalled SSH peer never blocks the
// event pump.
type bridge struct {
	id      string
	session string
	ch      ssh.Channel
	sendq   chan []byte
	exitq   chan int
	done    chan struct{}
	once    sync.Once
}

func (b *bridge) enqueue(data []byte) bool {
	select {
	case b.sendq <- data:
		return true
	default:
		return false
	}
}

func (b *bridge) exit(code int) {
	select {
	case b.exitq <- code:
	default:
	}
}

func (b *bridge) shutdown() {
	b.once.Do(func() { close(b.done) })
}

// writeLoop drains queued output ahead of the exit signal, so the tail
// of a session is delivered before exit-status closes the channel.
func (b *bridge) writeLoop() {
	defer b.ch.Close()
	for {
		select {
		case data := <-b.sendq:
			if _, err := b.ch.Write(data); err != nil {
				return
			}
		default:
			select {
			case data := <-b.sendq:
				if _, err := b.ch.Write(data); err != nil {
					return
				}
			case code := <-b.exitq:
				payload := ssh.Marshal(struct{ Status uint32 }{uint32(code)})
				b.ch.SendRequest("exit-status", false, payload)
				return
			case <-b.done:
				return
			}
		}
	}
}
