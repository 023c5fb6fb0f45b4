// Package p2p implements the host side of the browser WebRTC path: it
// answers SDP offers relayed over the terminal WebSocket and bridges
// pty: DataChannels to the daemon, so terminal traffic can flow
// peer-to-peer once signaling completes.
package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/katulong/katulong/internal/daemonclient"
	"github.com/pion/webrtc/v4"
)

const attachTimeout = 10 * time.Second

// signalMessage is the JSON payload carried inside a p2p-signal frame.
// The browser sends offers and trickled candidates; the host replies
// with a single answer that already embeds its gathered candidates.
type signalMessage struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Wire shapes for DataChannel traffic. They match the terminal
// WebSocket protocol so the browser can drive both transports with the
// same code.
type (
	dcIncoming struct {
		Type string `json:"type"`
		Data string `json:"data,omitempty"`
		Cols int    `json:"cols,omitempty"`
		Rows int    `json:"rows,omitempty"`
	}
	dcAttached struct {
		Type    string `json:"type"`
		Session string `json:"session"`
		Buffer  string `json:"buffer"`
		Alive   bool   `json:"alive"`
	}
	dcOutput struct {
		Type    string `json:"type"`
		Session string `json:"session"`
		Data    string `json:"data"`
	}
	dcExit struct {
		Type    string `json:"type"`
		Session string `json:"session"`
		Code    int    `json:"code"`
	}
	dcSessionEvent struct {
		Type    string `json:"type"`
		Session string `json:"session"`
		NewName string `json:"newName,omitempty"`
	}
	dcControl struct {
		Type  string `json:"type"`
		Error string `json:"error,omitempty"`
	}
)

// Peer is the host end of one browser's WebRTC connection. The relay
// creates one per terminal WebSocket on the first p2p-signal frame and
// closes it when the socket goes away or the credential is revoked.
type Peer struct {
	daemon *daemonclient.Client

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	bridges map[string]*channelBridge
	closed  bool
}

func NewPeer(daemon *daemonclient.Client) *Peer {
	return &Peer{
		daemon:  daemon,
		bridges: make(map[string]*channelBridge),
	}
}

// HandleSignal processes one signaling payload from the browser. For an
// offer it returns the JSON-encoded answer to send back on the same
// WebSocket; for a trickled candidate it returns the empty string.
func (p *Peer) HandleSignal(ctx context.Context, data string) (string, error) {
	var sig signalMessage
	if err := json.Unmarshal([]byte(data), &sig); err != nil {
		return "", fmt.Errorf("parse signal: %w", err)
	}
	switch sig.Type {
	case "offer":
		if sig.SDP == "" {
			return "", errors.New("offer carries no sdp")
		}
		return p.handleOffer(ctx, sig.SDP)
	case "candidate":
		return "", p.addCandidate(sig.Candidate)
	default:
		return "", fmt.Errorf("unknown signal type %q", sig.Type)
	}
}

// handleOffer builds a fresh PeerConnection for the offer, answers it
// and waits for ICE gathering so the answer embeds every candidate. A
// repeated offer replaces the previous connection.
func (p *Peer) handleOffer(ctx context.Context, sdp string) (string, error) {
	pc, err := p.resetConnection()
	if err != nil {
		return "", err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return "", ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return "", errors.New("no local description after ICE gathering")
	}
	reply, err := json.Marshal(signalMessage{Type: "answer", SDP: local.SDP})
	if err != nil {
		pc.Close()
		return "", err
	}
	return string(reply), nil
}

// resetConnection closes any previous PeerConnection and installs a new
// one with the data channel and state handlers wired.
func (p *Peer) resetConnection() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	pc.OnDataChannel(p.acceptChannel)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			p.detachAll()
		}
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pc.Close()
		return nil, errors.New("peer closed")
	}
	old := p.pc
	p.pc = pc
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return pc, nil
}

func (p *Peer) addCandidate(cand *webrtc.ICECandidateInit) error {
	if cand == nil {
		return errors.New("signal carries no candidate")
	}
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return errors.New("no connection to add candidate to")
	}
	return pc.AddICECandidate(*cand)
}

// acceptChannel wires a browser-created DataChannel. Only labels of the
// form pty:<session> are served; anything else is closed immediately.
func (p *Peer) acceptChannel(dc *webrtc.DataChannel) {
	session, ok := strings.CutPrefix(dc.Label(), "pty:")
	if !ok || session == "" {
		dc.Close()
		return
	}
	br := &channelBridge{
		id:      uuid.NewString(),
		session: session,
		dc:      dc,
		daemon:  p.daemon,
	}
	dc.OnOpen(func() { p.openBridge(br) })
	dc.OnMessage(br.handleMessage)
	dc.OnClose(func() { p.dropBridge(br) })
}

// openBridge attaches the bridge to its daemon session and sends the
// scrollback snapshot down the channel. The bridge is registered before
// the RPC so output racing the attach is forwarded rather than dropped;
// clients discard output seen before the attached reply.
func (p *Peer) openBridge(br *channelBridge) {
	session := br.session

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		br.dc.Close()
		return
	}
	p.bridges[br.id] = br
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	res, err := p.daemon.Attach(ctx, br.id, session, 0, 0)
	if err != nil {
		p.mu.Lock()
		delete(p.bridges, br.id)
		p.mu.Unlock()
		log.Printf("p2p attach to %q failed: %v", session, err)
		br.send(dcControl{Type: "error", Error: err.Error()})
		br.dc.Close()
		return
	}
	br.send(dcAttached{Type: "attached", Session: session, Buffer: res.Buffer, Alive: res.Alive})
}

func (p *Peer) dropBridge(br *channelBridge) {
	p.mu.Lock()
	_, ok := p.bridges[br.id]
	delete(p.bridges, br.id)
	p.mu.Unlock()
	if ok {
		p.daemon.Detach(br.id)
	}
}

// ForwardEvent routes a daemon broadcast to every bridge attached to
// the event's session. The relay calls this from its hub alongside the
// WebSocket fan-out.
func (p *Peer) ForwardEvent(ev daemonclient.Event) {
	p.mu.Lock()
	var targets []*channelBridge
	for _, br := range p.bridges {
		if br.session == ev.Session {
			targets = append(targets, br)
		}
	}
	if ev.Type == "session-renamed" {
		for _, br := range targets {
			br.session = ev.NewName
		}
	}
	p.mu.Unlock()

	for _, br := range targets {
		switch ev.Type {
		case "output":
			br.send(dcOutput{Type: "output", Session: ev.Session, Data: ev.Data})
		case "exit":
			br.send(dcExit{Type: "exit", Session: ev.Session, Code: ev.Code})
		case "session-removed":
			br.send(dcSessionEvent{Type: "session-removed", Session: ev.Session})
			br.dc.Close()
		case "session-renamed":
			br.send(dcSessionEvent{Type: "session-renamed", Session: ev.Session, NewName: ev.NewName})
		}
	}
}

// detachAll releases every daemon attachment without tearing down the
// Peer itself; it runs when the underlying connection fails or closes.
func (p *Peer) detachAll() {
	p.mu.Lock()
	bridges := make([]*channelBridge, 0, len(p.bridges))
	for _, br := range p.bridges {
		bridges = append(bridges, br)
	}
	p.bridges = make(map[string]*channelBridge)
	p.mu.Unlock()

	for _, br := range bridges {
		p.daemon.Detach(br.id)
	}
}

// Close tears down the connection and detaches every bridge. Safe to
// call more than once.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pc := p.pc
	p.pc = nil
	bridges := make([]*channelBridge, 0, len(p.bridges))
	for _, br := range p.bridges {
		bridges = append(bridges, br)
	}
	p.bridges = make(map[string]*channelBridge)
	p.mu.Unlock()

	for _, br := range bridges {
		p.daemon.Detach(br.id)
	}
	if pc != nil {
		pc.Close()
	}
}

// channelBridge ties one DataChannel to one daemon attachment. Each
// bridge gets its own clientId so the daemon treats it like any other
// attached client.
type channelBridge struct {
	id      string
	session string
	dc      *webrtc.DataChannel
	daemon  *daemonclient.Client
}

func (br *channelBridge) handleMessage(msg webrtc.DataChannelMessage) {
	var in dcIncoming
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		br.send(dcControl{Type: "error", Error: "malformed message"})
		return
	}
	switch in.Type {
	case "input":
		br.daemon.Input(br.id, in.Data)
	case "resize":
		if in.Cols > 0 && in.Rows > 0 {
			br.daemon.Resize(br.id, in.Cols, in.Rows)
		}
	case "ping":
		br.send(dcControl{Type: "pong"})
	default:
		br.send(dcControl{Type: "error", Error: "unknown message type: " + in.Type})
	}
}

func (br *channelBridge) send(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	br.dc.SendText(string(b))
}
