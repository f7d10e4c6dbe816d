package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// message is a relay message as seen by a client.
type message struct {
	Type      string                     `json:"type"`
	CallID    string                     `json:"callId,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// snapshot is the body of GET /offer/{callId}.
type snapshot struct {
	Offer            json.RawMessage   `json:"offer"`
	CallerCandidates []json.RawMessage `json:"callerCandidates"`
	AnswerCandidates []json.RawMessage `json:"answerCandidates"`
}

// probePeer is one end of a probe call: a peer connection signalling
// through its own websocket to the relay.
type probePeer struct {
	role   string
	callID string
	ws     *websocket.Conn
	pc     *webrtc.PeerConnection
	log    *slog.Logger

	wmu sync.Mutex

	mu sync.Mutex
	// Local candidates gathered before the relay acknowledged the offer
	// or join. Sending them earlier gets a "Room does not exist" error.
	ready bool
	local []webrtc.ICECandidateInit
	// Remote candidates that arrived before the remote description.
	remoteSet bool
	remote    []webrtc.ICECandidateInit

	readyCh   chan struct{}
	readyOnce sync.Once
	hangupCh  chan struct{}
	hangOnce  sync.Once
	closing   atomic.Bool
}

func newProbePeer(ctx context.Context, role, wsURL, callID string, stun []string, l *slog.Logger) (*probePeer, error) {
	var cfg webrtc.Configuration
	if len(stun) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stun}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating %s peer connection: %w", role, err)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("error connecting %s to %s: %w", role, wsURL, err)
	}

	p := &probePeer{
		role:     role,
		callID:   callID,
		ws:       ws,
		pc:       pc,
		log:      l.With("role", role),
		readyCh:  make(chan struct{}),
		hangupCh: make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		ci := c.ToJSON()

		p.mu.Lock()
		if !p.ready {
			p.local = append(p.local, ci)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.sendCandidate(ci)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug("connection state", "state", s.String())
	})

	return p, nil
}

// send writes a message to the relay.
func (p *probePeer) send(m message) error {
	m.CallID = p.callID

	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.ws.WriteJSON(m)
}

func (p *probePeer) sendCandidate(c webrtc.ICECandidateInit) {
	if err := p.send(message{Type: "candidate", Candidate: &c}); err != nil {
		p.log.Warn("error sending candidate", "err", err)
	}
}

// markReady flushes the candidates held back until the relay bound the
// connection to the call.
func (p *probePeer) markReady() {
	p.mu.Lock()
	p.ready = true
	pending := p.local
	p.local = nil
	p.mu.Unlock()

	for _, c := range pending {
		p.sendCandidate(c)
	}
	p.readyOnce.Do(func() { close(p.readyCh) })
}

// setRemote applies the remote description and any candidates that were
// waiting for it.
func (p *probePeer) setRemote(d webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(d); err != nil {
		return fmt.Errorf("error setting remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.remote
	p.remote = nil
	p.mu.Unlock()

	for _, c := range pending {
		p.addCandidate(c)
	}
	return nil
}

// addRemote adds a remote candidate or holds it until the remote
// description is set.
func (p *probePeer) addRemote(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	if !p.remoteSet {
		p.remote = append(p.remote, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.addCandidate(c)
}

func (p *probePeer) addCandidate(c webrtc.ICECandidateInit) {
	if err := p.pc.AddICECandidate(c); err != nil {
		p.log.Warn("error adding candidate", "err", err)
	}
}

// answer answers an offer forwarded by the relay.
func (p *probePeer) answer(offer webrtc.SessionDescription) error {
	if err := p.setRemote(offer); err != nil {
		return err
	}

	a, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("error creating answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(a); err != nil {
		return fmt.Errorf("error setting local description: %w", err)
	}
	return p.send(message{Type: "answer", Answer: p.pc.LocalDescription()})
}

// listen reads relay messages until the connection is closed.
func (p *probePeer) listen() error {
	for {
		var m message
		if err := p.ws.ReadJSON(&m); err != nil {
			if p.closing.Load() {
				return nil
			}
			return fmt.Errorf("%s: error reading from relay: %w", p.role, err)
		}
		p.log.Debug("received", "type", m.Type)

		switch m.Type {
		case "offer-success", "join-success":
			p.markReady()

		case "offer":
			if m.Offer == nil {
				return fmt.Errorf("%s: offer without description", p.role)
			}
			if err := p.answer(*m.Offer); err != nil {
				return fmt.Errorf("%s: %w", p.role, err)
			}

		case "answer":
			if m.Answer == nil {
				return fmt.Errorf("%s: answer without description", p.role)
			}
			if err := p.setRemote(*m.Answer); err != nil {
				return fmt.Errorf("%s: %w", p.role, err)
			}

		case "candidate":
			if m.Candidate != nil {
				p.addRemote(*m.Candidate)
			}

		case "peer-joined":
			p.log.Info("peer joined")

		case "answer-success":

		case "hangup":
			p.hangOnce.Do(func() { close(p.hangupCh) })

		case "error":
			return fmt.Errorf("%s: relay error: %s", p.role, m.Error)

		default:
			p.log.Warn("unknown message", "type", m.Type)
		}
	}
}

func (p *probePeer) close() {
	p.closing.Store(true)
	p.ws.Close()
	p.pc.Close()
}

// offerURL returns the snapshot URL of a call on the relay serving wsURL.
func offerURL(wsURL, callID string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	base := strings.TrimSuffix(u.EscapedPath(), "/ws")
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/offer/" + callID
	u.RawPath = base + "/offer/" + url.PathEscape(callID)
	return u.String(), nil
}

// fetchCallerCandidates returns the caller candidates the relay holds for
// a call. They are not pushed to a callee that joins after they were sent.
func fetchCallerCandidates(ctx context.Context, wsURL, callID string) ([]webrtc.ICECandidateInit, error) {
	u, err := offerURL(wsURL, callID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u)
	}

	var s snapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	if len(s.Offer) == 0 {
		return nil, errors.New("snapshot has no offer")
	}

	out := make([]webrtc.ICECandidateInit, 0, len(s.CallerCandidates))
	for _, b := range s.CallerCandidates {
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("invalid candidate in snapshot: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}
