package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Role is the part a peer plays in a call.
type Role string

// Peer roles.
const (
	RoleNone   Role = ""
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

var (
	// ErrAlreadyBound is returned when binding a peer that already has a role.
	ErrAlreadyBound = errors.New("peer already bound")

	// ErrPeerClosed is returned when delivering to a peer whose queue is closed.
	ErrPeerClosed = errors.New("peer closed")

	// ErrQueueFull is returned when a peer's outbound queue is saturated.
	ErrQueueFull = errors.New("peer queue full")
)

// Binding is a peer's role in a call. It's set once and never changes for
// the life of the connection.
type Binding struct {
	Role   Role
	CallID string
}

// Peer represents an individual websocket connection to the relay.
type Peer struct {
	ID string

	ws  *websocket.Conn
	cfg *Config

	// Channel for outbound messages.
	dataQ chan []byte

	mu      sync.Mutex
	binding Binding
	bound   bool
	closed  bool
}

// newPeer returns a new instance of Peer.
func newPeer(id string, ws *websocket.Conn, cfg *Config) *Peer {
	return &Peer{
		ID:    id,
		ws:    ws,
		cfg:   cfg,
		dataQ: make(chan []byte, cfg.MaxMessageQueue),
	}
}

// Bind assigns a role in a call to the peer. A peer can be bound only once.
func (p *Peer) Bind(role Role, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bound {
		return ErrAlreadyBound
	}
	p.binding = Binding{Role: role, CallID: callID}
	p.bound = true
	return nil
}

// Binding returns the peer's binding and whether it has one.
func (p *Peer) Binding() (Binding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.binding, p.bound
}

// Role returns the peer's role, or RoleNone if it's unbound.
func (p *Peer) Role() Role {
	b, _ := p.Binding()
	return b.Role
}

// CallID returns the call the peer is bound to, or "" if it's unbound.
func (p *Peer) CallID() string {
	b, _ := p.Binding()
	return b.CallID
}

// TryDeliver queues a message to be written to the peer's WS without
// blocking. Delivery is best effort: the error only says why the message
// was not queued.
func (p *Peer) TryDeliver(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}

	select {
	case p.dataQ <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close closes the peer's outbound queue, which stops its writer. It
// returns false if the peer was already closed.
func (p *Peer) Close() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	p.closed = true
	close(p.dataQ)
	return true
}

// RunListener is a blocking function that reads incoming messages from a peer's
// WS connection until its dropped or there's an error, handing each one to fn.
func (p *Peer) RunListener(fn func(*Peer, []byte)) {
	p.ws.SetReadLimit(int64(p.cfg.MaxMessageLen))
	p.ws.SetReadDeadline(time.Now().Add(p.cfg.PongTimeout))
	p.ws.SetPongHandler(func(string) error {
		p.ws.SetReadDeadline(time.Now().Add(p.cfg.PongTimeout))
		return nil
	})

	for {
		typ, m, err := p.ws.ReadMessage()
		if err != nil {
			break
		}
		if typ != websocket.TextMessage {
			continue
		}
		fn(p, m)
	}

	// WS connection is closed.
	p.ws.Close()
}

// RunWriter is a blocking function that writes messages in a peer's queue to the
// peer's WS connection and keeps it alive with pings. This should be invoked
// as a goroutine.
func (p *Peer) RunWriter() {
	t := time.NewTicker(p.cfg.PingInterval)
	defer func() {
		t.Stop()
		p.ws.Close()
	}()

	for {
		select {
		// Wait for outgoing message to appear in the channel.
		case message, ok := <-p.dataQ:
			if !ok {
				p.writeWSData(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.writeWSData(websocket.TextMessage, message); err != nil {
				return
			}

		case <-t.C:
			if err := p.writeWSData(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeWSData writes the given payload to the peer's WS connection.
func (p *Peer) writeWSData(msgType int, payload []byte) error {
	p.ws.SetWriteDeadline(time.Now().Add(p.cfg.WSTimeout))
	return p.ws.WriteMessage(msgType, payload)
}
