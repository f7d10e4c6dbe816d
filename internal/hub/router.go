package hub

import (
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/knadh/callrelay/internal/metrics"
	"github.com/knadh/callrelay/store"
)

// Router processes messages from peers against the hub's rooms.
type Router struct {
	hub      *Hub
	cfg      *Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	handlers map[string]func(*Peer, inMsg)
}

// NewRouter returns a new Router for the given hub.
func NewRouter(h *Hub) *Router {
	rt := &Router{
		hub:     h,
		cfg:     h.cfg,
		log:     h.log,
		metrics: h.metrics,
	}
	rt.handlers = map[string]func(*Peer, inMsg){
		TypeOffer:     rt.handleOffer,
		TypeJoin:      rt.handleJoin,
		TypeAnswer:    rt.handleAnswer,
		TypeCandidate: rt.handleCandidate,
		TypeHangup:    rt.handleHangup,
	}
	return rt
}

// ServePeer runs a new peer on the given WS connection. It blocks until the
// connection is closed and the peer has been cleaned up.
func (rt *Router) ServePeer(ws *websocket.Conn) {
	p := rt.hub.NewPeer(ws)
	rt.log.Debug("peer connected", "peer", p.ID, "addr", ws.RemoteAddr().String())

	go p.RunWriter()
	p.RunListener(rt.HandleMessage)
	rt.Disconnect(p)
}

// HandleMessage parses a raw message from a peer and dispatches it to its
// handler.
func (rt *Router) HandleMessage(p *Peer, b []byte) {
	m, err := parseMessage(b)
	if err != nil {
		rt.log.Debug("invalid message", "peer", p.ID, "err", err)
		rt.replyError(p, errInvalidJSON)
		return
	}

	fn, ok := rt.handlers[m.Type]
	if !ok {
		rt.metrics.Messages.WithLabelValues("unknown").Inc()
		rt.replyError(p, errUnknownType)
		return
	}
	rt.metrics.Messages.WithLabelValues(m.Type).Inc()

	if err := m.validate(); err != nil {
		rt.log.Debug("invalid message", "peer", p.ID, "type", m.Type, "err", err)
		rt.replyError(p, errInvalidJSON)
		return
	}

	fn(p, m)
}

// Disconnect cleans up after a peer whose connection has closed. If the peer
// is a member of a room, the other member is sent a hangup and the room is
// destroyed.
func (rt *Router) Disconnect(p *Peer) {
	rt.hub.releasePeer(p)

	b, ok := p.Binding()
	if !ok {
		rt.log.Debug("peer disconnected", "peer", p.ID)
		return
	}

	r := rt.hub.lockRoom(b.CallID, false)
	if r == nil {
		return
	}
	defer r.mu.Unlock()

	// The room may have been hung up and its call ID reused.
	if !r.isMember(p) {
		return
	}

	if o := r.other(p); o != nil {
		rt.deliver(o, makePayload(outMsg{Type: TypeHangup}))
	}
	rt.hub.Destroy(r)
	rt.log.Info("room destroyed on disconnect", "call_id", b.CallID, "peer", p.ID, "role", b.Role)
}

// handleOffer binds the sender as the caller of a room and stores its offer.
func (rt *Router) handleOffer(p *Peer, m inMsg) {
	r := rt.hub.lockRoom(m.CallID, true)
	defer r.mu.Unlock()

	if r.caller != nil {
		rt.replyError(p, errRoomExists)
		return
	}

	if err := p.Bind(RoleCaller, m.CallID); err != nil {
		rt.replyError(p, errAlreadyBound)

		// Don't leave behind a room nobody is bound to.
		if r.callee == nil {
			rt.hub.Destroy(r)
		}
		return
	}

	r.caller = p
	r.resetNegotiation()
	r.offer = m.Offer
	rt.hub.mirrorOffer(r)
	rt.log.Info("caller joined", "call_id", m.CallID, "peer", p.ID)

	rt.reply(p, outMsg{Type: TypeOfferSuccess, CallID: m.CallID})

	// Only reachable if a callee outlived its caller.
	if r.callee != nil {
		rt.deliver(r.callee, makePayload(outMsg{Type: TypeOffer, CallID: m.CallID, Offer: r.offer}))
	}
}

// handleJoin binds the sender as the callee of an offered room.
func (rt *Router) handleJoin(p *Peer, m inMsg) {
	r := rt.hub.lockRoom(m.CallID, false)
	if r == nil {
		rt.replyError(p, errRoomNotFound)
		return
	}
	defer r.mu.Unlock()

	if r.caller == nil {
		rt.replyError(p, errRoomNotFound)
		return
	}
	if r.callee != nil {
		rt.replyError(p, errRoomFull)
		return
	}
	if err := p.Bind(RoleCallee, m.CallID); err != nil {
		rt.replyError(p, errAlreadyBound)
		return
	}

	r.callee = p
	rt.log.Info("callee joined", "call_id", m.CallID, "peer", p.ID)

	rt.reply(p, outMsg{Type: TypeJoinSuccess, CallID: m.CallID})
	if !isEmpty(r.offer) {
		rt.reply(p, outMsg{Type: TypeOffer, CallID: m.CallID, Offer: r.offer})
	}

	if rt.cfg.FlushCandidatesOnJoin {
		for _, c := range r.callerCandidates {
			rt.reply(p, outMsg{Type: TypeCandidate, CallID: m.CallID, Candidate: c})
		}
	}

	rt.deliver(r.caller, makePayload(outMsg{Type: TypePeerJoined}))
}

// handleAnswer stores the answer and forwards it to the caller.
func (rt *Router) handleAnswer(p *Peer, m inMsg) {
	r := rt.hub.lockRoom(m.CallID, false)
	if r == nil {
		rt.replyError(p, errCallerNotFound)
		return
	}
	defer r.mu.Unlock()

	if r.caller == nil {
		rt.replyError(p, errCallerNotFound)
		return
	}

	r.answer = m.Answer
	rt.hub.mirrorAnswer(r)

	rt.deliver(r.caller, m.raw)
	rt.reply(p, outMsg{Type: TypeAnswerSuccess, CallID: m.CallID})
}

// handleCandidate records a candidate and forwards it to the other member
// if it's present.
func (rt *Router) handleCandidate(p *Peer, m inMsg) {
	r := rt.hub.lockRoom(m.CallID, false)
	if r == nil {
		rt.replyError(p, errRoomNotFound)
		return
	}
	defer r.mu.Unlock()

	var (
		target *Peer
		side   string
	)
	switch p {
	case r.caller:
		r.callerCandidates = append(r.callerCandidates, m.Candidate)
		target, side = r.callee, store.SideCaller
	case r.callee:
		r.answerCandidates = append(r.answerCandidates, m.Candidate)
		target, side = r.caller, store.SideCallee
	default:
		rt.log.Warn("candidate from non-member dropped", "call_id", m.CallID, "peer", p.ID)
		return
	}
	rt.hub.mirrorCandidate(r, side, m.Candidate)

	if target == nil {
		if side == store.SideCallee {
			rt.log.Warn("candidate target missing", "call_id", m.CallID, "peer", p.ID)
		}
		return
	}
	rt.deliver(target, makePayload(outMsg{Type: TypeCandidate, CallID: m.CallID, Candidate: m.Candidate}))
}

// handleHangup notifies the other party and destroys the room, whoever
// sent it.
func (rt *Router) handleHangup(p *Peer, m inMsg) {
	r := rt.hub.lockRoom(m.CallID, false)
	if r == nil {
		rt.log.Debug("hangup for unknown room", "call_id", m.CallID, "peer", p.ID)
		return
	}
	defer r.mu.Unlock()

	// The party to notify is resolved from the sender's role: a caller
	// notifies the callee and anyone else notifies the caller.
	target := r.caller
	if p.Role() == RoleCaller {
		target = r.callee
	}
	if target != nil && target != p {
		rt.deliver(target, makePayload(outMsg{Type: TypeHangup}))
	}
	if !r.isMember(p) {
		rt.log.Warn("hangup from non-member", "call_id", m.CallID, "peer", p.ID)
	}

	rt.hub.Destroy(r)
	rt.log.Info("room hung up", "call_id", m.CallID, "peer", p.ID)
}

// reply sends a message to a peer.
func (rt *Router) reply(p *Peer, m outMsg) {
	rt.deliver(p, makePayload(m))
}

// replyError sends an error message to the peer that caused it.
func (rt *Router) replyError(p *Peer, e protoErr) {
	rt.metrics.Errors.WithLabelValues(e.reason).Inc()
	rt.deliver(p, makePayload(outMsg{Type: TypeError, Error: e.msg}))
}

// deliver queues a message for a peer. Failures are logged and otherwise
// ignored: the target may have gone away at any moment and that must not
// affect the room or the sender.
func (rt *Router) deliver(p *Peer, b []byte) {
	if err := p.TryDeliver(b); err != nil {
		rt.metrics.Dropped.Inc()
		rt.log.Warn("error delivering message", "peer", p.ID, "err", err)
	}
}
