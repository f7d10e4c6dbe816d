package hub

import (
	"encoding/json"
	"sync"

	"github.com/knadh/callrelay/store"
)

// Room represents a call between a caller and a callee, keyed by the call ID
// both of them share. All fields are guarded by mu.
type Room struct {
	CallID string

	mu     sync.Mutex
	closed bool

	caller *Peer
	callee *Peer

	// Last seen session descriptions.
	offer  json.RawMessage
	answer json.RawMessage

	// Candidates sent by either side, in arrival order.
	callerCandidates []json.RawMessage
	answerCandidates []json.RawMessage
}

// newRoom returns a new instance of Room.
func newRoom(callID string) *Room {
	return &Room{CallID: callID}
}

// isMember checks whether p is currently bound to the room.
func (r *Room) isMember(p *Peer) bool {
	return p != nil && (r.caller == p || r.callee == p)
}

// other returns the member of the room that isn't p.
func (r *Room) other(p *Peer) *Peer {
	switch p {
	case r.caller:
		return r.callee
	case r.callee:
		return r.caller
	}
	return nil
}

// resetNegotiation clears the session descriptions and candidate buffers.
func (r *Room) resetNegotiation() {
	r.offer = nil
	r.answer = nil
	r.callerCandidates = nil
	r.answerCandidates = nil
}

// snapshot returns a copy of the room's negotiation data.
func (r *Room) snapshot() store.Room {
	return store.Room{
		CallID:           r.CallID,
		Offer:            r.offer,
		Answer:           r.answer,
		CallerCandidates: append([]json.RawMessage{}, r.callerCandidates...),
		AnswerCandidates: append([]json.RawMessage{}, r.answerCandidates...),
	}
}
