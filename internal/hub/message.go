package hub

import (
	"bytes"
	"encoding/json"
	"errors"
)

// inMsg is a message received from a peer. Negotiation payloads are kept
// as raw JSON and forwarded verbatim.
type inMsg struct {
	Type      string          `json:"type"`
	CallID    string          `json:"callId"`
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`

	// The original frame.
	raw []byte
}

// outMsg is a message sent to a peer.
type outMsg struct {
	Type      string          `json:"type"`
	CallID    string          `json:"callId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// protoErr is an error reported back to the peer that caused it.
type protoErr struct {
	reason string
	msg    string
}

// Errors sent to peers.
var (
	errInvalidJSON    = protoErr{"invalid_json", "Invalid JSON"}
	errUnknownType    = protoErr{"unknown_type", "Unknown message type"}
	errRoomExists     = protoErr{"room_exists", "Room already exists"}
	errRoomNotFound   = protoErr{"room_not_found", "Room does not exist"}
	errRoomFull       = protoErr{"room_full", "Room is full"}
	errCallerNotFound = protoErr{"caller_not_found", "Caller not found"}
	errAlreadyBound   = protoErr{"already_bound", "Connection already bound"}
)

var jsonNull = []byte("null")

// parseMessage decodes a raw frame from a peer.
func parseMessage(b []byte) (inMsg, error) {
	var m inMsg
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	m.raw = b
	return m, nil
}

// validate checks that the fields a message type requires are present.
func (m inMsg) validate() error {
	if m.CallID == "" {
		return errors.New("missing callId")
	}

	switch m.Type {
	case TypeOffer:
		if isEmpty(m.Offer) {
			return errors.New("missing offer")
		}
	case TypeAnswer:
		if isEmpty(m.Answer) {
			return errors.New("missing answer")
		}
	case TypeCandidate:
		if isEmpty(m.Candidate) {
			return errors.New("missing candidate")
		}
	}
	return nil
}

func isEmpty(r json.RawMessage) bool {
	return len(r) == 0 || bytes.Equal(r, jsonNull)
}

// makePayload prepares a message payload.
func makePayload(m outMsg) []byte {
	b, _ := json.Marshal(m)
	return b
}
