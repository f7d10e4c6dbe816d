package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Candidate sides.
const (
	SideCaller = "caller"
	SideCallee = "callee"
)

// Store represents a backend store that mirrors the negotiation data of
// active rooms so that it can be read without touching the hub.
type Store interface {
	SetOffer(callID string, offer json.RawMessage, ttl time.Duration) error
	SetAnswer(callID string, answer json.RawMessage, ttl time.Duration) error
	AddCandidate(callID, side string, c json.RawMessage, ttl time.Duration) error
	GetRoom(callID string) (Room, error)
	RemoveRoom(callID string) error

	Get(key string) ([]byte, error)
	Set(key string, data []byte) error
}

// Room represents the snapshot of a room's negotiation data in the store.
type Room struct {
	CallID           string            `json:"-"`
	Offer            json.RawMessage   `json:"offer"`
	Answer           json.RawMessage   `json:"-"`
	CallerCandidates []json.RawMessage `json:"callerCandidates"`
	AnswerCandidates []json.RawMessage `json:"answerCandidates"`
}

// ErrRoomNotFound indicates that the requested room was not found.
var ErrRoomNotFound = errors.New("room not found")

// ErrInvalidSide indicates an unknown candidate side.
var ErrInvalidSide = errors.New("invalid candidate side")
