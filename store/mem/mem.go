package mem

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/knadh/callrelay/store"
)

// Config represents the InMemory store config structure.
type Config struct {
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// InMemory represents the in-memory implementation of the Store interface.
type InMemory struct {
	cfg   *Config
	rooms map[string]*room
	data  map[string][]byte
	mu    sync.Mutex
}

type room struct {
	store.Room
	Expire time.Time
}

// New returns a new in-memory store.
func New(cfg Config) (*InMemory, error) {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	store := &InMemory{
		cfg:   &cfg,
		rooms: map[string]*room{},
		data:  map[string][]byte{},
	}
	go store.watch()
	return store, nil
}

// watch the store to clean it up.
func (m *InMemory) watch() {
	t := time.NewTicker(m.cfg.CleanupInterval)
	defer t.Stop()
	for range t.C {
		m.cleanup(time.Now())
	}
}

// cleanup removes expired rooms from the store.
func (m *InMemory) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, r := range m.rooms {
		if !r.Expire.IsZero() && r.Expire.Before(now) {
			delete(m.rooms, id)
		}
	}
}

// SetOffer records a room's offer and resets its candidate lists.
func (m *InMemory) SetOffer(callID string, offer json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rooms[callID] = &room{
		Room: store.Room{
			CallID:           callID,
			Offer:            clone(offer),
			CallerCandidates: []json.RawMessage{},
			AnswerCandidates: []json.RawMessage{},
		},
		Expire: expiry(ttl),
	}
	return nil
}

// SetAnswer records a room's answer.
func (m *InMemory) SetAnswer(callID string, answer json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[callID]
	if !ok {
		return store.ErrRoomNotFound
	}
	r.Answer = clone(answer)
	r.Expire = expiry(ttl)
	return nil
}

// AddCandidate appends a candidate to one side of a room.
func (m *InMemory) AddCandidate(callID, side string, c json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[callID]
	if !ok {
		return store.ErrRoomNotFound
	}

	switch side {
	case store.SideCaller:
		r.CallerCandidates = append(r.CallerCandidates, clone(c))
	case store.SideCallee:
		r.AnswerCandidates = append(r.AnswerCandidates, clone(c))
	default:
		return store.ErrInvalidSide
	}
	r.Expire = expiry(ttl)
	return nil
}

// GetRoom gets a room from the store.
func (m *InMemory) GetRoom(callID string) (store.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[callID]
	if !ok {
		return store.Room{}, store.ErrRoomNotFound
	}

	out := r.Room
	out.CallerCandidates = append([]json.RawMessage{}, r.CallerCandidates...)
	out.AnswerCandidates = append([]json.RawMessage{}, r.AnswerCandidates...)
	return out, nil
}

// RemoveRoom deletes a room from the store.
func (m *InMemory) RemoveRoom(callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rooms, callID)
	return nil
}

// Get value from a key.
func (m *InMemory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("key %q not found", key)
	}
	return d, nil
}

// Set a value.
func (m *InMemory) Set(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = clone(data)
	return nil
}

// expiry returns the expiry time for ttl. A ttl <= 0 never expires.
func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
