package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/knadh/callrelay/internal/metrics"
	"github.com/knadh/callrelay/store"
)

// Types of messages exchanged with peers.
const (
	TypeOffer         = "offer"
	TypeOfferSuccess  = "offer-success"
	TypeJoin          = "join"
	TypeJoinSuccess   = "join-success"
	TypeAnswer        = "answer"
	TypeAnswerSuccess = "answer-success"
	TypeCandidate     = "candidate"
	TypeHangup        = "hangup"
	TypePeerJoined    = "peer-joined"
	TypeError         = "error"
)

// Config represents the app configuration.
type Config struct {
	Address string `koanf:"address"`
	Name    string `koanf:"name"`

	MaxMessageLen   int           `koanf:"max_message_length"`
	MaxMessageQueue int           `koanf:"max_message_queue"`
	WSTimeout       time.Duration `koanf:"websocket_timeout"`
	PingInterval    time.Duration `koanf:"ping_interval"`
	PongTimeout     time.Duration `koanf:"pong_timeout"`

	// RoomAge is the TTL of a room's snapshot in the store. Rooms in the hub
	// are never expired.
	RoomAge time.Duration `koanf:"room_age"`

	// FlushCandidatesOnJoin pushes candidates the caller sent before the
	// callee joined to the callee right after the cached offer.
	FlushCandidatesOnJoin bool `koanf:"flush_candidates_on_join"`

	LogLevel string `koanf:"log_level"`
	Tor      bool   `koanf:"tor"`
	TorExe   string `koanf:"tor_exe"`
}

// Hub acts as the controller and container for all call rooms.
type Hub struct {
	Store store.Store
	rooms map[string]*Room
	peers atomic.Int64

	cfg     *Config
	mut     sync.RWMutex
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHub returns a new instance of Hub.
func NewHub(cfg *Config, store store.Store, m *metrics.Metrics, l *slog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]*Room),

		cfg:     cfg,
		Store:   store,
		metrics: m,
		log:     l,
	}
}

// Get retrieves an active room from the hub. It returns nil if there's
// no room for the given call ID.
func (h *Hub) Get(callID string) *Room {
	h.mut.RLock()
	r := h.rooms[callID]
	h.mut.RUnlock()
	return r
}

// Create returns the room for the given call ID, creating an empty one if
// it doesn't exist.
func (h *Hub) Create(callID string) *Room {
	h.mut.Lock()
	defer h.mut.Unlock()

	if r, ok := h.rooms[callID]; ok {
		return r
	}

	r := newRoom(callID)
	h.rooms[callID] = r
	h.metrics.Rooms.Inc()
	return r
}

// Destroy removes a room from the hub and its snapshot from the store.
// The room's lock must be held by the caller. Only the exact room instance
// is removed, so a call ID that has since been reused is left untouched.
func (h *Hub) Destroy(r *Room) {
	if r.closed {
		return
	}
	r.closed = true

	// The snapshot goes first so that a room re-created for the same call ID
	// after the map entry is deleted can't have its snapshot wiped.
	if err := h.Store.RemoveRoom(r.CallID); err != nil {
		h.log.Error("error removing room from store", "call_id", r.CallID, "err", err)
	}

	h.mut.Lock()
	if cur, ok := h.rooms[r.CallID]; ok && cur == r {
		delete(h.rooms, r.CallID)
		h.metrics.Rooms.Dec()
	}
	h.mut.Unlock()
}

// Count returns the number of active rooms.
func (h *Hub) Count() int {
	h.mut.RLock()
	defer h.mut.RUnlock()
	return len(h.rooms)
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	return int(h.peers.Load())
}

// Snapshot returns the negotiation data mirrored in the store for a call.
// The mirror expires after RoomAge while rooms in the hub don't, so a live
// room whose mirror has expired is mirrored again and served from the hub.
func (h *Hub) Snapshot(callID string) (store.Room, error) {
	s, err := h.Store.GetRoom(callID)
	if !errors.Is(err, store.ErrRoomNotFound) {
		return s, err
	}

	r := h.lockRoom(callID, false)
	if r == nil {
		return store.Room{}, store.ErrRoomNotFound
	}
	defer r.mu.Unlock()

	if isEmpty(r.offer) {
		return store.Room{}, store.ErrRoomNotFound
	}
	h.remirror(r)
	return r.snapshot(), nil
}

// NewPeer returns a new peer for the given websocket connection.
func (h *Hub) NewPeer(ws *websocket.Conn) *Peer {
	h.peers.Add(1)
	h.metrics.Peers.Inc()
	return newPeer(uuid.NewString(), ws, h.cfg)
}

// releasePeer closes a peer's outbound queue and drops it from the peer count.
func (h *Hub) releasePeer(p *Peer) {
	if p.Close() {
		h.peers.Add(-1)
		h.metrics.Peers.Dec()
	}
}

// lockRoom returns the live room for the call ID with its lock held. If
// create is set, a missing room is created. It returns nil if there's no
// room and create is not set.
func (h *Hub) lockRoom(callID string, create bool) *Room {
	for {
		var r *Room
		if create {
			r = h.Create(callID)
		} else if r = h.Get(callID); r == nil {
			return nil
		}

		r.mu.Lock()
		if !r.closed {
			return r
		}

		// Lost a race with Destroy. Look again.
		r.mu.Unlock()
	}
}

// mirrorOffer writes a room's offer to the store, resetting its candidates.
func (h *Hub) mirrorOffer(r *Room) {
	if err := h.Store.SetOffer(r.CallID, r.offer, h.cfg.RoomAge); err != nil {
		h.log.Error("error storing offer", "call_id", r.CallID, "err", err)
	}
}

// mirrorAnswer writes a room's answer to the store.
func (h *Hub) mirrorAnswer(r *Room) {
	err := h.Store.SetAnswer(r.CallID, r.answer, h.cfg.RoomAge)
	if errors.Is(err, store.ErrRoomNotFound) {
		h.remirror(r)
		return
	}
	if err != nil {
		h.log.Error("error storing answer", "call_id", r.CallID, "err", err)
	}
}

// mirrorCandidate appends a candidate to one side of a room in the store.
// The candidate must already be in the room's buffers.
func (h *Hub) mirrorCandidate(r *Room, side string, c []byte) {
	err := h.Store.AddCandidate(r.CallID, side, c, h.cfg.RoomAge)
	if errors.Is(err, store.ErrRoomNotFound) {
		h.remirror(r)
		return
	}
	if err != nil {
		h.log.Error("error storing candidate", "call_id", r.CallID, "side", side, "err", err)
	}
}

// remirror writes the whole of a live room to the store after its mirror
// has expired. The room's lock must be held by the caller.
func (h *Hub) remirror(r *Room) {
	h.log.Debug("mirror expired, storing room again", "call_id", r.CallID)

	h.mirrorOffer(r)
	if !isEmpty(r.answer) {
		if err := h.Store.SetAnswer(r.CallID, r.answer, h.cfg.RoomAge); err != nil {
			h.log.Error("error storing answer", "call_id", r.CallID, "err", err)
		}
	}
	for side, cands := range map[string][]json.RawMessage{
		store.SideCaller: r.callerCandidates,
		store.SideCallee: r.answerCandidates,
	} {
		for _, c := range cands {
			if err := h.Store.AddCandidate(r.CallID, side, c, h.cfg.RoomAge); err != nil {
				h.log.Error("error storing candidate", "call_id", r.CallID, "side", side, "err", err)
			}
		}
	}
}
