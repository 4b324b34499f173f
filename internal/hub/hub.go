package hub

import (
	"log"
	"sync"
	"time"

	"github.com/ezspot/ezspot/internal/room"
	"github.com/ezspot/ezspot/store"
)

// Types of messages sent to peers.
const (
	TypeTyping          = "typing"
	TypeMessage         = "message"
	TypePeerList        = "peer.list"
	TypePeerInfo        = "peer.info"
	TypePeerJoin        = "peer.join"
	TypePeerLeave       = "peer.leave"
	TypePeerRateLimited = "peer.ratelimited"
	TypeRoomDispose     = "room.dispose"
	TypeNotice          = "notice"
)

// Config represents the hub configuration.
type Config struct {
	MaxMessageLen     int           `koanf:"max_message_length"`
	MaxMessageQueue   int           `koanf:"max_message_queue"`
	WSTimeout         time.Duration `koanf:"websocket_timeout"`
	RateLimitInterval time.Duration `koanf:"rate_limit_interval"`
	RateLimitMessages int           `koanf:"rate_limit_messages"`
	MaxPeersPerRoom   int           `koanf:"max_peers_per_room"`

	// RoomTimeout is the inactivity period after which a live room is
	// disposed and removed from the registry.
	RoomTimeout time.Duration `koanf:"room_timeout"`
}

// Hub acts as the controller and container for all live rooms. It owns
// the idle-timeout disposal policy: a room that sees no activity for
// RoomTimeout is destroyed through the registry.
type Hub struct {
	registry *room.Registry
	rooms    map[uint64]*Room

	cfg *Config
	mut sync.RWMutex
	log *log.Logger
}

// NewHub returns a new instance of Hub.
func NewHub(cfg *Config, registry *room.Registry, l *log.Logger) *Hub {
	return &Hub{
		rooms:    make(map[uint64]*Room),
		registry: registry,
		cfg:      cfg,
		log:      l,
	}
}

// ActivateRoom brings a room into the hub if it's not already live,
// checking the registry for its existence first.
func (h *Hub) ActivateRoom(id uint64) (*Room, error) {
	h.mut.RLock()
	r, ok := h.rooms[id]
	h.mut.RUnlock()
	if ok {
		return r, nil
	}

	exists, err := h.registry.Exists(id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrRoomNotFound
	}
	return h.initRoom(id), nil
}

// GetRoom retrieves an active room from the hub.
func (h *Hub) GetRoom(id uint64) *Room {
	h.mut.RLock()
	r := h.rooms[id]
	h.mut.RUnlock()
	return r
}

// initRoom initializes a room on the hub.
func (h *Hub) initRoom(id uint64) *Room {
	r := NewRoom(id, h)
	h.mut.Lock()
	h.rooms[id] = r
	h.mut.Unlock()
	go r.run()
	return r
}

// removeRoom removes a room from the hub and destroys it in the
// registry.
func (h *Hub) removeRoom(id uint64) {
	h.mut.Lock()
	delete(h.rooms, id)
	h.mut.Unlock()

	if err := h.registry.RemoveRoom(id); err != nil {
		h.log.Printf("error removing room %d from registry: %v", id, err)
	}
}
