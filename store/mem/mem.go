package mem

import (
	"sync"
	"time"

	"github.com/ezspot/ezspot/store"
)

// Config represents the InMemory store config structure.
type Config struct{}

// InMemory represents the in-memory implementation of the Store interface.
// A single mutex guards every read-check-write sequence, which is what
// makes the one-off password and refresh-token take operations atomic.
type InMemory struct {
	cfg      *Config
	rooms    map[uint64]*room
	sessions map[string]session
	mu       sync.Mutex
}

type room struct {
	store.Room
	members map[string]struct{}
}

type session struct {
	store.Session
	expire time.Time
}

// New returns a new in-memory store.
func New(cfg Config) (*InMemory, error) {
	m := &InMemory{
		cfg:      &cfg,
		rooms:    map[uint64]*room{},
		sessions: map[string]session{},
	}
	go m.watch()
	return m, nil
}

// watch the store to clean it up.
func (m *InMemory) watch() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for range t.C {
		m.cleanup()
	}
}

// cleanup removes expired sessions and expired room passwords.
func (m *InMemory) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	for id, s := range m.sessions {
		if s.expire.Before(now) {
			delete(m.sessions, id)
		}
	}

	for _, r := range m.rooms {
		for pw, f := range r.Passwords {
			if f.Kind == store.PasswordExpiring && f.ExpiresAt.Before(now) {
				delete(r.Passwords, pw)
			}
		}
	}
}

// AddRoom adds a room to the store if its ID isn't already live.
func (m *InMemory) AddRoom(r store.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[r.ID]; ok {
		return store.ErrRoomExists
	}

	passwords := make(map[string]store.Password, len(r.Passwords))
	for pw, f := range r.Passwords {
		passwords[pw] = f
	}
	r.Passwords = passwords

	m.rooms[r.ID] = &room{
		Room:    r,
		members: map[string]struct{}{},
	}
	return nil
}

// RoomExists checks if a room exists in the store.
func (m *InMemory) RoomExists(id uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.rooms[id]
	return ok, nil
}

// RoomCount returns the number of live rooms.
func (m *InMemory) RoomCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.rooms), nil
}

// RemoveRoom deletes a room from the store.
func (m *InMemory) RemoveRoom(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rooms, id)
	return nil
}

// PutPassword adds a credential to a room.
func (m *InMemory) PutPassword(roomID uint64, pw string, f store.Password) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return store.ErrRoomNotFound
	}

	r.Passwords[pw] = f
	return nil
}

// GetPassword fetches a room credential without removing it.
func (m *InMemory) GetPassword(roomID uint64, pw string) (store.Password, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return store.Password{}, store.ErrRoomNotFound
	}

	f, ok := r.Passwords[pw]
	if !ok {
		return store.Password{}, store.ErrPasswordNotFound
	}
	return f, nil
}

// TakePassword removes a credential and reports whether this caller
// removed it.
func (m *InMemory) TakePassword(roomID uint64, pw string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false, store.ErrRoomNotFound
	}

	if _, ok := r.Passwords[pw]; !ok {
		return false, nil
	}
	delete(r.Passwords, pw)
	return true, nil
}

// AddMember adds a client to a room's membership.
func (m *InMemory) AddMember(roomID uint64, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return store.ErrRoomNotFound
	}

	if _, ok := r.members[clientID]; ok {
		return store.ErrAlreadyMember
	}
	r.members[clientID] = struct{}{}
	return nil
}

// RemoveMember removes a client from a room's membership.
func (m *InMemory) RemoveMember(roomID uint64, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return store.ErrRoomNotFound
	}

	if _, ok := r.members[clientID]; !ok {
		return store.ErrNotAMember
	}
	delete(r.members, clientID)
	return nil
}

// HasMember checks if a client is a member of a room.
func (m *InMemory) HasMember(roomID uint64, clientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false, store.ErrRoomNotFound
	}

	_, ok = r.members[clientID]
	return ok, nil
}

// AddSession adds a session to the store if the key isn't occupied.
func (m *InMemory) AddSession(id string, s store.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return store.ErrSessionExists
	}

	m.sessions[id] = session{
		Session: s,
		expire:  time.Now().Add(ttl),
	}
	return nil
}

// GetSession fetches a session without removing it.
func (m *InMemory) GetSession(id string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return store.Session{}, store.ErrSessionNotFound
	}
	return s.Session, nil
}

// TakeSession fetches and deletes a session in one step.
func (m *InMemory) TakeSession(id string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return store.Session{}, store.ErrSessionNotFound
	}
	delete(m.sessions, id)
	return s.Session, nil
}

// RemoveSession deletes a session from the store.
func (m *InMemory) RemoveSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return store.ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}
