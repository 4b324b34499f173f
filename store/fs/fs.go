package fs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ezspot/ezspot/store"
)

// Config represents the file store config structure.
type Config struct {
	Path string `koanf:"path"`
}

// File represents the file implementation of the Store interface: the
// in-memory maps are the source of truth and are periodically snapshotted
// to a single JSON file. Atomicity comes from the same single mutex the
// in-memory store uses; persistence is best effort.
type File struct {
	cfg      *Config
	rooms    map[uint64]*room
	sessions map[string]session
	mu       sync.Mutex
	dirty    bool
	log      *log.Logger
}

type room struct {
	store.Room
	Members map[string]struct{} `json:"members"`
}

type session struct {
	store.Session
	Expire time.Time `json:"expire"`
}

// New returns a new file-backed store.
func New(cfg Config, l *log.Logger) (*File, error) {
	f := &File{
		cfg:      &cfg,
		rooms:    map[uint64]*room{},
		sessions: map[string]session{},
		log:      l,
	}
	err := f.load()
	go f.watch()
	return f, err
}

// watch the store to clean it up and flush it to disk.
func (m *File) watch() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for range t.C {
		m.cleanup()
		m.save()
	}
}

// cleanup removes expired sessions and expired room passwords.
func (m *File) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	for id, s := range m.sessions {
		if s.Expire.Before(now) {
			delete(m.sessions, id)
			m.dirty = true
		}
	}

	for _, r := range m.rooms {
		for pw, f := range r.Passwords {
			if f.Kind == store.PasswordExpiring && f.ExpiresAt.Before(now) {
				delete(r.Passwords, pw)
				m.dirty = true
			}
		}
	}
}

type snapshot struct {
	Rooms    map[uint64]*room   `json:"rooms"`
	Sessions map[string]session `json:"sessions"`
}

// load the data from the file system.
func (m *File) load() error {
	data, err := os.ReadFile(m.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var x snapshot
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	if x.Rooms != nil {
		m.rooms = x.Rooms
	}
	if x.Sessions != nil {
		m.sessions = x.Sessions
	}
	return nil
}

// save the data to the file system.
func (m *File) save() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirty {
		return
	}

	data, err := json.Marshal(snapshot{Rooms: m.rooms, Sessions: m.sessions})
	if err != nil {
		m.log.Printf("error marshalling store snapshot: %v", err)
		return
	}

	m.dirty = false
	go func() {
		if err := os.WriteFile(m.cfg.Path, data, 0600); err != nil {
			m.log.Printf("error writing file %q: %v", m.cfg.Path, err)
		}
	}()
}

// AddRoom adds a room to the store if its ID isn't already live.
func (m *File) AddRoom(r store.Room) error {
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
		Members: map[string]struct{}{},
	}
	m.dirty = true
	return nil
}

// RoomExists checks if a room exists in the store.
func (m *File) RoomExists(id uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.rooms[id]
	return ok, nil
}

// RoomCount returns the number of live rooms.
func (m *File) RoomCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.rooms), nil
}

// RemoveRoom deletes a room from the store.
func (m *File) RemoveRoom(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[id]; ok {
		delete(m.rooms, id)
		m.dirty = true
	}
	return nil
}

// PutPassword adds a credential to a room.
func (m *File) PutPassword(roomID uint64, pw string, f store.Password) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return store.ErrRoomNotFound
	}

	r.Passwords[pw] = f
	m.dirty = true
	return nil
}

// GetPassword fetches a room credential without removing it.
func (m *File) GetPassword(roomID uint64, pw string) (store.Password, error) {
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
func (m *File) TakePassword(roomID uint64, pw string) (bool, error) {
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
	m.dirty = true
	return true, nil
}

// AddMember adds a client to a room's membership.
func (m *File) AddMember(roomID uint64, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return store.ErrRoomNotFound
	}

	if _, ok := r.Members[clientID]; ok {
		return store.ErrAlreadyMember
	}
	r.Members[clientID] = struct{}{}
	m.dirty = true
	return nil
}

// RemoveMember removes a client from a room's membership.
func (m *File) RemoveMember(roomID uint64, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return store.ErrRoomNotFound
	}

	if _, ok := r.Members[clientID]; !ok {
		return store.ErrNotAMember
	}
	delete(r.Members, clientID)
	m.dirty = true
	return nil
}

// HasMember checks if a client is a member of a room.
func (m *File) HasMember(roomID uint64, clientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false, store.ErrRoomNotFound
	}

	_, ok = r.Members[clientID]
	return ok, nil
}

// AddSession adds a session to the store if the key isn't occupied.
func (m *File) AddSession(id string, s store.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return store.ErrSessionExists
	}

	m.sessions[id] = session{
		Session: s,
		Expire:  time.Now().Add(ttl),
	}
	m.dirty = true
	return nil
}

// GetSession fetches a session without removing it.
func (m *File) GetSession(id string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return store.Session{}, store.ErrSessionNotFound
	}
	return s.Session, nil
}

// TakeSession fetches and deletes a session in one step.
func (m *File) TakeSession(id string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return store.Session{}, store.ErrSessionNotFound
	}
	delete(m.sessions, id)
	m.dirty = true
	return s.Session, nil
}

// RemoveSession deletes a session from the store.
func (m *File) RemoveSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return store.ErrSessionNotFound
	}
	delete(m.sessions, id)
	m.dirty = true
	return nil
}
