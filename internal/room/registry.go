package room

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ezspot/ezspot/internal/password"
	"github.com/ezspot/ezspot/store"
)

// Config represents the room registry configuration.
type Config struct {
	// StartID is the first room ID handed out. IDs are allocated from
	// [StartID, StartID+MaxRooms) with wraparound.
	StartID  uint64 `koanf:"start_id"`
	MaxRooms int    `koanf:"max_rooms"`

	// InviteTTL is the default validity of expiring invite passwords.
	InviteTTL time.Duration `koanf:"invite_ttl"`

	Password password.Policy `koanf:"password"`
}

// Registry owns room identity allocation, room password sets and
// membership.
type Registry struct {
	cfg   Config
	store store.Store
	log   *log.Logger

	// mu guards the cursor and spans the whole select-and-reserve
	// sequence of CreateRoom, so no two calls can observe the same free
	// ID before either has committed.
	mu     sync.Mutex
	cursor uint64
}

var (
	// ErrCapacityExceeded indicates that no free room IDs are left.
	// Retryable once rooms are disposed.
	ErrCapacityExceeded = errors.New("no free room ids")

	// ErrInvalidCredentials covers wrong, consumed and expired room
	// passwords alike so callers can't probe which it was.
	ErrInvalidCredentials = errors.New("invalid room credentials")
)

// NewRegistry returns a new Registry.
func NewRegistry(cfg Config, st store.Store, l *log.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		store:  st,
		log:    l,
		cursor: cfg.StartID,
	}
}

// CreateRoom allocates a free room ID, generates a one-off master
// password and persists the room. The plaintext password is returned once
// and never stored outside the credential map key.
func (r *Registry) CreateRoom() (uint64, string, error) {
	pw, err := password.Generate(r.cfg.Password)
	if err != nil {
		return 0, "", fmt.Errorf("error generating master password: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.store.RoomCount()
	if err != nil {
		return 0, "", fmt.Errorf("error counting rooms: %w", err)
	}
	if n >= r.cfg.MaxRooms {
		return 0, "", ErrCapacityExceeded
	}

	// Advance the cursor past occupied IDs. The store's AddRoom is
	// insert-if-absent, so the insert itself is the reservation.
	for i := 0; i < r.cfg.MaxRooms; i++ {
		id := r.nextID()
		err := r.store.AddRoom(store.Room{
			ID:        id,
			CreatedAt: time.Now(),
			Passwords: map[string]store.Password{
				pw: {Kind: store.PasswordOneOff},
			},
		})
		if errors.Is(err, store.ErrRoomExists) {
			continue
		}
		if err != nil {
			return 0, "", fmt.Errorf("error creating room: %w", err)
		}
		return id, pw, nil
	}
	return 0, "", ErrCapacityExceeded
}

// nextID advances the circular cursor and returns the candidate ID.
// Callers must hold mu.
func (r *Registry) nextID() uint64 {
	id := r.cursor
	if r.cursor >= r.cfg.StartID+uint64(r.cfg.MaxRooms)-1 {
		r.cursor = r.cfg.StartID
	} else {
		r.cursor++
	}
	return id
}

// CreateInvite mints an additional expiring password for an existing
// room and returns it with its expiry.
func (r *Registry) CreateInvite(roomID uint64, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = r.cfg.InviteTTL
	}

	pw, err := password.Generate(r.cfg.Password)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("error generating invite password: %w", err)
	}

	exp := time.Now().Add(ttl)
	if err := r.store.PutPassword(roomID, pw, store.Password{
		Kind:      store.PasswordExpiring,
		ExpiresAt: exp,
	}); err != nil {
		return "", time.Time{}, err
	}
	return pw, exp, nil
}

// RedeemPassword checks a candidate password against a room's credential
// set. One-off passwords are consumed on success: concurrent redeemers of
// the same password observe the removal as a single step, so at most one
// of them succeeds.
func (r *Registry) RedeemPassword(roomID uint64, candidate string) error {
	f, err := r.store.GetPassword(roomID, candidate)
	if errors.Is(err, store.ErrPasswordNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}

	switch f.Kind {
	case store.PasswordOneOff:
		taken, err := r.store.TakePassword(roomID, candidate)
		if err != nil {
			return err
		}
		if !taken {
			// A concurrent redeemer won the race.
			return ErrInvalidCredentials
		}
		return nil

	case store.PasswordExpiring:
		if !time.Now().Before(f.ExpiresAt) {
			// Lazily evict the dead credential.
			if _, err := r.store.TakePassword(roomID, candidate); err != nil {
				r.log.Printf("error evicting expired password in room %d: %v", roomID, err)
			}
			return ErrInvalidCredentials
		}
		return nil
	}
	return ErrInvalidCredentials
}

// Exists checks if a room is live.
func (r *Registry) Exists(roomID uint64) (bool, error) {
	return r.store.RoomExists(roomID)
}

// AddMember adds a client to a room.
func (r *Registry) AddMember(roomID uint64, clientID string) error {
	return r.store.AddMember(roomID, clientID)
}

// RemoveMember removes a client from a room.
func (r *Registry) RemoveMember(roomID uint64, clientID string) error {
	return r.store.RemoveMember(roomID, clientID)
}

// HasMember checks if a client is a member of a room.
func (r *Registry) HasMember(roomID uint64, clientID string) (bool, error) {
	return r.store.HasMember(roomID, clientID)
}

// RemoveRoom destroys a room. Called by the presence hub when a room
// idles out, and available to anything else that owns disposal policy.
func (r *Registry) RemoveRoom(roomID uint64) error {
	return r.store.RemoveRoom(roomID)
}
