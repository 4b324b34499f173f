package store

import (
	"errors"
	"time"
)

// Password feature kinds.
const (
	// PasswordOneOff is valid for exactly one successful redemption.
	PasswordOneOff = "oneoff"

	// PasswordExpiring is valid for unlimited redemptions until ExpiresAt.
	PasswordExpiring = "expiring"
)

// Password represents a room entry credential. The credential string itself
// is the key it's stored under; Password only carries the redemption policy.
type Password struct {
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Room represents the properties of a room in the store.
type Room struct {
	ID        uint64              `json:"id"`
	Passwords map[string]Password `json:"passwords"`
	CreatedAt time.Time           `json:"created_at"`
}

// Session maps a refresh token ID to the client that owns it. Exactly one
// live session exists per refresh token ID; rotation deletes the old key
// and inserts a new one.
type Session struct {
	ClientID    string    `json:"client_id"`
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store represents a backend store. Every method is atomic at the
// granularity of a single key.
type Store interface {
	// AddRoom inserts a room if its ID is not already live and fails with
	// ErrRoomExists otherwise. This is the reservation step of room ID
	// allocation: concurrent inserts of the same ID get exactly one
	// success.
	AddRoom(r Room) error
	RoomExists(id uint64) (bool, error)
	RoomCount() (int, error)
	RemoveRoom(id uint64) error

	// PutPassword adds a credential to an existing room.
	PutPassword(roomID uint64, pw string, f Password) error
	GetPassword(roomID uint64, pw string) (Password, error)

	// TakePassword removes a credential in one step and reports whether
	// this caller performed the removal. Concurrent redeemers of the same
	// one-off password observe exactly one true.
	TakePassword(roomID uint64, pw string) (bool, error)

	AddMember(roomID uint64, clientID string) error
	RemoveMember(roomID uint64, clientID string) error
	HasMember(roomID uint64, clientID string) (bool, error)

	// AddSession inserts a session keyed by refresh token ID and fails
	// with ErrSessionExists if the key is occupied.
	AddSession(id string, s Session, ttl time.Duration) error
	GetSession(id string) (Session, error)

	// TakeSession fetches and deletes a session in one step so that a
	// refresh token is spendable at most once. Concurrent takers of the
	// same ID observe at most one success; the rest get
	// ErrSessionNotFound.
	TakeSession(id string) (Session, error)
	RemoveSession(id string) error
}

// Sentinel errors returned by Store implementations.
var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomExists       = errors.New("room already exists")
	ErrPasswordNotFound = errors.New("password not found")
	ErrAlreadyMember    = errors.New("client is already a member")
	ErrNotAMember       = errors.New("client is not a member")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
)
