package auth

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ezspot/ezspot/internal/room"
	"github.com/ezspot/ezspot/store"
)

// Config represents the auth service configuration.
type Config struct {
	Secret      string        `koanf:"secret"`
	AccessTTL   time.Duration `koanf:"access_ttl"`
	RefreshTTL  time.Duration `koanf:"refresh_ttl"`
	WSTicketTTL time.Duration `koanf:"ws_ticket_ttl"`
}

var (
	// ErrUnauthorized covers expired, missing, consumed and
	// fingerprint-mismatched sessions as well as invalid credentials.
	// Deliberately not specific.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrIntegrity indicates that a presented access token doesn't
	// belong to the session it was presented with. Logged as a security
	// event; callers surface it as an ordinary unauthorized response.
	ErrIntegrity = errors.New("session integrity violation")
)

// Service orchestrates the room registry, the session store and the
// token codec into login / refresh / logout / authorize operations.
type Service struct {
	cfg    Config
	rooms  *room.Registry
	store  store.Store
	tokens *Tokens
	log    *log.Logger
}

// Credentials is the result of a successful login or refresh.
type Credentials struct {
	AccessToken    string
	RefreshTokenID string
	RefreshExpiry  time.Time
}

// NewService returns a new admission service.
func NewService(cfg Config, rooms *room.Registry, st store.Store, l *log.Logger) *Service {
	return &Service{
		cfg:    cfg,
		rooms:  rooms,
		store:  st,
		tokens: NewTokens(cfg.Secret, cfg.AccessTTL, cfg.WSTicketTTL),
		log:    l,
	}
}

// Tokens exposes the token codec for callers that only verify.
func (s *Service) Tokens() *Tokens {
	return s.tokens
}

// Login redeems a room password, mints a fresh client identity and
// establishes a session: a stateless access token plus a stored,
// single-use refresh token bound to the caller's fingerprint.
func (s *Service) Login(fingerprint string, roomID uint64, roomPassword string) (Credentials, error) {
	if err := s.rooms.RedeemPassword(roomID, roomPassword); err != nil {
		if errors.Is(err, room.ErrInvalidCredentials) || errors.Is(err, store.ErrRoomNotFound) {
			return Credentials{}, ErrUnauthorized
		}
		return Credentials{}, fmt.Errorf("error redeeming room password: %w", err)
	}

	var (
		clientID  = NewClientID()
		refreshID = NewRefreshTokenID()
		exp       = time.Now().Add(s.cfg.RefreshTTL)
	)

	if err := s.store.AddSession(refreshID, store.Session{
		ClientID:    clientID,
		Fingerprint: fingerprint,
		ExpiresAt:   exp,
	}, s.cfg.RefreshTTL); err != nil {
		return Credentials{}, fmt.Errorf("error creating session: %w", err)
	}

	access, err := s.tokens.AccessToken(clientID, roomID)
	if err != nil {
		s.dropSession(refreshID)
		return Credentials{}, err
	}

	if err := s.rooms.AddMember(roomID, clientID); err != nil {
		s.dropSession(refreshID)
		return Credentials{}, fmt.Errorf("error joining room: %w", err)
	}

	return Credentials{
		AccessToken:    access,
		RefreshTokenID: refreshID,
		RefreshExpiry:  exp,
	}, nil
}

// Refresh rotates a refresh token: the old session record is consumed
// atomically, validated, and replaced under a brand new token ID. A
// consumed token never becomes valid again, including on validation
// failure.
func (s *Service) Refresh(fingerprint, refreshID string, prior Claims) (Credentials, error) {
	old, err := s.store.TakeSession(refreshID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return Credentials{}, ErrUnauthorized
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("error consuming session: %w", err)
	}

	now := time.Now()
	if !now.Before(old.ExpiresAt) {
		// The record is already gone; re-extending a definitely-expired
		// session is never valid, so nothing to roll back.
		return Credentials{}, ErrUnauthorized
	}
	if old.Fingerprint != fingerprint {
		// Fail closed without restoring the consumed record.
		return Credentials{}, ErrUnauthorized
	}
	if old.ClientID != prior.ClientID {
		s.log.Printf("integrity: access token client %s does not match session client %s",
			prior.ClientID, old.ClientID)
		return Credentials{}, ErrIntegrity
	}

	var (
		newID = NewRefreshTokenID()
		exp   = now.Add(s.cfg.RefreshTTL)
	)

	if err := s.store.AddSession(newID, store.Session{
		ClientID:    old.ClientID,
		Fingerprint: fingerprint,
		ExpiresAt:   exp,
	}, s.cfg.RefreshTTL); err != nil {
		return Credentials{}, fmt.Errorf("error creating session: %w", err)
	}

	access, err := s.tokens.AccessToken(old.ClientID, prior.RoomID)
	if err != nil {
		s.dropSession(newID)
		return Credentials{}, err
	}

	return Credentials{
		AccessToken:    access,
		RefreshTokenID: newID,
		RefreshExpiry:  exp,
	}, nil
}

// Logout tears down a session after checking that the presented access
// token belongs to it, and leaves the room.
func (s *Service) Logout(refreshID string, claims Claims) error {
	sess, err := s.store.GetSession(refreshID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("error fetching session: %w", err)
	}

	if sess.ClientID != claims.ClientID {
		s.log.Printf("integrity: access token client %s does not match session client %s",
			claims.ClientID, sess.ClientID)
		return ErrIntegrity
	}

	err = s.rooms.RemoveMember(claims.RoomID, claims.ClientID)
	if err != nil && !errors.Is(err, store.ErrRoomNotFound) && !errors.Is(err, store.ErrNotAMember) {
		// The room may have idled out already; that's not a failed
		// logout.
		return fmt.Errorf("error leaving room: %w", err)
	}

	if err := s.store.RemoveSession(refreshID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return ErrUnauthorized
		}
		return fmt.Errorf("error removing session: %w", err)
	}
	return nil
}

// Authorize validates a bearer access token and returns its claims.
// Pure token verification: no store lookups, no membership check.
func (s *Service) Authorize(bearer string) (Claims, error) {
	return s.tokens.VerifyAccessToken(bearer)
}

// DecodeAccess checks a bearer access token's signature while ignoring
// expiry, for the refresh path.
func (s *Service) DecodeAccess(bearer string) (Claims, error) {
	return s.tokens.DecodeAccessToken(bearer)
}

// WSTicket issues a websocket handshake ticket for a live session.
func (s *Service) WSTicket(refreshID string, claims Claims) (string, error) {
	sess, err := s.store.GetSession(refreshID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return "", ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("error fetching session: %w", err)
	}

	if sess.ClientID != claims.ClientID {
		s.log.Printf("integrity: access token client %s does not match session client %s",
			claims.ClientID, sess.ClientID)
		return "", ErrIntegrity
	}
	return s.tokens.WSTicket(claims.ClientID)
}

// AuthorizeWS validates a websocket handshake ticket.
func (s *Service) AuthorizeWS(ticket string) (WSTicketClaims, error) {
	return s.tokens.VerifyWSTicket(ticket)
}

// dropSession removes a half-established session during rollback.
func (s *Service) dropSession(refreshID string) {
	if err := s.store.RemoveSession(refreshID); err != nil {
		s.log.Printf("error rolling back session: %v", err)
	}
}
