package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const bearerPrefix = "Bearer "

// Signing-key stretching parameters.
const (
	keySalt  = "ezspot.tokens.v1"
	keyIters = 4096
	keyLen   = 32
)

var (
	// ErrTokenMalformed indicates a token that failed to parse or whose
	// signature didn't verify.
	ErrTokenMalformed = errors.New("malformed token")

	// ErrTokenExpired indicates a well-formed, correctly signed token
	// whose expiry has passed.
	ErrTokenExpired = errors.New("token expired")
)

// Claims carried by an access token. Authority is entirely in the
// signature plus the registered expiry; no server-side record backs it.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	RoomID   uint64 `json:"room_id"`
}

// WSTicketClaims carried by a short-lived websocket handshake ticket.
type WSTicketClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
}

// Tokens signs and verifies access tokens and websocket tickets, and
// mints opaque refresh token IDs. All operations are pure CPU.
type Tokens struct {
	key       []byte
	accessTTL time.Duration
	wsTTL     time.Duration
}

// NewTokens returns a Tokens with an HMAC key stretched from the
// configured secret.
func NewTokens(secret string, accessTTL, wsTTL time.Duration) *Tokens {
	return &Tokens{
		key:       pbkdf2.Key([]byte(secret), []byte(keySalt), keyIters, keyLen, sha256.New),
		accessTTL: accessTTL,
		wsTTL:     wsTTL,
	}
}

// AccessToken issues a signed access token for a client in a room.
func (t *Tokens) AccessToken(clientID string, roomID uint64) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
		},
		ClientID: clientID,
		RoomID:   roomID,
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("error signing access token: %w", err)
	}
	return s, nil
}

// VerifyAccessToken verifies an access token's signature and expiry.
// The "Bearer " prefix is tolerated.
func (t *Tokens) VerifyAccessToken(encoded string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(stripBearer(encoded), &claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	return claims, nil
}

// DecodeAccessToken verifies an access token's signature but ignores its
// expiry. Used on the refresh path, where the presented access token has
// typically already expired but its integrity still matters.
func (t *Tokens) DecodeAccessToken(encoded string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(stripBearer(encoded), &claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	return claims, nil
}

// WSTicket issues a short-lived signed ticket for the websocket
// handshake, where the Authorization header isn't available.
func (t *Tokens) WSTicket(clientID string) (string, error) {
	now := time.Now()
	claims := WSTicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.wsTTL)),
		},
		ClientID: clientID,
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("error signing ws ticket: %w", err)
	}
	return s, nil
}

// VerifyWSTicket verifies a websocket ticket's signature and expiry.
func (t *Tokens) VerifyWSTicket(encoded string) (WSTicketClaims, error) {
	var claims WSTicketClaims
	_, err := jwt.ParseWithClaims(encoded, &claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return WSTicketClaims{}, ErrTokenExpired
		}
		return WSTicketClaims{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	return claims, nil
}

func (t *Tokens) keyFunc(_ *jwt.Token) (interface{}, error) {
	return t.key, nil
}

// NewRefreshTokenID mints an opaque, unguessable refresh token ID.
// Treated as a bearer secret: never logged.
func NewRefreshTokenID() string {
	return uuid.NewString()
}

// NewClientID mints a fresh client identity, one per logical session.
func NewClientID() string {
	return uuid.NewString()
}

func stripBearer(s string) string {
	return strings.TrimPrefix(s, bearerPrefix)
}
