package auth

import (
	"errors"
	"testing"
	"time"
)

func TestAccessTokenRoundtrip(t *testing.T) {
	tk := NewTokens("test-secret", time.Minute, time.Minute)

	s, err := tk.AccessToken("client-1", 100000)
	if err != nil {
		t.Fatalf("error issuing token: %v", err)
	}

	claims, err := tk.VerifyAccessToken(s)
	if err != nil {
		t.Fatalf("error verifying token: %v", err)
	}
	if claims.ClientID != "client-1" || claims.RoomID != 100000 {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	// The Bearer prefix is tolerated.
	if _, err := tk.VerifyAccessToken("Bearer " + s); err != nil {
		t.Fatalf("error verifying prefixed token: %v", err)
	}
}

func TestAccessTokenExpired(t *testing.T) {
	tk := NewTokens("test-secret", -time.Minute, time.Minute)

	s, err := tk.AccessToken("client-1", 100000)
	if err != nil {
		t.Fatalf("error issuing token: %v", err)
	}

	if _, err := tk.VerifyAccessToken(s); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	// Decode ignores expiry but still checks the signature.
	claims, err := tk.DecodeAccessToken(s)
	if err != nil {
		t.Fatalf("error decoding expired token: %v", err)
	}
	if claims.ClientID != "client-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestAccessTokenMalformed(t *testing.T) {
	tk := NewTokens("test-secret", time.Minute, time.Minute)

	for _, s := range []string{"", "garbage", "a.b.c"} {
		if _, err := tk.VerifyAccessToken(s); !errors.Is(err, ErrTokenMalformed) {
			t.Fatalf("expected ErrTokenMalformed for %q, got %v", s, err)
		}
	}
}

func TestAccessTokenWrongKey(t *testing.T) {
	tk := NewTokens("test-secret", time.Minute, time.Minute)
	other := NewTokens("other-secret", time.Minute, time.Minute)

	s, err := tk.AccessToken("client-1", 100000)
	if err != nil {
		t.Fatalf("error issuing token: %v", err)
	}

	if _, err := other.VerifyAccessToken(s); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed on wrong key, got %v", err)
	}
	if _, err := other.DecodeAccessToken(s); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed on wrong key decode, got %v", err)
	}
}

func TestWSTicketRoundtrip(t *testing.T) {
	tk := NewTokens("test-secret", time.Minute, time.Minute)

	s, err := tk.WSTicket("client-1")
	if err != nil {
		t.Fatalf("error issuing ticket: %v", err)
	}
	claims, err := tk.VerifyWSTicket(s)
	if err != nil {
		t.Fatalf("error verifying ticket: %v", err)
	}
	if claims.ClientID != "client-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestWSTicketExpired(t *testing.T) {
	tk := NewTokens("test-secret", time.Minute, -time.Minute)

	s, err := tk.WSTicket("client-1")
	if err != nil {
		t.Fatalf("error issuing ticket: %v", err)
	}
	if _, err := tk.VerifyWSTicket(s); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestNewIDsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		for _, id := range []string{NewRefreshTokenID(), NewClientID()} {
			if seen[id] {
				t.Fatalf("duplicate id %q", id)
			}
			seen[id] = true
		}
	}
}
