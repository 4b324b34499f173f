package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ezspot/ezspot/internal/auth"
	"github.com/ezspot/ezspot/internal/hub"
	"github.com/ezspot/ezspot/internal/password"
	"github.com/ezspot/ezspot/internal/room"
	"github.com/ezspot/ezspot/store/mem"
)

type testResp struct {
	Error *string         `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	st, err := mem.New(mem.Config{})
	if err != nil {
		t.Fatalf("error creating store: %v", err)
	}

	l := log.New(io.Discard, "", 0)
	app := &App{
		cfg:    appConfig{RefreshCookie: "refresh_token"},
		logger: l,
	}
	app.registry = room.NewRegistry(room.Config{
		StartID:   100000,
		MaxRooms:  100,
		InviteTTL: time.Minute,
		Password:  password.Policy{Length: 6, Numbers: true, Lowercase: true},
	}, st, l)
	app.auth = auth.NewService(auth.Config{
		Secret:      "test-secret",
		AccessTTL:   time.Minute,
		RefreshTTL:  time.Hour,
		WSTicketTTL: 30 * time.Second,
	}, app.registry, st, l)
	app.hub = hub.NewHub(&hub.Config{
		MaxMessageLen:     3000,
		MaxMessageQueue:   32,
		WSTimeout:         3 * time.Second,
		RateLimitInterval: time.Second,
		RateLimitMessages: 15,
		RoomTimeout:       time.Hour,
	}, app.registry, l)

	srv := httptest.NewServer(initRoutes(app))
	t.Cleanup(srv.Close)
	return srv
}

// doReq issues a request and decodes the JSON envelope. bearer and cookie
// are attached when non-empty.
func doReq(t *testing.T, srv *httptest.Server, method, path string, body interface{},
	bearer, cookie string) (*http.Response, testResp) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("error encoding request body: %v", err)
		}
	}

	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("error building request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "refresh_token", Value: cookie})
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("error performing request: %v", err)
	}
	defer resp.Body.Close()

	var out testResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	return resp, out
}

// refreshCookie extracts the refresh token cookie from a response.
func refreshCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, ck := range resp.Cookies() {
		if ck.Name == "refresh_token" {
			return ck
		}
	}
	t.Fatal("no refresh_token cookie in response")
	return nil
}

func createRoom(t *testing.T, srv *httptest.Server) (uint64, string) {
	t.Helper()
	resp, out := doReq(t, srv, "POST", "/api/rooms", nil, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create room returned %d", resp.StatusCode)
	}
	var data struct {
		ID       uint64 `json:"id"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(out.Data, &data); err != nil {
		t.Fatalf("error decoding room data: %v", err)
	}
	return data.ID, data.Password
}

func login(t *testing.T, srv *httptest.Server, roomID uint64, pw string) (string, *http.Cookie) {
	t.Helper()
	resp, out := doReq(t, srv, "POST", "/api/auth/login",
		reqLogin{Fingerprint: "fp-1", RoomID: roomID, Password: pw}, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login returned %d", resp.StatusCode)
	}
	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(out.Data, &data); err != nil {
		t.Fatalf("error decoding login data: %v", err)
	}
	return data.AccessToken, refreshCookie(t, resp)
}

func TestHandleCreateRoom(t *testing.T) {
	srv := newTestServer(t)

	id, pw := createRoom(t, srv)
	if id != 100000 {
		t.Fatalf("expected first room id 100000, got %d", id)
	}
	if len(pw) != 6 {
		t.Fatalf("expected 6 char password, got %q", pw)
	}

	id2, _ := createRoom(t, srv)
	if id2 != 100001 {
		t.Fatalf("expected second room id 100001, got %d", id2)
	}
}

func TestHandleLogin(t *testing.T) {
	srv := newTestServer(t)
	id, pw := createRoom(t, srv)

	access, ck := login(t, srv, id, pw)
	if access == "" {
		t.Fatal("empty access token")
	}
	if ck.Value == "" {
		t.Fatal("empty refresh cookie")
	}
	if ck.Path != "/api/auth" {
		t.Fatalf("refresh cookie path %q, expected /api/auth", ck.Path)
	}
	if !ck.HttpOnly {
		t.Fatal("refresh cookie not HTTP-only")
	}
	if ck.MaxAge <= 0 {
		t.Fatalf("refresh cookie max-age %d, expected > 0", ck.MaxAge)
	}

	// One-off master password: the second login is rejected.
	resp, out := doReq(t, srv, "POST", "/api/auth/login",
		reqLogin{Fingerprint: "fp-2", RoomID: id, Password: pw}, "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on password reuse, got %d", resp.StatusCode)
	}
	if out.Error == nil {
		t.Fatal("expected an error message")
	}
}

func TestHandleLoginInvalid(t *testing.T) {
	srv := newTestServer(t)
	id, _ := createRoom(t, srv)

	for _, req := range []reqLogin{
		{Fingerprint: "fp-1", RoomID: id, Password: "wrong1"},
		{Fingerprint: "fp-1", RoomID: 424242, Password: "wrong1"},
	} {
		resp, _ := doReq(t, srv, "POST", "/api/auth/login", req, "", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	}
}

func TestHandleInvite(t *testing.T) {
	srv := newTestServer(t)
	id, pw := createRoom(t, srv)
	access, _ := login(t, srv, id, pw)

	resp, out := doReq(t, srv, "POST", fmt.Sprintf("/api/rooms/%d/invites", id),
		reqInvite{ExpiresIn: 60}, access, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create invite returned %d", resp.StatusCode)
	}
	var data struct {
		Password  string    `json:"password"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(out.Data, &data); err != nil {
		t.Fatalf("error decoding invite data: %v", err)
	}
	if !data.ExpiresAt.After(time.Now()) {
		t.Fatalf("invite expiry %v in the past", data.ExpiresAt)
	}

	// Invite passwords are reusable: two logins succeed.
	login(t, srv, id, data.Password)
	login(t, srv, id, data.Password)

	// Minting invites for someone else's room is forbidden.
	resp, _ = doReq(t, srv, "POST", fmt.Sprintf("/api/rooms/%d/invites", id+1),
		reqInvite{}, access, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign room, got %d", resp.StatusCode)
	}

	// No token, no invite.
	resp, _ = doReq(t, srv, "POST", fmt.Sprintf("/api/rooms/%d/invites", id),
		reqInvite{}, "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestHandleRefresh(t *testing.T) {
	srv := newTestServer(t)
	id, pw := createRoom(t, srv)
	access, ck := login(t, srv, id, pw)

	resp, out := doReq(t, srv, "POST", "/api/auth/refresh",
		reqRefresh{Fingerprint: "fp-1"}, access, ck.Value)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh returned %d", resp.StatusCode)
	}
	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(out.Data, &data); err != nil {
		t.Fatalf("error decoding refresh data: %v", err)
	}
	if data.AccessToken == "" {
		t.Fatal("empty rotated access token")
	}
	next := refreshCookie(t, resp)
	if next.Value == ck.Value {
		t.Fatal("refresh cookie not rotated")
	}

	// Replaying the consumed cookie fails.
	resp, _ = doReq(t, srv, "POST", "/api/auth/refresh",
		reqRefresh{Fingerprint: "fp-1"}, access, ck.Value)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replay, got %d", resp.StatusCode)
	}

	// Wrong fingerprint consumes the rotated token.
	resp, _ = doReq(t, srv, "POST", "/api/auth/refresh",
		reqRefresh{Fingerprint: "fp-other"}, data.AccessToken, next.Value)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on fingerprint mismatch, got %d", resp.StatusCode)
	}
	resp, _ = doReq(t, srv, "POST", "/api/auth/refresh",
		reqRefresh{Fingerprint: "fp-1"}, data.AccessToken, next.Value)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected consumed token to stay dead, got %d", resp.StatusCode)
	}
}

func TestHandleRefreshMissingParts(t *testing.T) {
	srv := newTestServer(t)
	id, pw := createRoom(t, srv)
	access, ck := login(t, srv, id, pw)

	// No cookie.
	resp, _ := doReq(t, srv, "POST", "/api/auth/refresh",
		reqRefresh{Fingerprint: "fp-1"}, access, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", resp.StatusCode)
	}

	// No access token: the prior token's integrity can't be checked.
	resp, _ = doReq(t, srv, "POST", "/api/auth/refresh",
		reqRefresh{Fingerprint: "fp-1"}, "", ck.Value)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without access token, got %d", resp.StatusCode)
	}
}

func TestHandleWSTicket(t *testing.T) {
	srv := newTestServer(t)
	id, pw := createRoom(t, srv)
	access, ck := login(t, srv, id, pw)

	resp, out := doReq(t, srv, "POST", "/api/auth/ws-ticket", nil, access, ck.Value)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ws-ticket returned %d", resp.StatusCode)
	}
	var data struct {
		Ticket string `json:"ticket"`
	}
	if err := json.Unmarshal(out.Data, &data); err != nil {
		t.Fatalf("error decoding ticket data: %v", err)
	}
	if data.Ticket == "" {
		t.Fatal("empty ticket")
	}

	// No cookie, no ticket.
	resp, _ = doReq(t, srv, "POST", "/api/auth/ws-ticket", nil, access, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", resp.StatusCode)
	}
}

func TestHandleLogout(t *testing.T) {
	srv := newTestServer(t)
	id, pw := createRoom(t, srv)
	access, ck := login(t, srv, id, pw)

	resp, _ := doReq(t, srv, "POST", "/api/auth/logout", nil, access, ck.Value)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout returned %d", resp.StatusCode)
	}
	cleared := refreshCookie(t, resp)
	if cleared.Value != "" || cleared.MaxAge >= 0 {
		t.Fatalf("expected cleared cookie, got value=%q max-age=%d", cleared.Value, cleared.MaxAge)
	}

	// The session is gone: neither refresh nor a second logout works.
	resp, _ = doReq(t, srv, "POST", "/api/auth/refresh",
		reqRefresh{Fingerprint: "fp-1"}, access, ck.Value)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 refreshing after logout, got %d", resp.StatusCode)
	}
	resp, _ = doReq(t, srv, "POST", "/api/auth/logout", nil, access, ck.Value)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on double logout, got %d", resp.StatusCode)
	}
}
