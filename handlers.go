package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"

	"github.com/ezspot/ezspot/internal/auth"
	"github.com/ezspot/ezspot/internal/room"
	"github.com/ezspot/ezspot/store"
)

const (
	hasAuth = 1 << iota
)

// authPath is the URL prefix the refresh cookie is scoped to.
const authPath = "/api/auth"

// reqCtx is the context injected into every request.
type reqCtx struct {
	app    *App
	claims auth.Claims
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

type reqLogin struct {
	Fingerprint string `json:"fingerprint"`
	RoomID      uint64 `json:"room_id"`
	Password    string `json:"password"`
}

type reqRefresh struct {
	Fingerprint string `json:"fingerprint"`
}

type reqInvite struct {
	// ExpiresIn is the invite validity in seconds. 0 picks the
	// configured default.
	ExpiresIn int `json:"expires_in"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	return true
}}

// handleCreateRoom creates a new room and returns its ID along with the
// one-off master password. The password is shown exactly once.
func handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	id, pw, err := app.registry.CreateRoom()
	if err != nil {
		if errors.Is(err, room.ErrCapacityExceeded) {
			respondJSON(w, nil, errors.New("no rooms available, try again later"),
				http.StatusServiceUnavailable)
			return
		}
		app.logger.Printf("error creating room: %v", err)
		respondJSON(w, nil, errors.New("error creating room"), http.StatusInternalServerError)
		return
	}

	respondJSON(w, struct {
		ID       uint64 `json:"id"`
		Password string `json:"password"`
	}{id, pw}, nil, http.StatusOK)
}

// handleCreateInvite mints an expiring invite password for the caller's
// room.
func handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	roomID, err := strconv.ParseUint(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil {
		respondJSON(w, nil, errors.New("invalid room id"), http.StatusBadRequest)
		return
	}
	if roomID != ctx.claims.RoomID {
		respondJSON(w, nil, errors.New("not a member of this room"), http.StatusForbidden)
		return
	}

	var req reqInvite
	if err := readJSONReq(r, &req); err != nil && err != io.EOF {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}

	pw, exp, err := app.registry.CreateInvite(roomID, time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			respondJSON(w, nil, errors.New("room is invalid or has expired"), http.StatusNotFound)
			return
		}
		app.logger.Printf("error creating invite: %v", err)
		respondJSON(w, nil, errors.New("error creating invite"), http.StatusInternalServerError)
		return
	}

	respondJSON(w, struct {
		Password  string    `json:"password"`
		ExpiresAt time.Time `json:"expires_at"`
	}{pw, exp}, nil, http.StatusOK)
}

// handleLogin admits a client into a room: the room password is redeemed
// and a fresh session is established. The access token travels in the
// response body, the refresh token ID in an HTTP-only cookie scoped to
// the auth path.
func handleLogin(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	var req reqLogin
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}

	creds, err := app.auth.Login(req.Fingerprint, req.RoomID, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			respondJSON(w, nil, errors.New("invalid room id or password"), http.StatusUnauthorized)
			return
		}
		app.logger.Printf("error logging in to room %d: %v", req.RoomID, err)
		respondJSON(w, nil, errors.New("error logging in"), http.StatusInternalServerError)
		return
	}

	setRefreshCookie(w, app, creds)
	respondJSON(w, struct {
		AccessToken string `json:"access_token"`
	}{creds.AccessToken}, nil, http.StatusOK)
}

// handleRefresh rotates the caller's refresh token and issues a new
// access token. The prior access token is checked for integrity but may
// be expired.
func handleRefresh(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	ck, err := r.Cookie(app.cfg.RefreshCookie)
	if err != nil || ck.Value == "" {
		respondJSON(w, nil, errors.New("unauthorized"), http.StatusUnauthorized)
		return
	}

	prior, err := app.auth.DecodeAccess(r.Header.Get("Authorization"))
	if err != nil {
		respondJSON(w, nil, errors.New("unauthorized"), http.StatusUnauthorized)
		return
	}

	var req reqRefresh
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}

	creds, err := app.auth.Refresh(req.Fingerprint, ck.Value, prior)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrIntegrity) {
			respondJSON(w, nil, errors.New("unauthorized"), http.StatusUnauthorized)
			return
		}
		app.logger.Printf("error refreshing session: %v", err)
		respondJSON(w, nil, errors.New("error refreshing session"), http.StatusInternalServerError)
		return
	}

	setRefreshCookie(w, app, creds)
	respondJSON(w, struct {
		AccessToken string `json:"access_token"`
	}{creds.AccessToken}, nil, http.StatusOK)
}

// handleLogout tears down the caller's session and clears the refresh
// cookie.
func handleLogout(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	ck, err := r.Cookie(app.cfg.RefreshCookie)
	if err != nil || ck.Value == "" {
		respondJSON(w, nil, errors.New("unauthorized"), http.StatusUnauthorized)
		return
	}

	if err := app.auth.Logout(ck.Value, ctx.claims); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrIntegrity) {
			respondJSON(w, nil, errors.New("unauthorized"), http.StatusUnauthorized)
			return
		}
		app.logger.Printf("error logging out: %v", err)
		respondJSON(w, nil, errors.New("error logging out"), http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     app.cfg.RefreshCookie,
		Value:    "",
		Path:     authPath,
		HttpOnly: true,
		MaxAge:   -1,
	})
	respondJSON(w, true, nil, http.StatusOK)
}

// handleWSTicket issues a short-lived ticket for the websocket
// handshake, where the Authorization header can't be sent.
func handleWSTicket(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	ck, err := r.Cookie(app.cfg.RefreshCookie)
	if err != nil || ck.Value == "" {
		respondJSON(w, nil, errors.New("unauthorized"), http.StatusUnauthorized)
		return
	}

	ticket, err := app.auth.WSTicket(ck.Value, ctx.claims)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrIntegrity) {
			respondJSON(w, nil, errors.New("unauthorized"), http.StatusUnauthorized)
			return
		}
		app.logger.Printf("error issuing ws ticket: %v", err)
		respondJSON(w, nil, errors.New("error issuing ticket"), http.StatusInternalServerError)
		return
	}

	respondJSON(w, struct {
		Ticket string `json:"ticket"`
	}{ticket}, nil, http.StatusOK)
}

// handleWS handles incoming websocket connections, authorized by a
// ticket passed as a query param.
func handleWS(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	roomID, err := strconv.ParseUint(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil {
		respondJSON(w, nil, errors.New("invalid room id"), http.StatusBadRequest)
		return
	}

	ticket, err := app.auth.AuthorizeWS(r.URL.Query().Get("ticket"))
	if err != nil {
		respondJSON(w, nil, errors.New("unauthorized"), http.StatusUnauthorized)
		return
	}

	ok, err := app.registry.HasMember(roomID, ticket.ClientID)
	if err != nil && !errors.Is(err, store.ErrRoomNotFound) {
		app.logger.Printf("error checking membership: %v", err)
		respondJSON(w, nil, errors.New("error checking membership"), http.StatusInternalServerError)
		return
	}
	if !ok {
		respondJSON(w, nil, errors.New("not a member of this room"), http.StatusForbidden)
		return
	}

	rm, err := app.hub.ActivateRoom(roomID)
	if err != nil {
		respondJSON(w, nil, errors.New("room is invalid or has expired"), http.StatusNotFound)
		return
	}

	handle := r.URL.Query().Get("handle")
	if handle == "" && len(ticket.ClientID) >= 8 {
		handle = ticket.ClientID[:8]
	}

	// Create the WS connection.
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.logger.Printf("websocket upgrade failed: %s: %v", r.RemoteAddr, err)
		return
	}

	rm.AddPeer(ticket.ClientID, handle, ws)
}

// setRefreshCookie attaches the refresh token cookie with a max-age
// matching the session's remaining lifetime.
func setRefreshCookie(w http.ResponseWriter, app *App, creds auth.Credentials) {
	http.SetCookie(w, &http.Cookie{
		Name:     app.cfg.RefreshCookie,
		Value:    creds.RefreshTokenID,
		Path:     authPath,
		HttpOnly: true,
		MaxAge:   int(time.Until(creds.RefreshExpiry).Seconds()),
	})
}

// respondJSON responds to an HTTP request with a generic payload or an
// error.
func respondJSON(w http.ResponseWriter, data interface{}, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	b, err := json.Marshal(out)
	if err != nil {
		logger.Printf("error marshalling JSON response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Write(b)
}

// wrap is a middleware that handles the authorize pre-filter for various
// HTTP handlers. It attaches the app and, when requested, the validated
// access claims to the request context.
func wrap(next http.HandlerFunc, app *App, opts uint8) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{app: app}

		// Check if the request is authenticated.
		if opts&hasAuth != 0 {
			claims, err := app.auth.Authorize(r.Header.Get("Authorization"))
			if err != nil {
				msg := "invalid access token"
				if errors.Is(err, auth.ErrTokenExpired) {
					msg = "access token expired"
				}
				respondJSON(w, nil, errors.New(msg), http.StatusUnauthorized)
				return
			}
			req.claims = claims
		}

		// Attach the request context.
		ctx := context.WithValue(r.Context(), "ctx", req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// readJSONReq reads the JSON body from a request and unmarshals it to
// the given target.
func readJSONReq(r *http.Request, o interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return io.EOF
	}
	return json.Unmarshal(b, o)
}
