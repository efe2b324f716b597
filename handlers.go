package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/knadh/sagawidget/internal/api"
	"github.com/knadh/sagawidget/internal/auth"
	"github.com/knadh/sagawidget/internal/identity"
	"github.com/knadh/sagawidget/internal/session"
)

const (
	hasIdentity = 1 << iota
)

type ctxKey struct{}

// reqCtx is the context injected into every request.
type reqCtx struct {
	app *App
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

type reqPIN struct {
	PIN string `json:"pin"`
}

type statusResp struct {
	Identity      *identity.Identity `json:"identity"`
	IdentityError string             `json:"identity_error,omitempty"`
	Instructions  string             `json:"instructions,omitempty"`
	PINEnabled    bool               `json:"pin_enabled"`
	PINRequired   bool               `json:"pin_required"`
	Auth          auth.Status        `json:"auth"`
	LastUpdate    time.Time          `json:"last_update,omitzero"`
	LastError     string             `json:"last_error,omitempty"`
	Messages      int                `json:"messages"`
	Warnings      []string           `json:"warnings,omitempty"`
}

type messagesResp struct {
	Messages   []api.Message `json:"messages"`
	LastUpdate time.Time     `json:"last_update,omitzero"`
	LastError  string        `json:"last_error,omitempty"`
}

// router returns the control API routes.
func (a *App) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/status", wrap(handleStatus, a, 0))
	r.Get("/api/rooms", wrap(handleRooms, a, 0))
	r.Post("/api/pin", wrap(handlePIN, a, hasIdentity))
	r.Get("/api/messages", wrap(handleMessages, a, hasIdentity))
	r.Get("/api/stats", wrap(handleStats, a, hasIdentity))
	r.Get("/api/media", wrap(handleMedia, a, hasIdentity))
	r.Delete("/api/auth", wrap(handleLogout, a, 0))
	return r
}

// handleStatus returns the session status. It's served even when the
// identity couldn't be resolved.
func handleStatus(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context().Value(ctxKey{}).(*reqCtx)
		app  = ctx.app
		sess = app.sess
	)

	out := statusResp{
		PINEnabled:  sess.PINEnabled(),
		PINRequired: sess.PINRequired(),
		Auth:        sess.CheckAuth(),
		LastUpdate:  sess.LastUpdate(),
		Messages:    len(sess.Messages()),
		Warnings:    app.warnings,
	}
	if id, ok := sess.Identity(); ok {
		out.Identity = &id
	} else if app.idErr != nil {
		out.IdentityError = app.idErr.Error()
		out.Instructions = identityHelp
	}
	if err := sess.LastError(); err != nil {
		out.LastError = err.Error()
	}
	respondJSON(w, out, nil, http.StatusOK)
}

// handleRooms lists the rooms with valid tokens.
func handleRooms(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app
	respondJSON(w, app.auth.AuthenticatedRooms(), nil, http.StatusOK)
}

// handlePIN exchanges a PIN for a room token.
func handlePIN(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	var req reqPIN
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}

	if err := app.sess.SubmitPIN(r.Context(), req.PIN); err != nil {
		respondJSON(w, nil, err, errStatus(err))
		return
	}
	respondJSON(w, app.sess.Status(), nil, http.StatusOK)
}

// handleMessages returns the room's messages. ?refresh=true fetches them
// before responding.
func handleMessages(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context().Value(ctxKey{}).(*reqCtx)
		sess = ctx.app.sess
	)

	if r.URL.Query().Get("refresh") == "true" {
		if err := sess.Refresh(r.Context()); err != nil && gateErr(err) {
			respondJSON(w, nil, err, errStatus(err))
			return
		}
	} else if !sess.CanFetch() {
		respondJSON(w, nil, session.ErrPINRequired, http.StatusUnauthorized)
		return
	}

	out := messagesResp{
		Messages:   sess.Messages(),
		LastUpdate: sess.LastUpdate(),
	}
	if err := sess.LastError(); err != nil {
		out.LastError = err.Error()
	}
	respondJSON(w, out, nil, http.StatusOK)
}

// handleStats fetches the room's stats.
func handleStats(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context().Value(ctxKey{}).(*reqCtx)
		sess = ctx.app.sess
	)

	st, err := sess.FetchStats(r.Context())
	if err != nil {
		respondJSON(w, nil, err, errStatus(err))
		return
	}
	respondJSON(w, st, nil, http.StatusOK)
}

// handleMedia proxies a media file: ?url=media/file.png.
func handleMedia(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
		u   = r.URL.Query().Get("url")
	)

	if u == "" {
		respondJSON(w, nil, errors.New("url is required"), http.StatusBadRequest)
		return
	}

	f, err := app.sess.FetchMedia(r.Context(), u)
	if err != nil {
		respondJSON(w, nil, err, errStatus(err))
		return
	}

	if f.MimeType != "" {
		w.Header().Set("Content-Type", f.MimeType)
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(f.Data)
}

// handleLogout clears the room's token. ?all=true clears every room.
func handleLogout(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	if r.URL.Query().Get("all") == "true" {
		app.auth.ClearAll()
		app.media.Clear()
		respondJSON(w, true, nil, http.StatusOK)
		return
	}

	if _, ok := app.sess.Identity(); !ok {
		respondJSON(w, nil, identityErr(app), http.StatusForbidden)
		return
	}
	app.sess.Logout()
	respondJSON(w, true, nil, http.StatusOK)
}

// errStatus maps a session error to an HTTP status.
func errStatus(err error) int {
	var apiErr *api.Error
	switch {
	case errors.Is(err, session.ErrNoIdentity):
		return http.StatusForbidden
	case errors.Is(err, session.ErrPINRequired), errors.Is(err, session.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, api.ErrInvalidPIN), errors.Is(err, api.ErrForeignURL):
		return http.StatusBadRequest
	case errors.As(err, &apiErr):
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return apiErr.StatusCode
		}
	}
	return http.StatusBadGateway
}

// gateErr reports whether err means the data can't be served at all, as
// opposed to a transient failure that leaves the last data in place.
func gateErr(err error) bool {
	return errors.Is(err, session.ErrNoIdentity) ||
		errors.Is(err, session.ErrPINRequired) ||
		errors.Is(err, session.ErrAuthExpired)
}

func identityErr(app *App) error {
	if app.idErr != nil {
		return app.idErr
	}
	return session.ErrNoIdentity
}

// respondJSON responds to an HTTP request with a generic payload or an error.
func respondJSON(w http.ResponseWriter, data interface{}, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	b, err := json.Marshal(out)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write(b)
}

// wrap is a middleware that attaches the app context to handlers and,
// with hasIdentity, rejects requests until the session identity is
// resolved.
func wrap(next http.HandlerFunc, app *App, opts uint8) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{app: app}

		if opts&hasIdentity != 0 {
			if _, ok := app.sess.Identity(); !ok {
				respondJSON(w, nil, identityErr(app), http.StatusForbidden)
				return
			}
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// readJSONReq reads the JSON body from a request and unmarshals it to the given target.
func readJSONReq(r *http.Request, o interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, o)
}
