// Package auth manages room-scoped access tokens. It owns the persistent
// token store: tokens are loaded once on construction and every mutation
// writes the full map back.
package auth

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/knadh/sagawidget/store"
	"github.com/rs/zerolog"
)

// ExpiringSoon is the window before expiry in which a token is reported as
// expiring soon.
const ExpiringSoon = time.Hour

// State classifies a room's authentication.
type State string

// Authentication states.
const (
	StateNoAuth       State = "no_auth"
	StateExpired      State = "expired"
	StateExpiringSoon State = "expiring_soon"
	StateValid        State = "valid"
)

// ErrUnauthenticated is returned by Headers when a room has no valid token.
var ErrUnauthenticated = errors.New("no valid authentication")

// Record is a valid room token.
type Record struct {
	RoomID      string
	AccessToken string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Status is the derived authentication status of a room.
type Status struct {
	State         State     `json:"status"`
	Authenticated bool      `json:"authenticated"`
	Message       string    `json:"message"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`

	// AccessToken is set for authenticated states only.
	AccessToken string `json:"-"`
}

// Manager holds room tokens in memory and mirrors them to a store.Store.
type Manager struct {
	store  store.Store
	tokens store.Tokens
	clock  clock.Clock
	log    zerolog.Logger
	mu     sync.Mutex
}

// New returns a Manager with the tokens loaded from st. A store that fails
// to load is treated as empty.
func New(st store.Store, clk clock.Clock, l zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}

	tokens, err := st.Load()
	if err != nil {
		l.Error().Err(err).Msg("error loading room auth from store")
		tokens = store.Tokens{}
	}
	if tokens == nil {
		tokens = store.Tokens{}
	}

	return &Manager{
		store:  st,
		tokens: tokens,
		clock:  clk,
		log:    l,
	}
}

// Set stores a room's access token, replacing any existing one. expiresAt
// is an RFC 3339 timestamp. It isn't validated here: a value that doesn't
// parse makes the token read as expired.
func (m *Manager) Set(roomID, accessToken, expiresAt string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[roomID] = store.Token{
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
		CreatedAt:   m.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	m.save()
}

// Get returns a room's token if it's valid. An expired token is removed.
func (m *Manager) Get(roomID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, _, ok := m.materialize(roomID)
	return rec, ok
}

// IsAuthenticated reports whether a room has a valid token.
func (m *Manager) IsAuthenticated(roomID string) bool {
	_, ok := m.Get(roomID)
	return ok
}

// Clear removes a room's token.
func (m *Manager) Clear(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, roomID)
	m.save()
}

// ClearAll removes all tokens.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens = store.Tokens{}
	m.save()
}

// CleanupExpired removes all expired tokens and returns how many were
// removed. The store is written once, and only if something was removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for id, t := range m.tokens {
		if !isLive(t, now) {
			delete(m.tokens, id)
			n++
		}
	}
	if n > 0 {
		m.save()
	}
	return n
}

// Status returns the authentication status of a room. Like Get, it removes
// an expired token.
func (m *Manager) Status(roomID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found, ok := m.materialize(roomID)
	if !found {
		return Status{State: StateNoAuth, Message: "No authentication found"}
	}
	if !ok {
		return Status{State: StateExpired, Message: "Authentication expired"}
	}

	left := rec.ExpiresAt.Sub(m.clock.Now())
	if left <= ExpiringSoon {
		return Status{
			State:         StateExpiringSoon,
			Authenticated: true,
			Message:       fmt.Sprintf("Expires in %d minutes", int(math.Ceil(left.Minutes()))),
			ExpiresAt:     rec.ExpiresAt,
			AccessToken:   rec.AccessToken,
		}
	}
	return Status{
		State:         StateValid,
		Authenticated: true,
		Message:       "Valid until " + rec.ExpiresAt.Local().Format(time.RFC1123),
		ExpiresAt:     rec.ExpiresAt,
		AccessToken:   rec.AccessToken,
	}
}

// AuthenticatedRooms returns the sorted IDs of rooms with valid tokens.
func (m *Manager) AuthenticatedRooms() []string {
	m.CleanupExpired()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.tokens))
	for id := range m.tokens {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Headers returns a copy of extra with the room's bearer token set. It
// fails with ErrUnauthenticated if the room has no valid token.
func (m *Manager) Headers(roomID string, extra http.Header) (http.Header, error) {
	rec, ok := m.Get(roomID)
	if !ok {
		return nil, fmt.Errorf("%w for room %s", ErrUnauthenticated, roomID)
	}

	h := extra.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Authorization", "Bearer "+rec.AccessToken)
	h.Set("Content-Type", "application/json")
	return h, nil
}

// materialize looks up a room's token. found reports whether a token
// existed, ok whether it is still valid. An expired token is removed and
// the store written. The caller must hold mu.
func (m *Manager) materialize(roomID string) (rec Record, found, ok bool) {
	t, found := m.tokens[roomID]
	if !found {
		return Record{}, false, false
	}

	now := m.clock.Now()
	if !isLive(t, now) {
		delete(m.tokens, roomID)
		m.save()
		m.log.Debug().Str("room", roomID).Msg("evicted expired room token")
		return Record{}, true, false
	}

	exp, _ := parseTime(t.ExpiresAt)
	created, _ := parseTime(t.CreatedAt)
	return Record{
		RoomID:      roomID,
		AccessToken: t.AccessToken,
		ExpiresAt:   exp,
		CreatedAt:   created,
	}, true, true
}

// save writes the token map to the store. Errors are logged; the in-memory
// map stays authoritative. The caller must hold mu.
func (m *Manager) save() {
	if err := m.store.Save(m.tokens.Copy()); err != nil {
		m.log.Error().Err(err).Msg("error saving room auth to store")
	}
}

// isLive reports whether a token's expiry is strictly after now. An
// unparsable expiry is never live.
func isLive(t store.Token, now time.Time) bool {
	exp, err := parseTime(t.ExpiresAt)
	if err != nil {
		return false
	}
	return exp.After(now)
}

// Timestamps without a zone offset are read as local time.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	for _, l := range localLayouts {
		if t, e := time.ParseInLocation(l, s, time.Local); e == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}
