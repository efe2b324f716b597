// Package identity resolves the user and room a widget session belongs to,
// either from the widget URL or from a handshake with the embedding host.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"github.com/rs/zerolog"
)

// URL query parameters carrying the identity. The first name of each pair
// is the one hosts substitute into widget URLs.
const (
	ParamUserID = "matrix_user_id"
	ParamRoomID = "matrix_room_id"

	paramUserIDShort = "user_id"
	paramRoomIDShort = "room_id"
)

var (
	// ErrNotEmbedded is returned when the URL has no identity and there is
	// no host to ask.
	ErrNotEmbedded = errors.New("must be opened as a widget or with explicit parameters")

	// ErrMissingIdentity is returned by a host handshake that completed
	// without yielding both identifiers.
	ErrMissingIdentity = errors.New("missing user or room information")

	// ErrUnresolved is returned when both the handshake and the URL
	// fallback failed.
	ErrUnresolved = errors.New("unable to authenticate, ensure this is opened as a widget")
)

// Identity is the user and room of a session.
type Identity struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

// Valid reports whether both identifiers are set.
func (i Identity) Valid() bool {
	return i.UserID != "" && i.RoomID != ""
}

// Host is the embedding host's handshake capability.
type Host interface {
	// Embedded reports whether there is a host to talk to.
	Embedded() bool

	// Initialize performs the handshake and returns the identity the host
	// provided.
	Initialize(ctx context.Context) (Identity, error)
}

// Resolver resolves an Identity.
type Resolver struct {
	// URL is the widget URL the session was opened with.
	URL string

	// Host is optional. Without it the session is not embedded.
	Host Host

	Log zerolog.Logger
}

// Resolve tries the URL parameters, then the host handshake, then a lenient
// reading of the URL. The error is terminal for the session.
func (r *Resolver) Resolve(ctx context.Context) (Identity, error) {
	if id, ok := FromURL(r.URL); ok {
		r.Log.Info().Str("user", id.UserID).Str("room", id.RoomID).Msg("identity from URL parameters")
		return id, nil
	}

	if r.Host == nil || !r.Host.Embedded() {
		return Identity{}, ErrNotEmbedded
	}

	id, err := r.Host.Initialize(ctx)
	if err == nil && !id.Valid() {
		err = ErrMissingIdentity
	}
	if err == nil {
		r.Log.Info().Str("user", id.UserID).Str("room", id.RoomID).Msg("identity from host handshake")
		return id, nil
	}
	r.Log.Warn().Err(err).Msg("host handshake failed, trying URL fallback")

	if id, ok := FromURLLenient(r.URL); ok {
		r.Log.Info().Str("user", id.UserID).Str("room", id.RoomID).Msg("identity from URL fallback")
		return id, nil
	}
	return Identity{}, fmt.Errorf("%w: %v", ErrUnresolved, err)
}

// FromURL reads the identity from the URL's query parameters.
func FromURL(raw string) (Identity, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return Identity{}, false
	}
	q := u.Query()
	id := Identity{
		UserID: first(q.Get(ParamUserID), q.Get(paramUserIDShort)),
		RoomID: first(q.Get(ParamRoomID), q.Get(paramRoomIDShort)),
	}
	return id, id.Valid()
}

// FromURLLenient reads the identity from the URL, also accepting the
// "$"-prefixed names left in by hosts that didn't substitute the template
// and values that don't survive query parsing.
func FromURLLenient(raw string) (Identity, bool) {
	var q url.Values
	if u, err := url.Parse(raw); err == nil {
		q = u.Query()
	}
	id := Identity{
		UserID: first(q.Get(ParamUserID), q.Get("$"+ParamUserID), extract(raw, userRe)),
		RoomID: first(q.Get(ParamRoomID), q.Get("$"+ParamRoomID), extract(raw, roomRe)),
	}
	return id, id.Valid()
}

var (
	userRe = regexp.MustCompile(`[?&#]\$?` + ParamUserID + `=([^&#]+)`)
	roomRe = regexp.MustCompile(`[?&#]\$?` + ParamRoomID + `=([^&#]+)`)
)

func extract(raw string, re *regexp.Regexp) string {
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	v, err := url.QueryUnescape(m[1])
	if err != nil {
		return m[1]
	}
	return v
}

func first(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
