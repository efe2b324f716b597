// Package api is a client for the remote message, media and stats API.
//
// Every data call takes the room's auth headers. Headers carrying an
// Authorization entry select the room-scoped endpoints (PIN mode); nil
// headers select the legacy endpoints authorised with the static API key.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// MessageLimit is the number of messages requested per fetch.
const MessageLimit = 1000

// Config represents the API client options.
type Config struct {
	BaseURL string `koanf:"base_url"`

	// APIKey is the static key used in legacy mode.
	APIKey string `koanf:"api_key"`

	// Timeout is the per-request timeout. 0 leaves it to the transport.
	Timeout time.Duration `koanf:"timeout"`
}

// Client is an API client.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
	log    zerolog.Logger
}

// Message is a room message.
type Message struct {
	ID            json.Number `json:"id"`
	EventID       string      `json:"event_id"`
	Timestamp     string      `json:"timestamp"`
	Sender        string      `json:"sender"`
	Content       string      `json:"content"`
	MessageType   string      `json:"message_type"`
	RoomID        string      `json:"room_id"`
	MediaFilename string      `json:"media_filename,omitempty"`
	MediaMimetype string      `json:"media_mimetype,omitempty"`
	MediaSize     int64       `json:"media_size_bytes,omitempty"`

	// MediaURL is derived from MediaFilename.
	MediaURL string `json:"media_url,omitempty"`
}

// Time parses the message timestamp. It returns the zero time if the
// timestamp doesn't parse.
func (m Message) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		t, _ = time.ParseInLocation("2006-01-02T15:04:05.999999999", m.Timestamp, time.Local)
	}
	return t
}

// Stats is the room statistics object. Its fields are passed through as is.
type Stats map[string]any

// Grant is the result of a PIN exchange.
type Grant struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
	RoomID      string `json:"room_id"`
}

// New returns a new Client.
func New(cfg Config, l zerolog.Logger) *Client {
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: cfg.Timeout},
		log:    l,
	}
}

// Messages fetches a room's messages.
func (c *Client) Messages(ctx context.Context, roomID string, roomAuth http.Header) ([]Message, error) {
	var u string
	if isRoomAuth(roomAuth) {
		q := url.Values{"include_media": {"true"}, "limit": {fmt.Sprint(MessageLimit)}}
		u = c.base + "/ui/rooms/" + url.PathEscape(roomID) + "/messages?" + q.Encode()
	} else {
		q := url.Values{"room_id": {roomID}, "include_media": {"true"}, "limit": {fmt.Sprint(MessageLimit)}}
		u = c.base + "/messages?" + q.Encode()
	}

	b, _, err := c.do(ctx, "messages", http.MethodGet, u, c.authHeader(roomAuth), nil)
	if err != nil {
		return nil, err
	}

	// Older servers return a bare array, newer ones wrap it.
	var raw json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, ErrInvalidJSON
	}

	var out []Message
	switch {
	case bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")):
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedFormat, err)
		}
	case bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")):
		var r struct {
			Messages *[]Message `json:"messages"`
			Count    int        `json:"count"`
		}
		if err := json.Unmarshal(raw, &r); err != nil || r.Messages == nil {
			return nil, ErrUnexpectedFormat
		}
		out = *r.Messages
		c.log.Debug().Int("count", r.Count).Int("received", len(out)).Msg("messages response")
	default:
		return nil, ErrUnexpectedFormat
	}

	for i := range out {
		if out[i].MediaFilename != "" {
			out[i].MediaURL = c.base + "/media/" + url.PathEscape(out[i].MediaFilename)
		}
	}
	return out, nil
}

// Stats fetches room statistics. In legacy mode the stats are global.
func (c *Client) Stats(ctx context.Context, roomID string, roomAuth http.Header) (Stats, error) {
	u := c.base + "/stats"
	if isRoomAuth(roomAuth) {
		u = c.base + "/ui/rooms/" + url.PathEscape(roomID) + "/stats"
	}

	b, _, err := c.do(ctx, "stats", http.MethodGet, u, c.authHeader(roomAuth), nil)
	if err != nil {
		return nil, err
	}

	var out Stats
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, ErrInvalidJSON
	}
	return out, nil
}

// Media downloads a media file and returns its body and content type.
// Relative paths are resolved against the base URL. Credentials are only
// ever sent to the API's own origin.
func (c *Client) Media(ctx context.Context, mediaURL string, roomAuth http.Header) ([]byte, string, error) {
	u, err := c.ResolveURL(mediaURL)
	if err != nil {
		return nil, "", err
	}
	return c.do(ctx, "media", http.MethodGet, u, c.authHeader(roomAuth), nil)
}

// ResolveURL resolves a media path against the base URL. An absolute URL is
// accepted only if it has the base URL's scheme and host.
func (c *Client) ResolveURL(p string) (string, error) {
	u, err := url.Parse(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrForeignURL, err)
	}
	if !u.IsAbs() && u.Host == "" {
		return c.base + "/" + strings.TrimLeft(p, "/"), nil
	}

	base, err := url.Parse(c.base)
	if err != nil || !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
		return "", ErrForeignURL
	}
	return p, nil
}

// ExchangePIN exchanges a room PIN for a room access token. The PIN is
// validated locally first. If the server omits the expiry, it's taken from
// the token's exp claim when the token is a JWT.
func (c *Client) ExchangePIN(ctx context.Context, roomID, pin string) (Grant, error) {
	if !ValidPIN(pin) {
		return Grant{}, ErrInvalidPIN
	}

	body, _ := json.Marshal(map[string]string{"room_id": roomID, "pin": pin})
	b, _, err := c.do(ctx, "pin", http.MethodPost, c.base+"/internal/auth/pin", nil, body)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return Grant{}, pinError(e.StatusCode, e.Body)
		}
		return Grant{}, err
	}

	var g Grant
	if err := json.Unmarshal(b, &g); err != nil {
		return Grant{}, ErrInvalidJSON
	}
	if g.AccessToken == "" {
		return Grant{}, fmt.Errorf("%w: no access_token", ErrUnexpectedFormat)
	}
	if g.RoomID == "" {
		g.RoomID = roomID
	}
	if g.ExpiresAt == "" {
		exp, ok := tokenExpiry(g.AccessToken)
		if !ok {
			return Grant{}, fmt.Errorf("%w: no expires_at", ErrUnexpectedFormat)
		}
		g.ExpiresAt = exp.UTC().Format(time.RFC3339)
	}
	return g, nil
}

// ValidPIN reports whether pin is exactly six ASCII digits.
func ValidPIN(pin string) bool {
	if len(pin) != 6 {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}

// authHeader returns the headers for a call: the room's auth headers in
// PIN mode, the static key (if any) in legacy mode.
func (c *Client) authHeader(roomAuth http.Header) http.Header {
	if isRoomAuth(roomAuth) {
		return roomAuth.Clone()
	}
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

func isRoomAuth(h http.Header) bool {
	return h.Get("Authorization") != ""
}

// do performs a request and returns the body and its content type. Non-2xx
// responses are returned as *Error.
func (c *Client) do(ctx context.Context, op, method, u string, h http.Header, body []byte) ([]byte, string, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	for k, v := range h {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%s: error reading response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Msg("API request failed")
		return nil, "", &Error{Op: op, StatusCode: resp.StatusCode, Body: string(b)}
	}
	return b, resp.Header.Get("Content-Type"), nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it. The token
// is opaque to this client; the server remains the authority on validity.
func tokenExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
