package store

import (
	"encoding/json"
	"errors"
)

// StorageKey is the key the room token map is persisted under in key-value
// backends.
const StorageKey = "minsc_saga_room_auth"

// Store represents a backend that persists the room token map. Every Save
// replaces the whole map.
type Store interface {
	Load() (Tokens, error)
	Save(t Tokens) error
}

// Token represents a room access token as it is persisted.
type Token struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   string `json:"expiresAt"`
	CreatedAt   string `json:"createdAt"`
}

// Tokens maps room IDs to their tokens.
type Tokens map[string]Token

// ErrCorrupt indicates that the persisted data could not be decoded.
var ErrCorrupt = errors.New("corrupt token data")

// Decode decodes a persisted token map. Empty input is an empty map.
func Decode(b []byte) (Tokens, error) {
	out := Tokens{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return Tokens{}, errors.Join(ErrCorrupt, err)
	}
	// A JSON null decodes into a nil map.
	if out == nil {
		out = Tokens{}
	}
	return out, nil
}

// Encode encodes a token map for persistence.
func Encode(t Tokens) ([]byte, error) {
	if t == nil {
		t = Tokens{}
	}
	return json.Marshal(t)
}

// Copy returns a shallow copy of the map.
func (t Tokens) Copy() Tokens {
	out := make(Tokens, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
