package pebble

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
	"github.com/knadh/sagawidget/store"
)

// Config represents the Pebble store config structure.
type Config struct {
	Dir string `koanf:"dir"`
}

// Pebble represents the embedded PebbleDB implementation of the Store
// interface. The whole map is stored as one value under store.StorageKey.
type Pebble struct {
	db  *pebble.DB
	key []byte
}

// New opens (or creates) the database directory.
func New(cfg Config) (*Pebble, error) {
	if cfg.Dir == "" {
		return nil, errors.New("store dir is empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("error creating store directory: %w", err)
	}

	db, err := pebble.Open(filepath.Clean(cfg.Dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Pebble{db: db, key: []byte(store.StorageKey)}, nil
}

// Load reads the token map. A missing key is an empty map.
func (p *Pebble) Load() (store.Tokens, error) {
	v, closer, err := p.db.Get(p.key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return store.Tokens{}, nil
		}
		return store.Tokens{}, err
	}
	defer closer.Close()

	// The value is only valid until closer is closed.
	b := make([]byte, len(v))
	copy(b, v)
	return store.Decode(b)
}

// Save writes the token map and syncs it to disk.
func (p *Pebble) Save(t store.Tokens) error {
	b, err := store.Encode(t)
	if err != nil {
		return err
	}
	return p.db.Set(p.key, b, pebble.Sync)
}

// Close closes the database.
func (p *Pebble) Close() error {
	return p.db.Close()
}
