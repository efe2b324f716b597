package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/knadh/sagawidget/store"
)

// Config represents the file store config structure.
type Config struct {
	Path string `koanf:"path"`
}

// File represents the file implementation of the Store interface.
type File struct {
	cfg *Config
	mu  sync.Mutex
}

// New returns a new file store. The parent directory is created if it
// doesn't exist.
func New(cfg Config) (*File, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path is empty")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("error creating store directory: %w", err)
		}
	}
	return &File{cfg: &cfg}, nil
}

// Load reads the token map from the file. A missing file is an empty map.
func (f *File) Load() (store.Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store.Tokens{}, nil
		}
		return store.Tokens{}, err
	}
	return store.Decode(b)
}

// Save writes the token map to a temporary file and renames it over the
// store file so that readers never see a partial write.
func (f *File) Save(t store.Tokens) error {
	b, err := store.Encode(t)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := f.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("error writing file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.cfg.Path); err != nil {
		return fmt.Errorf("error renaming %q: %w", tmp, err)
	}
	return nil
}
