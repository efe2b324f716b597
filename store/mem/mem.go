package mem

import (
	"sync"

	"github.com/knadh/sagawidget/store"
)

// InMemory represents the in-memory implementation of the Store interface.
// It keeps the encoded form so that loads go through the same decoding as
// the persistent backends.
type InMemory struct {
	data  []byte
	saves int
	mu    sync.Mutex
}

// New returns a new in-memory store.
func New() *InMemory {
	return &InMemory{}
}

// Load decodes the stored token map.
func (m *InMemory) Load() (store.Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return store.Decode(m.data)
}

// Save replaces the stored token map.
func (m *InMemory) Save(t store.Tokens) error {
	b, err := store.Encode(t)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = b
	m.saves++
	return nil
}

// Get returns the raw stored bytes.
func (m *InMemory) Get() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Set replaces the raw stored bytes without counting as a save.
func (m *InMemory) Set(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make([]byte, len(data))
	copy(m.data, data)
}

// Saves returns the number of Save calls so far.
func (m *InMemory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
