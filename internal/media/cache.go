// Package media is a size-bounded in-memory cache of downloaded media.
package media

import (
	"errors"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultMaxMemory is the cache size used when none is configured.
const DefaultMaxMemory = "32MB"

// Config represents the media cache options.
type Config struct {
	MaxMemory string `koanf:"max_memory"`
}

// Cache holds media files in memory, keyed by URL.
type Cache struct {
	maxMem int64
	mu     sync.Mutex
	items  map[string]File
	size   int64
	seq    uint64
}

// File represents a cached media file.
type File struct {
	URL       string
	MimeType  string
	Data      []byte
	CreatedAt time.Time

	seq uint64
}

// ErrFileNotFound indicates that the requested file was not cached.
var ErrFileNotFound = errors.New("file not found")

// ErrFileTooLarge indicates that the file alone exceeds the cache size.
var ErrFileTooLarge = errors.New("file too large")

// New returns a new media cache.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxMemory == "" {
		cfg.MaxMemory = DefaultMaxMemory
	}
	n, err := humanize.ParseBytes(cfg.MaxMemory)
	if err != nil {
		return nil, err
	}
	return &Cache{
		maxMem: int64(n),
		items:  make(map[string]File),
	}, nil
}

// Add a file to the cache, evicting the oldest entries until it fits.
func (c *Cache) Add(url, mimeType string, data []byte) (File, error) {
	if int64(len(data)) > c.maxMem {
		return File{}, ErrFileTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.items[url]; ok {
		c.size -= int64(len(f.Data))
		delete(c.items, url)
	}

	c.seq++
	f := File{
		URL:       url,
		MimeType:  mimeType,
		Data:      make([]byte, len(data)),
		CreatedAt: time.Now(),
		seq:       c.seq,
	}
	copy(f.Data, data)

	for c.size+int64(len(data)) > c.maxMem {
		var oldest *File
		for _, it := range c.items {
			if oldest == nil || it.seq < oldest.seq {
				it := it
				oldest = &it
			}
		}
		if oldest == nil {
			break
		}
		c.size -= int64(len(oldest.Data))
		delete(c.items, oldest.URL)
	}

	c.items[url] = f
	c.size += int64(len(data))
	return f, nil
}

// Get the file with the given URL.
func (c *Cache) Get(url string) (File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.items[url]
	if !ok {
		return f, ErrFileNotFound
	}
	return f, nil
}

// Clear removes every cached file.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]File)
	c.size = 0
	c.mu.Unlock()
}

// Len returns the number of cached files.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size returns the cache size as a human readable string, eg: "1.2 MB".
func (c *Cache) Size() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return humanize.Bytes(uint64(c.size))
}
