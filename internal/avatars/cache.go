package avatars

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Cache stores peer avatars on disk, keyed by the owning user ID. Entries
// untouched for the expiry window are removed by housekeeping; the protocol
// does not require the cache to survive restarts.
type Cache struct {
	mu  sync.RWMutex
	dir string
}

// DefaultExpiry is the housekeeping age limit for cached avatars.
const DefaultExpiry = 30 * 24 * time.Hour

func NewCache(dir string) *Cache {
	_ = os.MkdirAll(dir, 0o755)
	return &Cache{dir: dir}
}

func (c *Cache) path(userID, mime string) string {
	name := strings.NewReplacer("@", "_at_", "/", "_", "\\", "_").Replace(userID)
	ext := ".img"
	switch mime {
	case "image/png":
		ext = ".png"
	case "image/jpeg":
		ext = ".jpg"
	case "image/gif":
		ext = ".gif"
	case "image/bmp":
		ext = ".bmp"
	case "image/webp":
		ext = ".webp"
	}
	return filepath.Join(c.dir, name+ext)
}

// Put stores a validated avatar for a peer.
func (c *Cache) Put(userID, mime string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.WriteFile(c.path(userID, mime), data, 0o644)
}

// Get returns the cached avatar bytes, or nil when absent.
func (c *Cache) Get(userID, mime string) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := os.ReadFile(c.path(userID, mime))
	if err != nil {
		return nil
	}
	return data
}

// Expire removes cache entries older than maxAge and reports how many.
func (c *Cache) Expire(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(c.dir, e.Name())) == nil {
				n++
			}
		}
	}
	return n
}
