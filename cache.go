// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

// CacheDir resolves the artifact cache root: SMAK_CACHE_DIR if set
// ("0" disables caching), otherwise the user cache directory.
func CacheDir() string {
	switch dir := os.Getenv("SMAK_CACHE_DIR"); dir {
	case "":
		return filepath.Join(xdg.CacheHome, "smak")
	case "0":
		return ""
	default:
		return dir
	}
}

// Record is one persisted cache entry, keyed on disk by its fingerprint.
type Record struct {
	RecipeHash string    `json:"recipe_hash"`
	Inputs     []string  `json:"inputs"`
	Outputs    []string  `json:"outputs"`
	OutputHash string    `json:"output_hash,omitempty"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Cache persists completion records keyed by fingerprint. Only the
// coordinator writes records, and it hashes outputs itself; workers report
// only an exit status, no hashes.
type Cache struct {
	dir string
}

// OpenCache opens (or disables, for empty dir) the cache.
func OpenCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Enabled reports whether caching is active.
func (c *Cache) Enabled() bool {
	return c != nil && c.dir != ""
}

func (c *Cache) recordPath(fp string) string {
	return filepath.Join(c.dir, fp+".json")
}

// Lookup fetches the record for a fingerprint.
func (c *Cache) Lookup(fp string) (*Record, bool) {
	if !c.Enabled() {
		return nil, false
	}
	data, err := os.ReadFile(c.recordPath(fp))
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		debugf("corrupt cache record %s: %v", fp, err)
		return nil, false
	}
	return &rec, true
}

// Store writes a record atomically.
func (c *Cache) Store(fp string, rec *Record) error {
	if !c.Enabled() {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrap(err, "creating cache dir")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(c.recordPath(fp), data, 0o644); err != nil {
		return errors.Wrapf(err, "writing cache record %s", fp)
	}
	return nil
}

// InvalidateInput deletes every record that lists path as an input.
// Driven by MODIFY events from the watcher.
func (c *Cache) InvalidateInput(path string) {
	if !c.Enabled() {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		full := filepath.Join(c.dir, e.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		var rec Record
		if json.Unmarshal(data, &rec) != nil {
			continue
		}
		for _, in := range rec.Inputs {
			if in == path {
				os.Remove(full)
				break
			}
		}
	}
}

// Fingerprint hashes the recipe text, the prerequisite fingerprints, and
// the exported environment subset into a cache key.
func Fingerprint(recipeText string, prereqFPs []string, env map[string]string) string {
	h := sha256.New()
	io.WriteString(h, recipeText)
	io.WriteString(h, "\x00")
	for _, fp := range prereqFPs {
		io.WriteString(h, fp)
		io.WriteString(h, "\x00")
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		io.WriteString(h, k)
		io.WriteString(h, "=")
		io.WriteString(h, env[k])
		io.WriteString(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashCache caches file content hashes using (path, mtime, size) as the
// cache key. Safe for concurrent use.
type HashCache struct {
	mu      sync.Mutex
	entries map[string]hashEntry
}

type hashEntry struct {
	mtime time.Time
	size  int64
	hash  string
}

func NewHashCache() *HashCache {
	return &HashCache{entries: make(map[string]hashEntry)}
}

// Hash returns the content hash of the file at path, reusing the cached
// value while the file's mtime and size are unchanged.
func (c *HashCache) Hash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	mtime, size := info.ModTime(), info.Size()

	c.mu.Lock()
	if e, ok := c.entries[path]; ok && e.mtime.Equal(mtime) && e.size == size {
		c.mu.Unlock()
		return e.hash, nil
	}
	c.mu.Unlock()

	h, err := hashFile(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[path] = hashEntry{mtime: mtime, size: size, hash: h}
	c.mu.Unlock()
	return h, nil
}

// Forget drops the cached hash for a path (watcher MODIFY events).
func (c *HashCache) Forget(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
