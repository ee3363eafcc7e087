package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// cacheData is the persisted shape of the run cache.
type cacheData struct {
	// Event links confirmed posted, keyed by link.
	PostedLinks map[string]bool `json:"postedLinks"`

	// Vote acknowledgements confirmed delivered, keyed by "userID|link".
	DeliveredVotes map[string]bool `json:"deliveredVotes"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// runCache is a purely optional performance cache over facts the engine
// otherwise rediscovers from remote history every run. It is only ever
// written after a fact was confirmed remotely (a send succeeded, or a
// history scan found the record), so a positive answer can safely skip a
// re-scan. A negative answer proves nothing: callers must fall back to
// the remote scan before acting.
type runCache struct {
	data     cacheData
	filePath string
	enabled  bool
	mu       sync.RWMutex
}

// newRunCache loads the cache from disk. An empty path disables the
// cache entirely: every lookup misses and nothing is persisted.
func newRunCache(filePath string) *runCache {
	cache := &runCache{
		data: cacheData{
			PostedLinks:    make(map[string]bool),
			DeliveredVotes: make(map[string]bool),
		},
		filePath: filePath,
		enabled:  filePath != "",
	}

	if !cache.enabled {
		return cache
	}

	if err := cache.load(); err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", filePath).Msg("Failed to load run cache, starting fresh")
		} else {
			log.Info().Str("path", filePath).Msg("No run cache found, starting fresh")
		}
		return cache
	}

	log.Info().
		Str("path", filePath).
		Int("postedLinks", len(cache.data.PostedLinks)).
		Int("deliveredVotes", len(cache.data.DeliveredVotes)).
		Time("lastUpdated", cache.data.LastUpdated).
		Msg("Loaded run cache")

	return cache
}

func (c *runCache) load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := os.ReadFile(c.filePath)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw, &c.data); err != nil {
		return fmt.Errorf("failed to parse cache file: %w", err)
	}
	if c.data.PostedLinks == nil {
		c.data.PostedLinks = make(map[string]bool)
	}
	if c.data.DeliveredVotes == nil {
		c.data.DeliveredVotes = make(map[string]bool)
	}

	return nil
}

// Save writes the cache to disk. Failures are non-fatal: the cache is an
// optimization and the next run rebuilds it from remote history.
func (c *runCache) Save() {
	if !c.enabled {
		return
	}

	c.mu.RLock()
	c.data.LastUpdated = time.Now()
	raw, err := json.MarshalIndent(c.data, "", "  ")
	c.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal run cache")
		return
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0o755); err != nil {
		log.Error().Err(err).Str("path", c.filePath).Msg("Failed to create cache directory")
		return
	}
	if err := os.WriteFile(c.filePath, raw, 0o644); err != nil {
		log.Error().Err(err).Str("path", c.filePath).Msg("Failed to write run cache")
		return
	}

	log.Debug().Str("path", c.filePath).Msg("Run cache saved")
}

// Posted reports whether an event link is known to be posted already.
func (c *runCache) Posted(link string) bool {
	if !c.enabled {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.PostedLinks[link]
}

// MarkPosted records a confirmed posting.
func (c *runCache) MarkPosted(link string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.PostedLinks[link] = true
}

// Delivered reports whether a vote acknowledgement is known delivered.
func (c *runCache) Delivered(userID, link string) bool {
	if !c.enabled {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.DeliveredVotes[userID+"|"+link]
}

// MarkDelivered records a confirmed delivery.
func (c *runCache) MarkDelivered(userID, link string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.DeliveredVotes[userID+"|"+link] = true
}
