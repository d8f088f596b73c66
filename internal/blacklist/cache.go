// Package blacklist maintains the pattern index consulted during log admission.
// Patterns live in the store; the cache keeps a compiled in-memory snapshot
// that is rebuilt on mutation and on an elapsed TTL.
package blacklist

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/store"
)

// DefaultTTL is how long a cache snapshot is served before a rebuild.
const DefaultTTL = 5 * time.Minute

type compiled struct {
	pattern *models.BlacklistPattern
	lowered string         // precomputed for substring matches
	re      *regexp.Regexp // set for regex patterns only
}

func compilePattern(p *models.BlacklistPattern, logger zerolog.Logger) compiled {
	c := compiled{pattern: p}
	switch p.Type {
	case models.PatternTypeSubstring:
		c.lowered = strings.ToLower(p.Pattern)
	case models.PatternTypeRegex:
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			// An ill-formed regex never matches anything.
			logger.Warn().
				Int64("pattern_id", p.ID).
				Str("pattern", p.Pattern).
				Err(err).
				Msg("skipping invalid blacklist regex")
		} else {
			c.re = re
		}
	}
	return c
}

func (c compiled) matches(message string) bool {
	switch c.pattern.Type {
	case models.PatternTypeExact:
		return message == c.pattern.Pattern
	case models.PatternTypeSubstring:
		return strings.Contains(strings.ToLower(message), c.lowered)
	case models.PatternTypeRegex:
		return c.re != nil && c.re.MatchString(message)
	}
	return false
}

type snapshot struct {
	global []compiled
	byApp  map[string][]compiled
}

// Cache serves blacklist lookups from a compiled snapshot of the store.
// It is lazy: the first Match builds the snapshot.
type Cache struct {
	store  store.Store
	ttl    time.Duration
	logger zerolog.Logger

	mu       sync.RWMutex
	snap     *snapshot
	loadedAt time.Time
}

func NewCache(st store.Store, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: st, ttl: ttl, logger: logger}
}

// Match reports the first pattern blocking the given message, global patterns
// before application-scoped ones. A nil pattern means the message is allowed.
func (c *Cache) Match(ctx context.Context, applicationID, message string) (*models.BlacklistPattern, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	for _, p := range snap.global {
		if p.matches(message) {
			return p.pattern, nil
		}
	}
	for _, p := range snap.byApp[applicationID] {
		if p.matches(message) {
			return p.pattern, nil
		}
	}
	return nil, nil
}

// current returns a usable snapshot, rebuilding when stale. A rebuild failure
// falls back to the previous snapshot so lookups keep working on store blips.
func (c *Cache) current(ctx context.Context) (*snapshot, error) {
	c.mu.RLock()
	snap, loadedAt := c.snap, c.loadedAt
	c.mu.RUnlock()

	if snap != nil && time.Since(loadedAt) < c.ttl {
		return snap, nil
	}

	if err := c.Refresh(ctx); err != nil {
		if snap != nil {
			c.logger.Warn().Err(err).Msg("blacklist refresh failed, serving stale snapshot")
			return snap, nil
		}
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, nil
}

// Refresh rebuilds the snapshot from the store and swaps it in atomically.
func (c *Cache) Refresh(ctx context.Context) error {
	patterns, err := c.store.ListBlacklistPatterns(ctx, "")
	if err != nil {
		return err
	}

	snap := &snapshot{byApp: make(map[string][]compiled)}
	for _, p := range patterns {
		cp := compilePattern(p, c.logger)
		if p.Global() {
			snap.global = append(snap.global, cp)
		} else {
			snap.byApp[p.ApplicationID] = append(snap.byApp[p.ApplicationID], cp)
		}
	}

	c.mu.Lock()
	c.snap = snap
	c.loadedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug().
		Int("patterns", len(patterns)).
		Msg("blacklist cache refreshed")
	return nil
}

// LastRefresh reports when the current snapshot was built. Zero means the
// cache has never loaded.
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}
