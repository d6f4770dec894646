package upstream

import (
	"sync"
	"time"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/logging"
)

type cachedField struct {
	value     string
	refreshed time.Time
}

// CachedDetails keeps the answers of another DetailsSource for a while, so
// that regenerating a badge does not scrape the profile pages again.
// Errors are not cached.
type CachedDetails struct {
	source        DetailsSource
	cacheDuration time.Duration
	now           func() time.Time

	mu     sync.RWMutex
	avatar map[int]cachedField
	rank   map[int]cachedField
}

// NewCachedDetails creates a CachedDetails. A zero duration disables caching.
func NewCachedDetails(source DetailsSource, cacheDuration time.Duration) *CachedDetails {
	return &CachedDetails{
		source:        source,
		cacheDuration: cacheDuration,
		now:           time.Now,
		avatar:        make(map[int]cachedField),
		rank:          make(map[int]cachedField),
	}
}

// AvatarURL implements DetailsSource
func (c *CachedDetails) AvatarURL(id Identity) (string, error) {
	return c.get(c.avatar, id, "avatar", c.source.AvatarURL)
}

// RankTitle implements DetailsSource
func (c *CachedDetails) RankTitle(id Identity) (string, error) {
	return c.get(c.rank, id, "rank", c.source.RankTitle)
}

func (c *CachedDetails) get(cache map[int]cachedField, id Identity, field string, load func(Identity) (string, error)) (string, error) {
	c.mu.RLock()
	entry, exists := cache[id.ID]
	c.mu.RUnlock()

	if exists && c.now().Sub(entry.refreshed) < c.cacheDuration {
		logging.App.Debug("Using cached profile detail", "user", id.Label(), "field", field)
		return entry.value, nil
	}

	value, err := load(id)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	cache[id.ID] = cachedField{value: value, refreshed: c.now()}
	c.mu.Unlock()
	return value, nil
}

// Remember implements RecordSeeder when the wrapped source does
func (c *CachedDetails) Remember(id Identity, rec RawProfile) {
	if seeder, ok := c.source.(RecordSeeder); ok {
		seeder.Remember(id, rec)
	}
}

// Forget drops the cached details of a user
func (c *CachedDetails) Forget(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.avatar, id.ID)
	delete(c.rank, id.ID)
}
