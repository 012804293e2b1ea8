// Package character resolves character profiles used to ground generation.
package character

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/enginerr"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
)

// Character is a companion profile as served by the character catalog.
type Character struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Persona       string   `json:"persona"`
	Greeting      string   `json:"greeting,omitempty"`
	SpeakingStyle string   `json:"speaking_style,omitempty"`
	Traits        []string `json:"traits,omitempty"`
	DefaultModel  string   `json:"default_model,omitempty"`

	// VoiceConfig is carried opaquely for clients that do voice
	// synthesis; the engine never interprets it.
	VoiceConfig json.RawMessage `json:"voice_config,omitempty"`
}

// Catalog resolves character profiles by id.
type Catalog interface {
	GetCharacter(ctx context.Context, id string) (*Character, error)
}

// HTTPCatalog fetches characters from the catalog service.
type HTTPCatalog struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCatalog creates a catalog client against the given base URL.
func NewHTTPCatalog(baseURL string) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetCharacter fetches a single character profile.
func (c *HTTPCatalog) GetCharacter(ctx context.Context, id string) (*Character, error) {
	url := fmt.Sprintf("%s/internal/v1/characters/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, enginerr.Internal("build catalog request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, enginerr.Internal("catalog request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, enginerr.NotFound("character not found")
	default:
		return nil, enginerr.Internal(fmt.Sprintf("catalog returned status %d", resp.StatusCode), nil)
	}

	var ch Character
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, enginerr.Internal("decode character", err)
	}
	return &ch, nil
}

type cacheEntry struct {
	character *Character
	expires   time.Time
}

// CachedCatalog is a read-through TTL cache in front of another catalog.
// Profiles change rarely, so stale reads within the TTL are acceptable.
type CachedCatalog struct {
	inner   Catalog
	logger  *logger.Logger
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCachedCatalog wraps a catalog with a TTL cache.
func NewCachedCatalog(inner Catalog, log *logger.Logger, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{
		inner:   inner,
		logger:  log,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// GetCharacter returns the cached profile or fetches it on a miss.
func (c *CachedCatalog) GetCharacter(ctx context.Context, id string) (*Character, error) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expires) {
		return entry.character, nil
	}

	ch, err := c.inner.GetCharacter(ctx, id)
	if err != nil {
		// A stale entry beats a hard failure for transient catalog outages.
		if ok && !enginerr.IsNotFound(err) {
			c.logger.Warnw("catalog fetch failed, serving stale profile", "character_id", id, "error", err)
			return entry.character, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[id] = cacheEntry{character: ch, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return ch, nil
}

// StaticCatalog serves a fixed set of characters. It backs deployments
// without a catalog service and test setups.
type StaticCatalog struct {
	characters map[string]*Character
}

// NewStaticCatalog creates a catalog from a fixed character list.
func NewStaticCatalog(characters ...*Character) *StaticCatalog {
	m := make(map[string]*Character, len(characters))
	for _, ch := range characters {
		m[ch.ID] = ch
	}
	return &StaticCatalog{characters: m}
}

// GetCharacter looks up a character by id.
func (c *StaticCatalog) GetCharacter(_ context.Context, id string) (*Character, error) {
	ch, ok := c.characters[id]
	if !ok {
		return nil, enginerr.NotFound("character not found")
	}
	return ch, nil
}
