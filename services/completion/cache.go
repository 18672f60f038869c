package completion

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	defaultCacheCapacity = 1000
	defaultCacheTTL      = 24 * time.Hour
	defaultSimilarity    = 0.8

	// Applied to zero-valued requests by the orchestrator and the
	// fingerprint alike, so equivalent requests share a cache key.
	defaultTemperature     = 0.1
	defaultMaxOutputTokens = 2000
)

// stopWords are dropped before similarity comparison; they carry no clinical
// meaning.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "of": {},
	"with": {}, "by": {},
}

// Fingerprint derives the exact-lookup cache key for a request. Zero
// temperature and token limits take the orchestrator defaults so equivalent
// requests share a key.
func Fingerprint(prompt, backendID, modelID string, temperature float64, maxTokens int) string {
	if temperature == 0 {
		temperature = defaultTemperature
	}
	if maxTokens == 0 {
		maxTokens = defaultMaxOutputTokens
	}

	// Map keys marshal in sorted order, giving a deterministic encoding.
	payload := map[string]interface{}{
		"prompt":      normalizePrompt(prompt),
		"backend":     backendID,
		"model":       modelID,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalizePrompt collapses whitespace and lowercases.
func normalizePrompt(prompt string) string {
	return strings.ToLower(strings.Join(strings.Fields(prompt), " "))
}

type cacheEntry struct {
	fingerprint string
	prompt      string
	backendID   string
	modelID     string
	response    *Response
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
}

// ResponseCache stores completion responses for exact and similarity lookup,
// bounded by an LRU capacity and a TTL.
type ResponseCache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	capacity  int
	ttl       time.Duration
	threshold float64

	hits      int64
	misses    int64
	evictions int64
}

// NewResponseCache creates a response cache. Zero values take the defaults:
// capacity 1000, TTL 24h, similarity threshold 0.8.
func NewResponseCache(capacity int, ttl time.Duration, threshold float64) *ResponseCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if threshold <= 0 {
		threshold = defaultSimilarity
	}
	return &ResponseCache{
		entries:   make(map[string]*cacheEntry),
		capacity:  capacity,
		ttl:       ttl,
		threshold: threshold,
	}
}

// Get returns the cached response for an exact fingerprint. Expired entries
// are evicted and count as a miss. The returned response is a copy owned by
// the caller.
func (c *ResponseCache) Get(fingerprint string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		c.misses++
		return nil, false
	}

	if time.Since(entry.createdAt) > c.ttl {
		delete(c.entries, fingerprint)
		c.misses++
		return nil, false
	}

	entry.accessCount++
	entry.lastAccess = time.Now().UTC()
	c.hits++
	return copyResponse(entry.response), true
}

// GetSimilar returns the most similar cached response for the same backend
// and model at or above the threshold. A threshold of zero uses the cache
// default. The returned response is a copy owned by the caller.
func (c *ResponseCache) GetSimilar(prompt, backendID, modelID string, threshold float64) (*Response, float64, bool) {
	if threshold <= 0 {
		threshold = c.threshold
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	promptTokens := similarityTokens(prompt)

	var best *cacheEntry
	bestSimilarity := 0.0
	var expired []string

	for fingerprint, entry := range c.entries {
		if time.Since(entry.createdAt) > c.ttl {
			expired = append(expired, fingerprint)
			continue
		}
		if entry.backendID != backendID || entry.modelID != modelID {
			continue
		}

		similarity := jaccard(promptTokens, similarityTokens(entry.prompt))
		if similarity >= threshold && similarity > bestSimilarity {
			bestSimilarity = similarity
			best = entry
		}
	}

	for _, fingerprint := range expired {
		delete(c.entries, fingerprint)
	}

	if best == nil {
		c.misses++
		return nil, 0, false
	}

	best.accessCount++
	best.lastAccess = time.Now().UTC()
	c.hits++
	return copyResponse(best.response), bestSimilarity, true
}

// Set stores a response under its fingerprint. At capacity, the entry with
// the oldest last access is evicted first.
func (c *ResponseCache) Set(fingerprint, prompt, backendID, modelID string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fingerprint]; !exists && len(c.entries) >= c.capacity {
		c.evictLRU()
	}

	now := time.Now().UTC()
	c.entries[fingerprint] = &cacheEntry{
		fingerprint: fingerprint,
		prompt:      prompt,
		backendID:   backendID,
		modelID:     modelID,
		response:    copyResponse(resp),
		createdAt:   now,
		lastAccess:  now,
		accessCount: 1,
	}
}

// evictLRU removes the entry with the oldest last access. Caller holds the
// lock.
func (c *ResponseCache) evictLRU() {
	var lruKey string
	var lruTime time.Time
	for fingerprint, entry := range c.entries {
		if lruKey == "" || entry.lastAccess.Before(lruTime) {
			lruKey = fingerprint
			lruTime = entry.lastAccess
		}
	}
	if lruKey != "" {
		delete(c.entries, lruKey)
		c.evictions++
	}
}

// CleanupExpired removes all TTL-expired entries and returns how many were
// removed. Lazy expiry on read keeps the cache correct without it; this only
// bounds memory in an idle cache.
func (c *ResponseCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []string
	for fingerprint, entry := range c.entries {
		if time.Since(entry.createdAt) > c.ttl {
			expired = append(expired, fingerprint)
		}
	}
	for _, fingerprint := range expired {
		delete(c.entries, fingerprint)
	}
	return len(expired)
}

// Stats returns cache activity counters.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		Capacity:  c.capacity,
		HitRate:   hitRate,
		TTL:       c.ttl,
	}
}

// similarityTokens lowercases, splits on whitespace, and drops stop words.
func similarityTokens(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if _, stop := stopWords[word]; stop {
			continue
		}
		tokens[word] = struct{}{}
	}
	return tokens
}

// jaccard computes token-set Jaccard similarity.
func jaccard(a, b map[string]struct{}) float64 {
	intersection := 0
	for token := range a {
		if _, ok := b[token]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// copyResponse returns a caller-owned copy so cache internals are never
// aliased.
func copyResponse(r *Response) *Response {
	out := *r
	if r.StructuredPayload != nil {
		out.StructuredPayload = maps.Clone(r.StructuredPayload)
	}
	if r.Safety.Matches != nil {
		out.Safety.Matches = slices.Clone(r.Safety.Matches)
	}
	if r.Safety.Recommendations != nil {
		out.Safety.Recommendations = slices.Clone(r.Safety.Recommendations)
	}
	return &out
}
