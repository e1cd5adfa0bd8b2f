package llm

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ResponseCache memoizes near-deterministic completions. Requests with a
// sampling temperature above the threshold are never cached, since their
// outputs are not reproducible. Entries expire after the configured TTL.
type ResponseCache struct {
	lru            *expirable.LRU[string, *ChatResponse]
	maxTemperature float64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResponseCache creates a cache holding at most maxEntries responses,
// each valid for ttl. Only requests at or below maxTemperature participate.
func NewResponseCache(maxEntries int, ttl time.Duration, maxTemperature float64) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &ResponseCache{
		lru:            expirable.NewLRU[string, *ChatResponse](maxEntries, nil, ttl),
		maxTemperature: maxTemperature,
	}
}

// Get returns the cached response for req, if one exists.
func (c *ResponseCache) Get(req *ChatRequest) (*ChatResponse, bool) {
	if !c.cacheable(req) {
		return nil, false
	}
	resp, ok := c.lru.Get(c.key(req))
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return resp, ok
}

// Put stores the response for req. No-op for uncacheable requests.
func (c *ResponseCache) Put(req *ChatRequest, resp *ChatResponse) {
	if !c.cacheable(req) || resp == nil {
		return
	}
	c.lru.Add(c.key(req), resp)
}

// Stats returns cumulative hit and miss counts.
func (c *ResponseCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of live entries.
func (c *ResponseCache) Len() int {
	return c.lru.Len()
}

func (c *ResponseCache) cacheable(req *ChatRequest) bool {
	if req.Temperature > c.maxTemperature {
		return false
	}
	// Image payloads make keys huge and collisions with stale context
	// likely; skip them.
	for _, msg := range req.Messages {
		if len(msg.Images) > 0 {
			return false
		}
	}
	return true
}

// key derives a stable digest from the model and the full message list,
// so the same prompt against a different model never collides.
func (c *ResponseCache) key(req *ChatRequest) string {
	var sb strings.Builder
	sb.WriteString(req.Model)
	sb.WriteString(":")
	sb.WriteString(req.SystemPrompt)
	for _, msg := range req.Messages {
		sb.WriteString("|")
		sb.WriteString(msg.Role)
		sb.WriteString(":")
		sb.WriteString(msg.Content)
	}
	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
