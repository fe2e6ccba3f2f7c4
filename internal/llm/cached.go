package llm

import (
	"context"
	"encoding/json"
	"log"

	"github.com/coilworks/coil/internal/cache"
)

// CachedClient wraps a Client with a response cache. Identical requests
// (same model, messages, temperature, max tokens) return the cached
// response until it expires. Cache failures never fail the call.
type CachedClient struct {
	inner Client
	cache *cache.Cache
}

// NewCachedClient wraps inner with the given cache.
func NewCachedClient(inner Client, c *cache.Cache) *CachedClient {
	return &CachedClient{inner: inner, cache: c}
}

func (c *CachedClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	key, err := cache.GenerateKey(req.Model, req)
	if err != nil {
		// Unkeyable request; fall through to the provider.
		return c.inner.Complete(ctx, req)
	}

	if entry, ok := c.cache.Get(ctx, key); ok {
		var resp Response
		if err := json.Unmarshal(entry.Response, &resp); err == nil {
			return &resp, nil
		}
		log.Printf("[LLM] Discarding corrupt cache entry for model %s: %v", req.Model, err)
	}

	resp, err := c.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(resp); err == nil {
		if err := c.cache.Set(ctx, key, data, req.Model, 0); err != nil {
			log.Printf("[LLM] Failed to cache response for model %s: %v", req.Model, err)
		}
	}

	return resp, nil
}
