// Package embed defines the embedding provider contract plus a deterministic
// local implementation. Search and seeding depend only on the interface;
// swapping in a real model is a wiring change.
package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/kittclouds/worldfork/internal/store"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Local is a deterministic, dependency-free embedder: each token hashes into
// a handful of dimensions and the result is L2-normalized. Vectors for texts
// sharing tokens land near each other, which is all seeding and tests need.
type Local struct{}

// NewLocal creates a local embedder.
func NewLocal() *Local { return &Local{} }

// Embed hashes text into a normalized vector of store.Dims dimensions.
// The zero text still produces a valid (non-zero) vector.
func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, store.Dims)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{""}
	}
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		seed := h.Sum64()
		// Spread each token over 8 dimensions with alternating sign.
		for i := 0; i < 8; i++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			dim := int(seed % uint64(store.Dims))
			sign := float32(1)
			if seed&(1<<63) != 0 {
				sign = -1
			}
			vec[dim] += sign
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		norm = 1
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

// Cached wraps an Embedder with an in-memory cache keyed by input text.
// Repeated queries (the common case for search) skip the provider entirely.
type Cached struct {
	inner Embedder

	mu    sync.RWMutex
	cache map[string][]float32
}

// NewCached wraps inner with a cache.
func NewCached(inner Embedder) *Cached {
	return &Cached{inner: inner, cache: make(map[string][]float32)}
}

// Embed returns the cached vector for text, computing and storing it on miss.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.RLock()
	vec, ok := c.cache[text]
	c.mu.RUnlock()
	if ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[text] = vec
	c.mu.Unlock()
	return vec, nil
}
