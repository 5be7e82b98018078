package retrieval

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached memoizes successful searches for a short window so that a
// repeated sub-query or a retried turn sees the same result.
type Cached struct {
	next  Retriever
	cache *expirable.LRU[string, Result]
}

func NewCached(next Retriever, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 256
	}
	return &Cached{next: next, cache: expirable.NewLRU[string, Result](size, nil, ttl)}
}

func (c *Cached) Search(ctx context.Context, query string, maxResults int, filters map[string]string) (Result, error) {
	key := cacheKey(query, maxResults, filters)
	if res, ok := c.cache.Get(key); ok {
		return cloneResult(res), nil
	}
	res, err := c.next.Search(ctx, query, maxResults, filters)
	if err != nil {
		return Result{}, err
	}
	c.cache.Add(key, cloneResult(res))
	return res, nil
}

// Purge drops every cached result.
func (c *Cached) Purge() { c.cache.Purge() }

func cacheKey(query string, maxResults int, filters map[string]string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.Join(strings.Fields(query), " ")))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(maxResults))
	for _, k := range sortedKeys(filters) {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(filters[k])
	}
	return b.String()
}

func cloneResult(r Result) Result {
	r.Sources = append([]Source(nil), r.Sources...)
	return r
}
