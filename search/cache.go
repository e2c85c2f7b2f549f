package search

import (
	"strings"

	"sigmadex/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
)

// resultCache memoizes term searches. The index is immutable, so entries
// never go stale and are only evicted for size.
type resultCache struct {
	entries *lru.Cache[string, []Row]
}

// newResultCache returns nil when size is not positive, which disables caching.
func newResultCache(size int) (*resultCache, error) {
	if size <= 0 {
		return nil, nil
	}
	entries, err := lru.New[string, []Row](size)
	if err != nil {
		return nil, err
	}
	return &resultCache{entries: entries}, nil
}

func cacheKey(table, column, term string) string {
	return strings.Join([]string{table, column, term}, "\x00")
}

func (c *resultCache) get(key string) ([]Row, bool) {
	if c == nil {
		return nil, false
	}
	rows, ok := c.entries.Get(key)
	if ok {
		metrics.SearchCacheHits.Inc()
	} else {
		metrics.SearchCacheMisses.Inc()
	}
	return rows, ok
}

func (c *resultCache) add(key string, rows []Row) {
	if c == nil {
		return
	}
	c.entries.Add(key, rows)
}

func (c *resultCache) len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
