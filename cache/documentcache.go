package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DocumentCache holds exactly the most recently fetched blob - raw or
// extracted original - across the whole process, matching the upstream
// reader's single-document-at-a-time access pattern: a size-1 LRU is a
// direct and honest way to express "remember only the last one".
type DocumentCache struct {
	lru *lru.Cache[string, []byte]
}

// NewDocumentCache builds an empty one-slot document cache.
func NewDocumentCache() *DocumentCache {
	c, _ := lru.New[string, []byte](1)
	return &DocumentCache{lru: c}
}

func docKey(id string, version int, form string) string {
	return fmt.Sprintf("%s:%d:%s", id, version, form)
}

// Get returns the cached bytes for (id, version, form), if that happens
// to be the single slot currently held.
func (c *DocumentCache) Get(id string, version int, form string) ([]byte, bool) {
	return c.lru.Get(docKey(id, version, form))
}

// Set replaces the cache's single slot with data for (id, version, form).
func (c *DocumentCache) Set(id string, version int, form string, data []byte) {
	c.lru.Add(docKey(id, version, form), data)
}
