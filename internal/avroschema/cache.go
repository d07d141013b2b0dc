// Package avroschema memoizes Avro schemas by id for the lifetime of a
// stream engine run and decodes Avro binary payloads into a generic map
// tree, since schema shape varies per tenant and no generated type can be
// bound ahead of time. The cache is bounded by an LRU
// (github.com/hashicorp/golang-lru/v2) since schema ids are never reused
// across a process's full lifetime of reconnects to possibly-different
// topics.
package avroschema

import (
	"fmt"

	"github.com/hamba/avro/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 256

// SchemaFetcher resolves a schema's JSON definition by schema id, typically
// backed by the broker's GetSchema RPC (internal/pubsubapi).
type SchemaFetcher interface {
	GetSchema(schemaID string) (schemaJSON string, err error)
}

// Cache memoizes parsed Avro schemas by schema id, bounded by an LRU so a
// long-lived process reconnecting across many schema ids does not grow
// without bound.
type Cache struct {
	fetcher SchemaFetcher
	cache   *lru.Cache[string, avro.Schema]
}

// New returns a Cache of the given capacity (defaultCacheSize if size <= 0)
// backed by fetcher for cache misses.
func New(fetcher SchemaFetcher, size int) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[string, avro.Schema](size)
	if err != nil {
		return nil, fmt.Errorf("avroschema: creating cache: %w", err)
	}
	return &Cache{fetcher: fetcher, cache: c}, nil
}

// Get returns the parsed schema for schemaID, fetching and parsing it via
// the SchemaFetcher on a cache miss.
func (c *Cache) Get(schemaID string) (avro.Schema, error) {
	if s, ok := c.cache.Get(schemaID); ok {
		return s, nil
	}

	schemaJSON, err := c.fetcher.GetSchema(schemaID)
	if err != nil {
		return nil, fmt.Errorf("avroschema: fetching schema %s: %w", schemaID, err)
	}

	schema, err := avro.Parse(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("avroschema: parsing schema %s: %w", schemaID, err)
	}

	c.cache.Add(schemaID, schema)
	return schema, nil
}

// Warm primes the cache with a schema id known up-front, used after a
// GetTopic preflight call.
func (c *Cache) Warm(schemaID string) error {
	_, err := c.Get(schemaID)
	return err
}
