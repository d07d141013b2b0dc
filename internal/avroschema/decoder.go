package avroschema

import (
	"fmt"

	"github.com/hamba/avro/v2"
)

// Decoder decodes Avro binary payloads into a generic map tree using
// schemas resolved through a Cache.
type Decoder struct {
	cache *Cache
}

// NewDecoder returns a Decoder backed by cache.
func NewDecoder(cache *Cache) *Decoder {
	return &Decoder{cache: cache}
}

// Decode resolves the schema for schemaID (cache hit or broker fetch) and
// decodes payload into a map[string]any tree.
func (d *Decoder) Decode(schemaID string, payload []byte) (map[string]any, error) {
	schema, err := d.cache.Get(schemaID)
	if err != nil {
		return nil, err
	}

	var record map[string]any
	if err := avro.Unmarshal(schema, payload, &record); err != nil {
		return nil, fmt.Errorf("avroschema: decoding payload for schema %s: %w", schemaID, err)
	}
	return record, nil
}
