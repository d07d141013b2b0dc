package avroschema

import (
	"errors"
	"testing"

	"github.com/hamba/avro/v2"
)

const accountSchema = `{
	"type": "record",
	"name": "AccountChangeEvent",
	"fields": [
		{"name": "Name", "type": "string"},
		{"name": "Industry", "type": "string"}
	]
}`

type countingFetcher struct {
	schemaJSON string
	err        error
	calls      int
}

func (f *countingFetcher) GetSchema(string) (string, error) {
	f.calls++
	return f.schemaJSON, f.err
}

func TestCacheMemoizesSchemas(t *testing.T) {
	fetcher := &countingFetcher{schemaJSON: accountSchema}
	cache, err := New(fetcher, 0)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}

	if _, err := cache.Get("S1"); err != nil {
		t.Fatalf("first Get returned %v", err)
	}
	if _, err := cache.Get("S1"); err != nil {
		t.Fatalf("second Get returned %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("fetcher called %d times, want 1", fetcher.calls)
	}
}

func TestCacheFetchErrorPropagates(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("broker down")}
	cache, err := New(fetcher, 0)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}

	if _, err := cache.Get("S1"); err == nil {
		t.Fatal("Get swallowed the fetch error")
	}
	// Errors are not cached: the next Get retries the broker.
	cache.Get("S1") //nolint:errcheck
	if fetcher.calls != 2 {
		t.Fatalf("fetcher called %d times, want 2", fetcher.calls)
	}
}

func TestCacheRejectsUnparsableSchema(t *testing.T) {
	fetcher := &countingFetcher{schemaJSON: "{not avro"}
	cache, err := New(fetcher, 0)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	if _, err := cache.Get("S1"); err == nil {
		t.Fatal("Get accepted an unparsable schema")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	schema := avro.MustParse(accountSchema)
	payload, err := avro.Marshal(schema, map[string]any{
		"Name":     "Acme Corp",
		"Industry": "Manufacturing",
	})
	if err != nil {
		t.Fatalf("building test payload: %v", err)
	}

	fetcher := &countingFetcher{schemaJSON: accountSchema}
	cache, err := New(fetcher, 0)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	decoder := NewDecoder(cache)

	record, err := decoder.Decode("S1", payload)
	if err != nil {
		t.Fatalf("Decode returned %v", err)
	}
	if record["Name"] != "Acme Corp" || record["Industry"] != "Manufacturing" {
		t.Fatalf("decoded record = %+v", record)
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	fetcher := &countingFetcher{schemaJSON: accountSchema}
	cache, err := New(fetcher, 0)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	decoder := NewDecoder(cache)

	if _, err := decoder.Decode("S1", []byte{0x02}); err == nil {
		t.Fatal("Decode accepted a truncated payload")
	}
}
