package pubsubapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as a gRPC content-subtype. Real protobuf-speaking
// clients of the broker use "proto"; this client negotiates "json" instead,
// so it never needs generated protobuf message code.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec, marshaling
// the structs in types.go as JSON instead of protobuf wire format. The RPC
// methods, streaming semantics, and metadata handling of the grpc-go
// transport are otherwise untouched — only the message encoding differs
// from a real protobuf client of the same service.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pubsubapi: marshaling %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("pubsubapi: unmarshaling into %T: %w", v, err)
	}
	return nil
}
