package slotty

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the grpc content subtype of cluster rpcs
const codecName = "json"

// jsonCodec encodes rpc payloads. It is registered as a grpc codec
// so that plain go structs travel without generated stubs
type jsonCodec struct{}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Marshal encodes v
func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data into v
func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Name returns the content subtype
func (jsonCodec) Name() string {
	return codecName
}
