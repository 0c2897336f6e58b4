package controlapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec substitutes for the generated protobuf marshaller:
// api/proto/novapb-style code generation has nothing to generate from here
// (there is no .proto source, and protoc is off-limits), so the wire
// format is plain JSON over the same grpc transport and framing. Registered
// under the name "proto" so it is picked up as the default codec without
// requiring every call site to set a content-subtype.
type jsonCodec struct{}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

func (jsonCodec) Name() string { return "proto" }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
