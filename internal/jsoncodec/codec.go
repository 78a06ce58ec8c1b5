// Package jsoncodec registers a JSON content-subtype codec with grpc-go.
//
// No .proto/protoc-gen-go stubs were available for the control-plane
// protocol, so messages are plain JSON-tagged structs (see internal/protocol)
// carried over a real gRPC transport under the "json" content-subtype,
// the same JSON-over-framed-length idiom used elsewhere in this codebase
// for the agent wire protocol, applied here to gRPC instead of a raw socket.
package jsoncodec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const Name = "json"

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsoncodec marshal: %w", err)
	}
	return b, nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jsoncodec unmarshal: %w", err)
	}
	return nil
}

func (codec) Name() string { return Name }

func init() {
	encoding.RegisterCodec(codec{})
}
