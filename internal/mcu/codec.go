// Package mcu manages the pool of SFU client connections: placement of
// publishers/subscribers on the least-loaded backend, keep-alive,
// reconnect with backoff, and graceful reload. RPC messages are plain
// Go structs: every call is invoked by method name directly against
// *grpc.ClientConn with jsonCodec forced on the connection, so no
// generated stubs are involved.
package mcu

import (
	"encoding/json"
	"fmt"
)

// jsonCodec implements grpc/encoding.Codec by marshaling every message
// as JSON. Messages are plain Go structs (see rpc.go), not generated
// protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("mcu: json codec unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return "json" }
