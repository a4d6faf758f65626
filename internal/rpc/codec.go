// Package rpc implements the gRPC wire protocol between carl and edgar:
// MetadataProvider, PeerMessagingBroker, PeersRegistrar and ClusterManager,
// carried over a real grpc.Server/grpc.ClientConn. Messages are plain Go
// structs; since no .proto toolchain is available in this environment to
// generate protobuf bindings, payloads are marshaled with a small JSON
// codec registered under the grpc content-subtype "json" — a supported
// grpc-go extension point (see DESIGN.md for why protobuf itself is not
// used here).
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec by delegating to encoding/json. It
// is registered once at package init so both the carl server and the
// edgar client can select it with grpc.CallContentSubtype(codecName) /
// grpc.ForceServerCodec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
func (jsonCodec) Name() string { return codecName }
