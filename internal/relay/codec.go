package relay

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype of relay streams.
const codecName = "qmsg-frame"

// Codec encodes relay frames for gRPC. It is forced on both ends of the
// connection, so no generated protobuf types are involved.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("relay codec: cannot marshal %T", v)
	}
	return f.Marshal(), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("relay codec: cannot unmarshal into %T", v)
	}
	return f.Unmarshal(data)
}

func (Codec) Name() string {
	return codecName
}

var _ encoding.Codec = Codec{}

const (
	serviceName = "qmsg.relay.v1.Relay"
	connectName = "Connect"
	connectPath = "/" + serviceName + "/" + connectName
)

// ConnectHandler is implemented by the relay server.
type ConnectHandler interface {
	Connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ConnectHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    connectName,
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "qmsg/relay/v1/relay.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ConnectHandler).Connect(stream)
}
