// Package streamsock implements the streaming-socket transport
// (SPEC_FULL.md §4.7): a second, optional Transport alongside the
// shared-memory one, publishing WorldFrames to any number of gRPC
// server-streaming clients over TCP with the same latest-wins,
// drop-under-backpressure semantics as the shared-memory reader.
//
// The teacher's internal/lidar/visualiser package sketches a gRPC
// publisher for exactly this kind of frame fan-out, but stops short of
// registering a service because its .proto was never compiled
// ("TODO: Register VisualizerService when proto is generated"). Rather
// than fabricate generated .pb.go code, this package hand-writes the
// grpc.ServiceDesc/StreamDesc the protoc-gen-go-grpc plugin would have
// produced, wrapping google.golang.org/protobuf's well-known
// structpb.Struct and emptypb.Empty types — both already part of the
// protobuf module already required — as the wire messages, following
// the documented shape generated server-streaming code always takes.
package streamsock

import (
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// WorldFrameStream_SubscribeServer is the server-side handle a Subscribe
// implementation uses to send frames to one client, matching the shape
// protoc-gen-go-grpc generates for a server-streaming RPC.
type WorldFrameStream_SubscribeServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type worldFrameStreamSubscribeServer struct {
	grpc.ServerStream
}

func (x *worldFrameStreamSubscribeServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// WorldFrameStreamServer is the service interface Server implements.
type WorldFrameStreamServer interface {
	Subscribe(*emptypb.Empty, WorldFrameStream_SubscribeServer) error
}

func worldFrameStreamSubscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(WorldFrameStreamServer).Subscribe(m, &worldFrameStreamSubscribeServer{stream})
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for:
//
//	service WorldFrameStream {
//	  rpc Subscribe(google.protobuf.Empty) returns (stream google.protobuf.Struct);
//	}
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "caldera.WorldFrameStream",
	HandlerType: (*WorldFrameStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       worldFrameStreamSubscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "streamsock.proto",
}
