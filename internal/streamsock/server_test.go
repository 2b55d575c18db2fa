package streamsock

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caldera-project/caldera/internal/config"
	"github.com/caldera-project/caldera/internal/frame"
)

// subscribeClient opens a raw gRPC stream to the Subscribe method without
// any generated client stub, the same way the server side avoids generated
// code: via grpc.ClientConn.NewStream against the hand-written method name.
func subscribeClient(t *testing.T, conn *grpc.ClientConn) grpc.ClientStream {
	t.Helper()
	desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}
	stream, err := conn.NewStream(context.Background(), desc, "/caldera.WorldFrameStream/Subscribe")
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		t.Fatalf("SendMsg(Empty): %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	return stream
}

func dialBufconn(t *testing.T, srv *Server) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&serviceDesc, srv)
	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return conn, func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
	}
}

func worldFrame(id uint64, vals ...float32) *frame.WorldFrame {
	return &frame.WorldFrame{
		FrameID:     id,
		TimestampNs: id * 1000,
		HeightMap:   frame.HeightMap{Width: uint32(len(vals)), Height: 1, Data: vals},
	}
}

// TestSubscribeReceivesPublishedFrame covers the streaming-socket
// transport's basic publish/consume path.
func TestSubscribeReceivesPublishedFrame(t *testing.T) {
	cfg := config.Defaults()
	srv := NewServer(cfg)
	conn, cleanup := dialBufconn(t, srv)
	defer cleanup()

	stream := subscribeClient(t, conn)

	// Give the server goroutine time to register the Subscribe call before
	// publishing, since Send only wakes already-attached subscribers.
	time.Sleep(20 * time.Millisecond)

	if err := srv.Send(worldFrame(7, 1, 2, 3)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got structpb.Struct
	if err := stream.RecvMsg(&got); err != nil {
		t.Fatalf("RecvMsg: %v", err)
	}
	if got.Fields["frame_id"].GetNumberValue() != 7 {
		t.Fatalf("frame_id = %v, want 7", got.Fields["frame_id"].GetNumberValue())
	}
	data := got.Fields["data"].GetListValue().GetValues()
	if len(data) != 3 || data[0].GetNumberValue() != 1 || data[2].GetNumberValue() != 3 {
		t.Fatalf("data = %+v, want [1,2,3]", data)
	}
}

// TestSubscribeSkipsUnderBackpressure covers the "skip frames under
// backpressure" contract: a client that doesn't read between two Sends
// only ever observes the latest one.
func TestSubscribeSkipsUnderBackpressure(t *testing.T) {
	cfg := config.Defaults()
	srv := NewServer(cfg)
	conn, cleanup := dialBufconn(t, srv)
	defer cleanup()

	stream := subscribeClient(t, conn)
	time.Sleep(20 * time.Millisecond)

	if err := srv.Send(worldFrame(1, 1)); err != nil {
		t.Fatalf("Send(1): %v", err)
	}
	if err := srv.Send(worldFrame(2, 2)); err != nil {
		t.Fatalf("Send(2): %v", err)
	}

	var got structpb.Struct
	if err := stream.RecvMsg(&got); err != nil {
		t.Fatalf("RecvMsg: %v", err)
	}
	if fid := got.Fields["frame_id"].GetNumberValue(); fid != 2 {
		t.Fatalf("frame_id = %v, want 2 (latest, skipping 1)", fid)
	}
}

// TestMaxClientsRejected covers stream_max_clients capacity enforcement.
func TestMaxClientsRejected(t *testing.T) {
	cfg := config.Defaults()
	cfg.StreamMaxClients = 1
	srv := NewServer(cfg)
	conn, cleanup := dialBufconn(t, srv)
	defer cleanup()

	_ = subscribeClient(t, conn)
	time.Sleep(20 * time.Millisecond)
	if c := srv.ClientCount(); c != 1 {
		t.Fatalf("ClientCount() = %d, want 1", c)
	}

	second := subscribeClient(t, conn)
	var got structpb.Struct
	err := second.RecvMsg(&got)
	if err == nil {
		t.Fatal("second Subscribe should be rejected once at max clients")
	}
	if srv.DroppedCapacity() != 1 {
		t.Fatalf("DroppedCapacity() = %d, want 1", srv.DroppedCapacity())
	}
}
