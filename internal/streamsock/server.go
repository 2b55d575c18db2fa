package streamsock

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caldera-project/caldera/internal/config"
	"github.com/caldera-project/caldera/internal/frame"
	"github.com/caldera-project/caldera/internal/logging"
	"github.com/caldera-project/caldera/internal/transport"
)

// ErrMaxClients is returned (as a gRPC ResourceExhausted status) when a new
// Subscribe call arrives at stream_max_clients capacity.
var ErrMaxClients = fmt.Errorf("streamsock: max clients reached")

// Server is a gRPC server-streaming Transport. Send publishes into a
// single-slot latest-wins buffer; each attached client drains it at its
// own pace via a version-counted wakeup channel, so a slow client misses
// intermediate frames rather than backpressuring the producer.
type Server struct {
	cfg *config.Config
	log logging.Logger

	grpcServer *grpc.Server
	listener   net.Listener

	mu      sync.RWMutex
	seq     uint64
	latest  *structpb.Struct
	updated chan struct{}

	clients         int32
	bytesPublished  uint64
	droppedCapacity uint64
}

var _ transport.Transport = (*Server)(nil)
var _ WorldFrameStreamServer = (*Server)(nil)

// NewServer constructs a Server bound to the given config (stream_listen_addr,
// stream_max_clients). The gRPC listener isn't opened until Start.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg, log: logging.Named("streamsock"), updated: make(chan struct{})}
}

// Start opens stream_listen_addr and begins serving in the background. A
// blank address disables the transport entirely (Start is then a no-op).
func (s *Server) Start() error {
	if s.cfg.StreamListenAddr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", s.cfg.StreamListenAddr)
	if err != nil {
		return fmt.Errorf("streamsock: listen %s: %w", s.cfg.StreamListenAddr, err)
	}
	s.listener = lis
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&serviceDesc, s)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.log.Warnf("grpc serve exited: %v", err)
		}
	}()
	return nil
}

// Close gracefully stops the gRPC server, satisfying transport.Transport.
func (s *Server) Close() error {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	return nil
}

// Send publishes f to the latest-wins slot and wakes every waiting client.
func (s *Server) Send(f *frame.WorldFrame) error {
	msg, err := worldFrameToStruct(f)
	if err != nil {
		return fmt.Errorf("streamsock: encode frame %d: %w", f.FrameID, err)
	}

	s.mu.Lock()
	s.latest = msg
	s.seq++
	atomic.AddUint64(&s.bytesPublished, uint64(len(f.HeightMap.Data))*4)
	old := s.updated
	s.updated = make(chan struct{})
	s.mu.Unlock()
	close(old)
	return nil
}

// Subscribe implements WorldFrameStreamServer: it streams every publish the
// client manages to keep up with, skipping any it misses while busy.
func (s *Server) Subscribe(_ *emptypb.Empty, stream WorldFrameStream_SubscribeServer) error {
	max := s.cfg.StreamMaxClients
	if max > 0 && atomic.AddInt32(&s.clients, 1) > int32(max) {
		atomic.AddInt32(&s.clients, -1)
		atomic.AddUint64(&s.droppedCapacity, 1)
		return status.Error(codes.ResourceExhausted, ErrMaxClients.Error())
	}
	defer atomic.AddInt32(&s.clients, -1)

	s.mu.RLock()
	lastSeq := s.seq
	ch := s.updated
	s.mu.RUnlock()

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-ch:
		}

		s.mu.RLock()
		cur := s.latest
		curSeq := s.seq
		ch = s.updated
		s.mu.RUnlock()

		if curSeq == lastSeq || cur == nil {
			continue
		}
		lastSeq = curSeq
		if err := stream.Send(cur); err != nil {
			return err
		}
	}
}

// ClientCount returns the number of currently attached subscribers.
func (s *Server) ClientCount() int32 { return atomic.LoadInt32(&s.clients) }

// BytesPublished returns the cumulative bytes published across all Send
// calls (for transport instrumentation, spec.md §9).
func (s *Server) BytesPublished() uint64 { return atomic.LoadUint64(&s.bytesPublished) }

// DroppedCapacity returns the count of Subscribe calls refused for
// exceeding stream_max_clients.
func (s *Server) DroppedCapacity() uint64 { return atomic.LoadUint64(&s.droppedCapacity) }
