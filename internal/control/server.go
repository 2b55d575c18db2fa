package control

import (
	"sync/atomic"

	"github.com/caldera-project/caldera/internal/config"
	"github.com/caldera-project/caldera/internal/logging"
	"github.com/caldera-project/caldera/internal/timeutil"
)

// Server accepts up to cfg.MaxSessions sequential client sessions over a
// pair of named pipes, one at a time (spec.md §4.3: "one dedicated worker
// thread per transport-server instance").
type Server struct {
	cfg   *config.Config
	info  HandshakeInfo
	clock timeutil.Clock
	log   logging.Logger

	statsProvider StatsProvider

	sessionsServed int64
	stop           chan struct{}
}

// NewServer constructs a Server. info is the (fixed, for this process's
// lifetime) shared-memory identity announced to every client.
func NewServer(cfg *config.Config, info HandshakeInfo, clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{cfg: cfg, info: info, clock: clock, log: logging.Named("control"), stop: make(chan struct{})}
}

// SetStatsProvider registers the stats line source passed to every session.
func (s *Server) SetStatsProvider(p StatsProvider) { s.statsProvider = p }

// SessionsServed returns the number of sessions that have completed a
// handshake (for the sessions_served counter, spec.md's transport
// instrumentation).
func (s *Server) SessionsServed() int64 { return atomic.LoadInt64(&s.sessionsServed) }

// Stop signals the run loop to exit after the current session ends.
func (s *Server) Stop() { close(s.stop) }

// Run creates the FIFO pair and serves sessions until MaxSessions have
// completed or Stop is called. It blocks for the duration of the server's
// life, so callers run it on its own goroutine.
func (s *Server) Run() error {
	if err := createFIFOs(s.cfg.PipeS2C, s.cfg.PipeC2S); err != nil {
		return err
	}

	for i := 0; i < s.cfg.MaxSessions; i++ {
		select {
		case <-s.stop:
			return nil
		default:
		}

		c2s, s2c, err := openSessionPipes(s.cfg.PipeS2C, s.cfg.PipeC2S)
		if err != nil {
			s.log.Errorf("failed to open session pipes: %v", err)
			return err
		}

		session := NewSession(s.cfg, s.info, c2s, s2c, s.clock)
		session.SetStatsProvider(s.statsProvider)
		err = session.Run(s.stop)
		if session.HandshakeCompleted() {
			atomic.AddInt64(&s.sessionsServed, 1)
		}
		if err != nil {
			s.log.Warnf("session ended: %v", err)
		}
		c2s.Close()
		s2c.Close()
	}
	return nil
}
