// Package control implements the two-FIFO handshake + heartbeat + stats
// control plane (spec.md §4.3): a single client session binds to the
// backend, learns the shared-memory segment's identity, and is monitored
// for liveness via periodic heartbeats while the server optionally streams
// back stats on a timer.
//
// Session operates over plain io.Reader/io.WriteCloser so it can be driven
// either by real named pipes (see fifo.go, using golang.org/x/sys/unix's
// Mkfifo — the same dependency internal/shm already grounds on the
// google-periph mmap pattern) or by in-memory pipes in tests, following the
// interface-injection style the teacher pack uses to keep its pipeline
// packages testable without real I/O.
package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/caldera-project/caldera/internal/config"
	"github.com/caldera-project/caldera/internal/logging"
	"github.com/caldera-project/caldera/internal/timeutil"
)

// helloLine is the fixed handshake string a client must send.
const helloLine = "HELLO_CALDERA_CLIENT_V1"

// HandshakeInfo is the JSON payload the server sends once the handshake
// succeeds (spec.md §4.3 step 3).
type HandshakeInfo struct {
	ProtocolVersion string `json:"protocol_version"`
	ShmNameA        string `json:"shm_name_a"`
	ShmNameB        string `json:"shm_name_b"`
	ShmSize         int64  `json:"shm_size"`
	HeightMapWidth  uint32 `json:"height_map_width"`
	HeightMapHeight uint32 `json:"height_map_height"`
}

// StatsProvider returns the current stats line to publish; it is called
// once per server_stats_interval_ms.
type StatsProvider func() string

// Session runs one client's handshake and steady-state loop over a c2s
// reader and s2c writer. It is not safe for concurrent use.
type Session struct {
	c2s io.Reader
	s2c io.WriteCloser

	cfg   *config.Config
	info  HandshakeInfo
	clock timeutil.Clock
	log   logging.Logger

	statsProvider StatsProvider

	mu                  sync.Mutex
	handshakeCompleted  bool
	lastHeartbeatNs     int64
	lastHeartbeatLogged time.Time
	s2cClosed           bool
}

// NewSession constructs a session. c2s and s2c are already-open handles to
// the two pipe ends (or their test doubles); Session never creates or
// unlinks them.
func NewSession(cfg *config.Config, info HandshakeInfo, c2s io.Reader, s2c io.WriteCloser, clock timeutil.Clock) *Session {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Session{c2s: c2s, s2c: s2c, cfg: cfg, info: info, clock: clock, log: logging.Named("control")}
}

// SetStatsProvider registers the function whose output is periodically
// written to s2c. A nil provider (the default) disables stats emission
// regardless of ServerStatsIntervalMS.
func (s *Session) SetStatsProvider(p StatsProvider) { s.statsProvider = p }

// HandshakeCompleted reports whether the HELLO handshake has succeeded.
func (s *Session) HandshakeCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeCompleted
}

// IsClientAlive reports whether a heartbeat was seen within timeout of now.
// Before any heartbeat arrives, it always reports false (spec.md §4.3).
func (s *Session) IsClientAlive(timeout time.Duration) bool {
	s.mu.Lock()
	last := s.lastHeartbeatNs
	s.mu.Unlock()
	if last == 0 {
		return false
	}
	return timeutil.MonotonicNanos(s.clock)-last <= timeout.Nanoseconds()
}

// errBadHello is returned by runHandshake when the client's first line
// isn't the expected HELLO string (spec.md scenario S5).
var errBadHello = fmt.Errorf("control: bad handshake line")

// Run performs the handshake, and on success enters the steady-state
// read/heartbeat/stats loop until c2s is closed, a protocol error occurs,
// or stop is closed. It always returns (nil only if the steady-state loop
// ended because stop was closed).
func (s *Session) Run(stop <-chan struct{}) error {
	if err := s.runHandshake(); err != nil {
		s.log.Warnf("handshake failed: %v", err)
		return err
	}
	return s.steadyState(stop)
}

func (s *Session) runHandshake() error {
	r := bufio.NewReaderSize(s.c2s, s.cfg.MaxJSONFieldLen+1)
	line, err := readLineWithTimeout(r, s.cfg.HandshakeTimeout(), s.clock)
	if err != nil {
		return fmt.Errorf("control: handshake read: %w", err)
	}
	if strings.TrimRight(line, "\r\n") != helloLine {
		return errBadHello
	}

	body, err := json.Marshal(s.info)
	if err != nil {
		return fmt.Errorf("control: marshal handshake response: %w", err)
	}
	if _, err := s.s2c.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("control: handshake write: %w", err)
	}

	s.mu.Lock()
	s.handshakeCompleted = true
	s.mu.Unlock()
	return nil
}

// readLineWithTimeout reads one line from r on a helper goroutine and waits
// for it on a clock timer: it returns the line (or the read error) if it
// arrives within timeout, and a "timed out" error otherwise.
func readLineWithTimeout(r *bufio.Reader, timeout time.Duration, clock timeutil.Clock) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- result{line, err}
	}()
	timer := clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.line, res.err
	case <-timer.C():
		return "", fmt.Errorf("timed out after %v waiting for HELLO", timeout)
	}
}

func (s *Session) steadyState(stop <-chan struct{}) error {
	lineCh := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		r := bufio.NewReaderSize(s.c2s, s.cfg.MaxJSONFieldLen+1)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				lineCh <- truncate(line, s.cfg.MaxJSONFieldLen)
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	var statsTicker timeutil.Ticker
	var statsC <-chan time.Time
	if s.cfg.ServerStatsIntervalMS > 0 && s.statsProvider != nil {
		statsTicker = s.clock.NewTicker(s.cfg.ServerStatsInterval())
		statsC = statsTicker.C()
		defer statsTicker.Stop()
	}

	for {
		select {
		case <-stop:
			return nil
		case line := <-lineCh:
			s.handleLine(line)
		case err := <-errCh:
			return err
		case <-statsC:
			s.emitStats()
		}
	}
}

func (s *Session) handleLine(line string) {
	switch {
	case strings.Contains(line, "heartbeat"):
		s.mu.Lock()
		s.lastHeartbeatNs = timeutil.MonotonicNanos(s.clock)
		shouldLog := s.clock.Now().Sub(s.lastHeartbeatLogged) >= s.cfg.HeartbeatLogThrottle()
		if shouldLog {
			s.lastHeartbeatLogged = s.clock.Now()
		}
		s.mu.Unlock()
		if shouldLog {
			s.log.Infof("heartbeat received")
		}
	case strings.Contains(line, "telemetry"):
		s.mu.Lock()
		s.lastHeartbeatNs = timeutil.MonotonicNanos(s.clock)
		s.mu.Unlock()
		s.log.Infof("telemetry: %s", strings.TrimRight(line, "\r\n"))
	default:
		s.log.Warnf("unrecognized control-plane line: %q", strings.TrimRight(line, "\r\n"))
	}
}

func (s *Session) emitStats() {
	s.mu.Lock()
	closed := s.s2cClosed
	s.mu.Unlock()
	if closed || s.statsProvider == nil {
		return
	}
	line := s.statsProvider()
	if _, err := s.s2c.Write([]byte(line + "\n")); err != nil {
		if strings.Contains(err.Error(), "broken pipe") {
			s.mu.Lock()
			s.s2cClosed = true
			s.mu.Unlock()
			s.s2c.Close()
			return
		}
		s.log.Warnf("stats write failed: %v", err)
	}
}

func truncate(line string, max int) string {
	if len(line) <= max {
		return line
	}
	return line[:max]
}
