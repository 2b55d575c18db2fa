package control

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/caldera-project/caldera/internal/config"
	"github.com/caldera-project/caldera/internal/timeutil"
)

func newPipePair() (c2sW *io.PipeWriter, c2sR *io.PipeReader, s2cW *io.PipeWriter, s2cR *io.PipeReader) {
	c2sR, c2sW = io.Pipe()
	s2cR, s2cW = io.Pipe()
	return
}

func testInfo() HandshakeInfo {
	return HandshakeInfo{
		ProtocolVersion: "1.0",
		ShmNameA:        "/dev/shm/caldera-a",
		ShmNameB:        "/dev/shm/caldera-b",
		ShmSize:         4096,
		HeightMapWidth:  64,
		HeightMapHeight: 48,
	}
}

// TestHandshakeRoundTrip covers scenario/property 12: a client sending the
// exact HELLO line receives a JSON object with the documented fields.
func TestHandshakeRoundTrip(t *testing.T) {
	cfg := config.Defaults()
	c2sW, c2sR, s2cW, s2cR := newPipePair()

	session := NewSession(cfg, testInfo(), c2sR, s2cW, timeutil.RealClock{})

	done := make(chan error, 1)
	go func() { done <- session.runHandshake() }()

	if _, err := c2sW.Write([]byte(helloLine + "\n")); err != nil {
		t.Fatalf("write HELLO: %v", err)
	}

	r := bufio.NewReader(s2cR)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read handshake response: %v", err)
	}
	var got HandshakeInfo
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("unmarshal handshake response %q: %v", line, err)
	}
	if got.ProtocolVersion != "1.0" || got.ShmNameA != "/dev/shm/caldera-a" || got.ShmSize != 4096 ||
		got.HeightMapWidth != 64 || got.HeightMapHeight != 48 {
		t.Fatalf("handshake response missing/mismatched fields: %+v", got)
	}

	if err := <-done; err != nil {
		t.Fatalf("runHandshake: %v", err)
	}
	if !session.HandshakeCompleted() {
		t.Fatal("HandshakeCompleted() should be true")
	}
}

// TestBadHelloFailsSession covers scenario S5: a client sending the wrong
// line fails the handshake and handshake_completed stays false.
func TestBadHelloFailsSession(t *testing.T) {
	cfg := config.Defaults()
	c2sW, c2sR, _, s2cW := newPipePair()
	defer s2cW.Close()

	session := NewSession(cfg, testInfo(), c2sR, s2cW, timeutil.RealClock{})

	done := make(chan error, 1)
	go func() { done <- session.runHandshake() }()

	if _, err := c2sW.Write([]byte("HELLO_WRONG\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := <-done
	if err != errBadHello {
		t.Fatalf("runHandshake() = %v, want errBadHello", err)
	}
	if session.HandshakeCompleted() {
		t.Fatal("handshake_completed should remain false")
	}
}

// TestHandshakeTimeout covers the handshake_timeout_ms failure path: no
// line arrives before the deadline.
func TestHandshakeTimeout(t *testing.T) {
	cfg := config.Defaults()
	cfg.HandshakeTimeoutMS = 20
	_, c2sR, _, s2cW := newPipePair()
	defer c2sR.Close()
	defer s2cW.Close()

	session := NewSession(cfg, testInfo(), c2sR, s2cW, timeutil.RealClock{})
	if err := session.runHandshake(); err == nil {
		t.Fatal("expected timeout error")
	}
	if session.HandshakeCompleted() {
		t.Fatal("handshake_completed should remain false after timeout")
	}
}

// TestHeartbeatLiveness covers testable property 13.
func TestHeartbeatLiveness(t *testing.T) {
	cfg := config.Defaults()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	session := NewSession(cfg, testInfo(), nil, nil, clock)

	if session.IsClientAlive(time.Second) {
		t.Fatal("should be false before any heartbeat")
	}

	session.handleLine("heartbeat\n")
	if !session.IsClientAlive(time.Second) {
		t.Fatal("should be alive immediately after a heartbeat")
	}

	clock.Advance(2 * time.Second)
	if session.IsClientAlive(time.Second) {
		t.Fatal("should be dead after exceeding the timeout with no new heartbeat")
	}
}

// TestSteadyStateHandlesLines exercises the heartbeat/telemetry/unknown
// line classification end to end over a real pipe.
func TestSteadyStateHandlesLines(t *testing.T) {
	cfg := config.Defaults()
	c2sW, c2sR, _, s2cW := newPipePair()
	defer s2cW.Close()

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	session := NewSession(cfg, testInfo(), c2sR, s2cW, clock)
	session.handshakeCompleted = true

	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- session.steadyState(stop) }()

	c2sW.Write([]byte("heartbeat ping\n"))
	c2sW.Write([]byte("telemetry foo=bar\n"))
	c2sW.Write([]byte("something-unrecognized\n"))

	deadline := time.Now().Add(2 * time.Second)
	for !session.IsClientAlive(time.Hour) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for heartbeat to register")
		}
		time.Sleep(time.Millisecond)
	}

	close(stop)
	if err := <-errCh; err != nil {
		t.Fatalf("steadyState: %v", err)
	}
}

