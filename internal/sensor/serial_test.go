package sensor

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/caldera-project/caldera/internal/frame"
)

// pipePort adapts an in-memory pipe pair to the SerialPorter interface for
// tests, avoiding any real serial device.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePort) Close() error {
	p.r.Close()
	return p.w.Close()
}

func encodeFrame(buf *bytes.Buffer, width, height uint32, ts uint64, samples []uint16) {
	var hdr [20]byte
	binary.LittleEndian.PutUint32(hdr[0:4], serialFrameMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], width)
	binary.LittleEndian.PutUint32(hdr[8:12], height)
	binary.LittleEndian.PutUint64(hdr[12:20], ts)
	buf.Write(hdr[:])
	for _, s := range samples {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], s)
		buf.Write(b[:])
	}
}

// TestSerialMalformedFrameResync mirrors SPEC_FULL.md scenario S7: a
// malformed frame (garbage bytes with no valid magic) is dropped, and the
// next well-formed frame on the wire is still delivered.
func TestSerialMalformedFrameResync(t *testing.T) {
	var wire bytes.Buffer

	// A well-formed frame.
	encodeFrame(&wire, 2, 2, 100, []uint16{1, 2, 3, 4})

	// Garbage with no magic anywhere in it.
	wire.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01, 0x02, 0x03})

	// A second well-formed frame.
	encodeFrame(&wire, 2, 2, 200, []uint16{5, 6, 7, 8})

	pr, pw := io.Pipe()
	port := &pipePort{r: pr, w: pw}

	s := NewSerialSensorWithPort(SerialSensorConfig{SensorID: "s0", Device: "mock"}, port)

	var mu sync.Mutex
	var got []*frame.RawDepthFrame
	s.SetFrameCallback(func(f *frame.RawDepthFrame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})

	if err := s.Open(); err != nil {
		t.Fatal(err)
	}

	go func() {
		wire.WriteTo(pw)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if got[0].TimestampNs != 100 || got[1].TimestampNs != 200 {
		t.Fatalf("unexpected timestamps: %d, %d", got[0].TimestampNs, got[1].TimestampNs)
	}
	for i, want := range [][]uint16{{1, 2, 3, 4}, {5, 6, 7, 8}} {
		for j, v := range want {
			if got[i].Data[j] != v {
				t.Fatalf("frame %d pixel %d = %d, want %d", i, j, got[i].Data[j], v)
			}
		}
	}
	if s.MalformedDropped() == 0 {
		t.Fatal("expected MalformedDropped to be non-zero after garbage bytes")
	}
}

func TestSerialOpenTwiceFails(t *testing.T) {
	pr1, pw1 := io.Pipe()
	port := &pipePort{r: pr1, w: pw1}
	s := NewSerialSensorWithPort(SerialSensorConfig{SensorID: "s0", Device: "mock"}, port)
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Open(); err == nil {
		t.Fatal("expected second Open to fail")
	}
}
