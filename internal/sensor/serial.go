package sensor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/caldera-project/caldera/internal/frame"
	"github.com/caldera-project/caldera/internal/logging"
)

// SerialPorter is the minimal interface a serial sensor needs, grounded on
// the teacher repo's serialmux.SerialPorter abstraction — narrow enough to
// mock in tests, wide enough to be satisfied by go.bug.st/serial.Port.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// serialFrameMagic marks the start of each frame on the wire, letting the
// reader resynchronize after a malformed frame instead of losing the whole
// stream (spec.md §3 reuses the same "CALD" constant for the shared-memory
// header; here it plays the analogous role of a framing sentinel).
const serialFrameMagic = 0x43414C44

// frameHeaderLen is the length in bytes of the serial frame header:
// u32 magic, u32 width, u32 height, u64 timestamp_ns (little-endian).
const frameHeaderLen = 4 + 4 + 4 + 8

const maxFramePixels = 64 * 1024 * 1024

// SerialSensorConfig configures a SerialSensor (SPEC_FULL.md §4.5).
type SerialSensorConfig struct {
	SensorID string
	Device   string
	BaudRate int
}

// SerialSensor reads length-prefixed raw depth frames from a serial link.
// Wire format per frame: u32 magic (serialFrameMagic), u32 width, u32
// height, u64 timestamp_ns, then width*height u16 samples, all
// little-endian (SPEC_FULL.md §4.5).
type SerialSensor struct {
	cfg  SerialSensorConfig
	log  logging.Logger
	port SerialPorter

	mu      sync.Mutex
	cb      FrameCallback
	running int32
	done    chan struct{}

	malformedDropped uint64
}

// NewSerialSensor builds a SerialSensor that will open cfg.Device itself on
// Open via go.bug.st/serial.
func NewSerialSensor(cfg SerialSensorConfig) *SerialSensor {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	return &SerialSensor{cfg: cfg, log: logging.Named("sensor.serial")}
}

// NewSerialSensorWithPort builds a SerialSensor over an already-open port,
// primarily for tests (see SerialPorter).
func NewSerialSensorWithPort(cfg SerialSensorConfig, port SerialPorter) *SerialSensor {
	s := NewSerialSensor(cfg)
	s.port = port
	return s
}

func (s *SerialSensor) SetFrameCallback(cb FrameCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// Open opens the serial device (unless a port was already injected) and
// starts the read loop goroutine.
func (s *SerialSensor) Open() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("sensor.serial: already open")
	}
	if s.port == nil {
		mode := &serial.Mode{BaudRate: s.cfg.BaudRate, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
		port, err := serial.Open(s.cfg.Device, mode)
		if err != nil {
			atomic.StoreInt32(&s.running, 0)
			return fmt.Errorf("sensor.serial: open %s: %w", s.cfg.Device, err)
		}
		s.port = port
	}
	s.done = make(chan struct{})
	go s.run()
	return nil
}

// Close stops the read loop and closes the underlying port, joining the
// worker goroutine before returning.
func (s *SerialSensor) Close() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	err := s.port.Close()
	<-s.done
	return err
}

// MalformedDropped returns the count of frames rejected for zero or
// implausibly large dimensions or for a payload cut short by the end of the
// stream, plus one for each byte skipped while searching for the next frame
// magic (SPEC_FULL.md S7).
func (s *SerialSensor) MalformedDropped() uint64 {
	return atomic.LoadUint64(&s.malformedDropped)
}

func (s *SerialSensor) run() {
	defer close(s.done)
	r := bufio.NewReaderSize(s.port, 64*1024)
	header := make([]byte, frameHeaderLen)

	for atomic.LoadInt32(&s.running) == 1 {
		if !s.resyncToMagic(r) {
			return
		}
		// resyncToMagic left the 4 magic bytes consumed; read the rest of
		// the header.
		if _, err := io.ReadFull(r, header[4:]); err != nil {
			return
		}
		width := binary.LittleEndian.Uint32(header[4:8])
		height := binary.LittleEndian.Uint32(header[8:12])
		ts := binary.LittleEndian.Uint64(header[12:20])

		n := int(width) * int(height)
		if width == 0 || height == 0 || n > maxFramePixels {
			atomic.AddUint64(&s.malformedDropped, 1)
			s.log.Warnf("rejecting frame with implausible dimensions %dx%d", width, height)
			continue
		}
		payload := make([]byte, n*2)
		if _, err := io.ReadFull(r, payload); err != nil {
			atomic.AddUint64(&s.malformedDropped, 1)
			s.log.Warnf("short frame payload, dropping: %v", err)
			return
		}

		data := make([]uint16, n)
		for i := range data {
			data[i] = binary.LittleEndian.Uint16(payload[i*2 : i*2+2])
		}

		f := &frame.RawDepthFrame{
			SensorID:    s.cfg.SensorID,
			TimestampNs: ts,
			Width:       width,
			Height:      height,
			Data:        data,
		}
		s.mu.Lock()
		cb := s.cb
		s.mu.Unlock()
		if cb != nil {
			cb(f)
		}
	}
}

// resyncToMagic consumes bytes from r, one at a time if necessary, until the
// last 4 bytes it has read are the frame magic, or the stream ends. Returns
// false on EOF/error.
func (s *SerialSensor) resyncToMagic(r *bufio.Reader) bool {
	var window [4]byte
	if _, err := io.ReadFull(r, window[:]); err != nil {
		return false
	}
	for binary.LittleEndian.Uint32(window[:]) != serialFrameMagic {
		atomic.AddUint64(&s.malformedDropped, 1)
		b, err := r.ReadByte()
		if err != nil {
			return false
		}
		window[0], window[1], window[2], window[3] = window[1], window[2], window[3], b
	}
	return true
}
