package shm

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/caldera-project/caldera/internal/checksum"
	"github.com/caldera-project/caldera/internal/frame"
	"github.com/caldera-project/caldera/internal/timeutil"
	"github.com/caldera-project/caldera/internal/transport"
)

var _ transport.Transport = (*Writer)(nil)

// ErrFrameTooLarge is returned by SendWorldFrame when the frame's height map
// exceeds the segment's configured capacity. The write is refused entirely:
// the active buffer is left untouched, so readers keep observing the last
// good frame while the caller's own frame_id sequence keeps advancing for
// the next attempt (spec.md scenario S2).
var ErrFrameTooLarge = fmt.Errorf("shm: frame exceeds segment capacity")

// Writer is the single producer side of a shared-memory segment: it mmaps a
// file (conventionally under /dev/shm) sized for maxWidth*maxHeight floats
// per buffer and publishes WorldFrames into alternating buffers, flipping
// the header's active_index only once a buffer is fully written.
//
// The mmap call itself follows the teacher pack's google-periph host/pmem
// package (syscall.Mmap over a file descriptor); this implementation uses
// golang.org/x/sys/unix for the same call so the rest of the module doesn't
// need a second, narrower syscall dependency.
type Writer struct {
	f    *os.File
	mem  []byte
	maxW int
	maxH int

	checksumInterval time.Duration
	clock            timeutil.Clock
	lastChecksum     time.Time

	droppedCapacity uint64
}

// WriterOptions configures a new segment.
type WriterOptions struct {
	MaxWidth  int
	MaxHeight int
	// ChecksumIntervalMS throttles the writer's own CRC32 computation per
	// spec.md's checksum policy: a frame arriving with a non-zero
	// WorldFrame.Checksum always uses that value as-is; otherwise the
	// writer computes CRC32 only if at least this many milliseconds have
	// elapsed since its last computation, else publishes checksum=0
	// ("not present"). 0 disables the writer's own computation entirely
	// (caller-supplied checksums still pass through).
	ChecksumIntervalMS int64
	Clock              timeutil.Clock
}

// Start creates (or truncates) the segment file at path, mmaps it, and
// writes a fresh header with both buffers marked not-ready and
// active_index = 1, so the first published frame flips it to 0 (spec.md
// §4.2 start()).
func Start(path string, opts WriterOptions) (*Writer, error) {
	if opts.MaxWidth <= 0 || opts.MaxHeight <= 0 {
		return nil, fmt.Errorf("shm: invalid segment dimensions %dx%d", opts.MaxWidth, opts.MaxHeight)
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	size := SegmentSize(opts.MaxWidth, opts.MaxHeight)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	w := &Writer{
		f: f, mem: mem, maxW: opts.MaxWidth, maxH: opts.MaxHeight,
		checksumInterval: time.Duration(opts.ChecksumIntervalMS) * time.Millisecond,
		clock:            clock,
	}
	binary.LittleEndian.PutUint32(mem[0:4], Magic)
	binary.LittleEndian.PutUint32(mem[4:8], Version)
	binary.LittleEndian.PutUint32(mem[8:12], 1)
	binary.LittleEndian.PutUint32(mem[12:16], ChecksumCRC32)
	for buf := 0; buf < 2; buf++ {
		(BufferMeta{}).encode(mem[metaOffset(buf) : metaOffset(buf)+BufferMetaLen])
	}
	return w, nil
}

// Close is an alias for Stop, satisfying transport.Transport.
func (w *Writer) Close() error { return w.Stop() }

// Send is an alias for SendWorldFrame, satisfying transport.Transport.
func (w *Writer) Send(f *frame.WorldFrame) error { return w.SendWorldFrame(f) }

// Stop unmaps and closes the segment file. The file itself is left on disk;
// callers that want it removed should os.Remove(path) afterwards.
func (w *Writer) Stop() error {
	if w.mem != nil {
		if err := unix.Munmap(w.mem); err != nil {
			return err
		}
		w.mem = nil
	}
	return w.f.Close()
}

func (w *Writer) activeIndexPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&w.mem[8]))
}

func (w *Writer) readyPtr(buf int) *uint32 {
	off := metaOffset(buf) + 32 // Ready is the 7th field: 8+8+4+4+4+4 = 32
	return (*uint32)(unsafe.Pointer(&w.mem[off]))
}

// SendWorldFrame writes f into the currently inactive buffer and, once
// fully written, flips the header's active_index to publish it. Readers
// observing a torn write either see the old active buffer (still intact)
// or the fully-published new one; they never see a half-written frame,
// because the Ready flag for the target buffer is only ever set after the
// rest of its meta and data have been stored, and is cleared first.
func (w *Writer) SendWorldFrame(f *frame.WorldFrame) error {
	n := len(f.HeightMap.Data)
	if n > w.maxW*w.maxH {
		atomic.AddUint64(&w.droppedCapacity, 1)
		return ErrFrameTooLarge
	}

	active := atomic.LoadUint32(w.activeIndexPtr())
	target := int(1 - active)

	atomic.StoreUint32(w.readyPtr(target), 0)

	dataOff := bufferDataOffset(target, w.maxW, w.maxH)
	dataBytes := w.mem[dataOff : dataOff+int64(n)*4]
	for i, v := range f.HeightMap.Data {
		binary.LittleEndian.PutUint32(dataBytes[i*4:i*4+4], math.Float32bits(v))
	}

	sum := w.frameChecksum(f, dataBytes)

	meta := BufferMeta{
		FrameID:     f.FrameID,
		TimestampNs: f.TimestampNs,
		Width:       f.HeightMap.Width,
		Height:      f.HeightMap.Height,
		FloatCount:  uint32(n),
		Checksum:    sum,
		Ready:       0, // set separately, last, via atomic store below
	}
	metaBytes := w.mem[metaOffset(target) : metaOffset(target)+BufferMetaLen]
	meta.encode(metaBytes)

	atomic.StoreUint32(w.readyPtr(target), 1)
	atomic.StoreUint32(w.activeIndexPtr(), uint32(target))
	return nil
}

// DroppedCapacity returns the count of SendWorldFrame calls refused with
// ErrFrameTooLarge across this writer's lifetime (spec.md §4.2 step 1's
// "increment frames_dropped_capacity").
func (w *Writer) DroppedCapacity() uint64 { return atomic.LoadUint64(&w.droppedCapacity) }

// frameChecksum applies spec.md's checksum policy: a caller-supplied
// checksum always wins; otherwise compute CRC32 only if the throttle
// interval has elapsed since the writer's last computation, else publish 0
// ("not present").
func (w *Writer) frameChecksum(f *frame.WorldFrame, dataBytes []byte) uint32 {
	if f.Checksum != 0 {
		return f.Checksum
	}
	if w.checksumInterval <= 0 {
		return 0
	}
	now := w.clock.Now()
	if !w.lastChecksum.IsZero() && now.Sub(w.lastChecksum) < w.checksumInterval {
		return 0
	}
	w.lastChecksum = now
	return checksum.CRC32(dataBytes)
}
