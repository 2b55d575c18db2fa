package shm

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/caldera-project/caldera/internal/checksum"
	"github.com/caldera-project/caldera/internal/frame"
)

// ErrBadHeader is returned by Open when the segment's magic or version
// don't match what this reader understands (spec.md scenario S3).
var ErrBadHeader = fmt.Errorf("shm: bad segment header")

// Reader is a consumer attached to an existing segment. Multiple Readers
// may attach to the same segment concurrently (including mid-stream, after
// the writer has already published frames); none of them block the writer
// or each other.
type Reader struct {
	f            *os.File
	mem          []byte
	maxW, maxH   int
	checksumAlgo uint32
}

// Open mmaps an existing segment read-only and validates its header.
func Open(path string, maxWidth, maxHeight int) (*Reader, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	size := SegmentSize(maxWidth, maxHeight)
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	magic := binary.LittleEndian.Uint32(mem[0:4])
	version := binary.LittleEndian.Uint32(mem[4:8])
	if magic != Magic || version != Version {
		unix.Munmap(mem)
		f.Close()
		return nil, fmt.Errorf("%w: magic=%#x version=%d", ErrBadHeader, magic, version)
	}

	algo := binary.LittleEndian.Uint32(mem[12:16])
	return &Reader{f: f, mem: mem, maxW: maxWidth, maxH: maxHeight, checksumAlgo: algo}, nil
}

// Close unmaps the segment and closes the file descriptor.
func (r *Reader) Close() error {
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			return err
		}
		r.mem = nil
	}
	return r.f.Close()
}

func (r *Reader) activeIndexPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[8]))
}

func (r *Reader) readyPtr(buf int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[metaOffset(buf)+32]))
}

// Latest returns the most recently published frame, or ok=false if no
// buffer has ever been published yet.
func (r *Reader) Latest() (f *frame.WorldFrame, checksumOK bool, ok bool) {
	active := atomic.LoadUint32(r.activeIndexPtr())
	if atomic.LoadUint32(r.readyPtr(int(active))) != 1 {
		return nil, false, false
	}

	metaBytes := r.mem[metaOffset(int(active)) : metaOffset(int(active))+BufferMetaLen]
	meta := decodeBufferMeta(metaBytes)

	dataOff := bufferDataOffset(int(active), r.maxW, r.maxH)
	n := int(meta.FloatCount)
	dataBytes := r.mem[dataOff : dataOff+int64(n)*4]

	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(dataBytes[i*4 : i*4+4]))
	}

	ok1 := true
	if r.checksumAlgo == ChecksumCRC32 && meta.Checksum != 0 {
		ok1 = checksum.Verify(dataBytes, meta.Checksum)
	}

	wf := &frame.WorldFrame{
		FrameID:     meta.FrameID,
		TimestampNs: meta.TimestampNs,
		HeightMap:   frame.HeightMap{Width: meta.Width, Height: meta.Height, Data: data},
		Checksum:    meta.Checksum,
	}
	return wf, ok1, true
}

// VerifyChecksum re-verifies the checksum of the currently active buffer
// without re-decoding its payload into a WorldFrame. Per spec.md §4.2, a
// checksum_algorithm of 0 or a per-frame checksum of 0 both mean "not
// present" and trivially verify true.
func (r *Reader) VerifyChecksum() (bool, error) {
	active := atomic.LoadUint32(r.activeIndexPtr())
	if atomic.LoadUint32(r.readyPtr(int(active))) != 1 {
		return false, fmt.Errorf("shm: no frame published yet")
	}
	metaBytes := r.mem[metaOffset(int(active)) : metaOffset(int(active))+BufferMetaLen]
	meta := decodeBufferMeta(metaBytes)
	if r.checksumAlgo != ChecksumCRC32 || meta.Checksum == 0 {
		return true, nil
	}
	dataOff := bufferDataOffset(int(active), r.maxW, r.maxH)
	dataBytes := r.mem[dataOff : dataOff+int64(meta.FloatCount)*4]
	return checksum.Verify(dataBytes, meta.Checksum), nil
}
