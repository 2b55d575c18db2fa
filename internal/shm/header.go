// Package shm implements the shared-memory transport (spec.md §4.2/§6): a
// lock-free, double-buffered, single-producer/multi-consumer segment
// carrying one WorldFrame at a time, latest-wins, with optional CRC32
// integrity. The mmap strategy is grounded on the teacher pack's
// google-periph host/pmem package (syscall.Mmap over a file descriptor),
// adapted here to golang.org/x/sys/unix so the segment can live under
// /dev/shm like a native POSIX shared-memory object.
package shm

import "encoding/binary"

// Magic identifies a valid segment header (spec.md §6).
const Magic uint32 = 0x43414C44

// Version is the only header version this implementation writes or
// accepts.
const Version uint32 = 2

// ChecksumNone and ChecksumCRC32 are the values recognized by the header's
// checksum_algorithm and a buffer meta's checksum field.
const (
	ChecksumNone  uint32 = 0
	ChecksumCRC32 uint32 = 1
)

// HeaderLen is the fixed-size preamble before the two BufferMetas
// (spec.md §6: magic, version, active_index, checksum_algorithm).
const HeaderLen = 16

// BufferMetaLen is the on-wire size of one BufferMeta: two u64 + five u32,
// padded to a multiple of 8 bytes (spec.md §6: "40 bytes").
const BufferMetaLen = 40

// buffersOffset is where buffer 0's metadata begins; buffer 1's metadata
// follows immediately (spec.md §6 offsets 16 and 56).
const buffersOffset = HeaderLen

// dataOffset is where buffer 0's float payload begins; buffer 1's payload
// follows at dataOffset + maxWidth*maxHeight*4.
const dataOffset = buffersOffset + 2*BufferMetaLen

// SegmentSize returns the total byte size of a segment sized for
// maxWidth*maxHeight floats per buffer.
func SegmentSize(maxWidth, maxHeight int) int64 {
	floats := int64(maxWidth) * int64(maxHeight)
	return dataOffset + 2*floats*4
}

// BufferMeta is one buffer slot's metadata (spec.md §4.2/§6).
type BufferMeta struct {
	FrameID     uint64
	TimestampNs uint64
	Width       uint32
	Height      uint32
	FloatCount  uint32
	Checksum    uint32
	Ready       uint32
}

func (m BufferMeta) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], m.FrameID)
	binary.LittleEndian.PutUint64(dst[8:16], m.TimestampNs)
	binary.LittleEndian.PutUint32(dst[16:20], m.Width)
	binary.LittleEndian.PutUint32(dst[20:24], m.Height)
	binary.LittleEndian.PutUint32(dst[24:28], m.FloatCount)
	binary.LittleEndian.PutUint32(dst[28:32], m.Checksum)
	binary.LittleEndian.PutUint32(dst[32:36], m.Ready)
	for i := 36; i < BufferMetaLen; i++ {
		dst[i] = 0
	}
}

func decodeBufferMeta(src []byte) BufferMeta {
	return BufferMeta{
		FrameID:     binary.LittleEndian.Uint64(src[0:8]),
		TimestampNs: binary.LittleEndian.Uint64(src[8:16]),
		Width:       binary.LittleEndian.Uint32(src[16:20]),
		Height:      binary.LittleEndian.Uint32(src[20:24]),
		FloatCount:  binary.LittleEndian.Uint32(src[24:28]),
		Checksum:    binary.LittleEndian.Uint32(src[28:32]),
		Ready:       binary.LittleEndian.Uint32(src[32:36]),
	}
}

func metaOffset(buf int) int { return buffersOffset + buf*BufferMetaLen }

func bufferDataOffset(buf int, maxWidth, maxHeight int) int64 {
	floats := int64(maxWidth) * int64(maxHeight)
	return dataOffset + int64(buf)*floats*4
}
