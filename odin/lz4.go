package odin

import "encoding/binary"

// Lz4Magic is the four-byte little-endian magic that opens every LZ4
// frame. Its presence is the only thing that identifies LZ4 content in
// this pipeline — actual decompression is left to the device.
const Lz4Magic uint32 = 0x184D2204

// Lz4FrameInfo is the subset of an LZ4 frame header this sniffer cares
// about: enough to tell the device how to decode blocks, nothing more.
type Lz4FrameInfo struct {
	IndependentBlocks  bool
	BlockChecksum      bool
	ContentSizePresent bool
	ContentChecksum    bool
	BlockSizeID        byte
	UncompressedSize   uint64 // valid only if ContentSizePresent
}

// SniffLz4 inspects the first bytes of a stream and reports whether it
// opens with the LZ4 frame magic, decoding the FLG/BD descriptor bits
// when it does. It never touches block data.
func SniffLz4(b []byte) (info Lz4FrameInfo, isLz4 bool) {
	if len(b) < 6 || binary.LittleEndian.Uint32(b[0:4]) != Lz4Magic {
		return Lz4FrameInfo{}, false
	}

	flg := b[4]
	bd := b[5]

	info.IndependentBlocks = flg&0x20 != 0
	info.BlockChecksum = flg&0x10 != 0
	info.ContentSizePresent = flg&0x08 != 0
	info.ContentChecksum = flg&0x04 != 0
	info.BlockSizeID = (bd >> 4) & 0x07

	if info.ContentSizePresent {
		if len(b) < 14 {
			return info, true
		}
		info.UncompressedSize = binary.LittleEndian.Uint64(b[6:14])
	}

	return info, true
}

// IsLz4 reports whether b opens with the LZ4 frame magic, without
// decoding the rest of the header. Used for the quick first-four-bytes
// classification pass over a buffered entry.
func IsLz4(b []byte) bool {
	return len(b) >= 4 && binary.LittleEndian.Uint32(b[0:4]) == Lz4Magic
}
