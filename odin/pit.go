package odin

import (
	"encoding/binary"
)

const (
	pitMagic      uint32 = 0x12349876
	pitHeaderSize        = 28
	pitEntrySize         = 132
	pitNameFieldW        = 32
)

// BinaryType is the PIT entry's flash-controller class.
type BinaryType uint32

const (
	BinaryTypeAP BinaryType = 0
	BinaryTypeCP BinaryType = 1
)

// DeviceType is the PIT entry's storage backend.
type DeviceType uint32

const (
	DeviceTypeOneNand DeviceType = 0
	DeviceTypeNand    DeviceType = 1
	DeviceTypeMmc     DeviceType = 2
	DeviceTypeAll     DeviceType = 3
	DeviceTypeUfs     DeviceType = 4
)

// PitAttribute bits, see §3.
const (
	PitAttrWrite uint32 = 1 << 0
	PitAttrSTL   uint32 = 1 << 1
	PitAttrBML   uint32 = 1 << 2
)

// PitEntry is one partition record in a PitTable, laid out exactly as
// the 132-byte wire form so Parse/Serialize round-trip byte for byte.
type PitEntry struct {
	BinType          BinaryType
	DevType          DeviceType
	PartitionID      uint32
	Attribute        uint32
	UpdateAttribute  uint32
	BlockSizeOrOffset uint32
	BlockCount       uint32
	FileOffset       uint32
	FileSize         uint32
	PartitionName    [pitNameFieldW]byte
	FlashFilename    [pitNameFieldW]byte
	FOTAFilename     [pitNameFieldW]byte
}

// PartitionNameString returns the entry's partition name, trimmed at the
// first NUL (or the field's full width if it never appears).
func (e *PitEntry) PartitionNameString() string {
	return cstring(e.PartitionName[:])
}

// FlashFilenameString returns the entry's flash filename field, trimmed
// at the first NUL.
func (e *PitEntry) FlashFilenameString() string {
	return cstring(e.FlashFilename[:])
}

// FOTAFilenameString returns the entry's FOTA filename field, trimmed
// at the first NUL.
func (e *PitEntry) FOTAFilenameString() string {
	return cstring(e.FOTAFilename[:])
}

func setFixedString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
}

// SetPartitionName overwrites the entry's partition name field,
// NUL-padding (or truncating) to the fixed 32-byte width.
func (e *PitEntry) SetPartitionName(s string) {
	setFixedString(e.PartitionName[:], s)
}

// SetFlashFilename overwrites the entry's flash filename field.
func (e *PitEntry) SetFlashFilename(s string) {
	setFixedString(e.FlashFilename[:], s)
}

// SetFOTAFilename overwrites the entry's FOTA filename field.
func (e *PitEntry) SetFOTAFilename(s string) {
	setFixedString(e.FOTAFilename[:], s)
}

// PitTable is the device's partition map: a fixed header followed by N
// fixed-size entries. Gang and Project are free-form 8-byte identifiers.
type PitTable struct {
	Gang    [8]byte
	Project [8]byte
	Entries []PitEntry
}

// WireLen returns the exact serialized length of t: 28 + 132*len(Entries).
func (t *PitTable) WireLen() int {
	return pitHeaderSize + pitEntrySize*len(t.Entries)
}

// ParsePit decodes a PIT wire buffer, validating the magic and rejecting
// anything shorter than the header plus its declared entry count.
func ParsePit(buf []byte) (*PitTable, error) {
	if len(buf) < pitHeaderSize {
		return nil, newErr(ErrPitFormat, "buffer shorter than PIT header", nil)
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != pitMagic {
		return nil, newErr(ErrPitFormat, "PIT magic mismatch", nil)
	}

	count := binary.LittleEndian.Uint32(buf[4:8])
	need := pitHeaderSize + pitEntrySize*int(count)
	if len(buf) < need {
		return nil, newErr(ErrPitFormat, "buffer shorter than declared PIT entry count", nil)
	}

	t := &PitTable{Entries: make([]PitEntry, count)}
	copy(t.Gang[:], buf[8:16])
	copy(t.Project[:], buf[16:24])
	// buf[24:28] is reserved/unused padding to reach the 28-byte header.

	for i := 0; i < int(count); i++ {
		off := pitHeaderSize + i*pitEntrySize
		e := &t.Entries[i]
		e.BinType = BinaryType(binary.LittleEndian.Uint32(buf[off+0 : off+4]))
		e.DevType = DeviceType(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
		e.PartitionID = binary.LittleEndian.Uint32(buf[off+8 : off+12])
		e.Attribute = binary.LittleEndian.Uint32(buf[off+12 : off+16])
		e.UpdateAttribute = binary.LittleEndian.Uint32(buf[off+16 : off+20])
		e.BlockSizeOrOffset = binary.LittleEndian.Uint32(buf[off+20 : off+24])
		e.BlockCount = binary.LittleEndian.Uint32(buf[off+24 : off+28])
		e.FileOffset = binary.LittleEndian.Uint32(buf[off+28 : off+32])
		e.FileSize = binary.LittleEndian.Uint32(buf[off+32 : off+36])
		copy(e.PartitionName[:], buf[off+36:off+68])
		copy(e.FlashFilename[:], buf[off+68:off+100])
		copy(e.FOTAFilename[:], buf[off+100:off+132])
	}

	return t, nil
}

// Serialize produces the exact wire form of t: 28 + 132*len(Entries)
// bytes, little-endian integers, NUL-padded fixed strings.
func (t *PitTable) Serialize() []byte {
	buf := make([]byte, t.WireLen())

	binary.LittleEndian.PutUint32(buf[0:4], pitMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(t.Entries)))
	copy(buf[8:16], t.Gang[:])
	copy(buf[16:24], t.Project[:])

	for i, e := range t.Entries {
		off := pitHeaderSize + i*pitEntrySize
		binary.LittleEndian.PutUint32(buf[off+0:off+4], uint32(e.BinType))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(e.DevType))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], e.PartitionID)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], e.Attribute)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], e.UpdateAttribute)
		binary.LittleEndian.PutUint32(buf[off+20:off+24], e.BlockSizeOrOffset)
		binary.LittleEndian.PutUint32(buf[off+24:off+28], e.BlockCount)
		binary.LittleEndian.PutUint32(buf[off+28:off+32], e.FileOffset)
		binary.LittleEndian.PutUint32(buf[off+32:off+36], e.FileSize)
		copy(buf[off+36:off+68], e.PartitionName[:])
		copy(buf[off+68:off+100], e.FlashFilename[:])
		copy(buf[off+100:off+132], e.FOTAFilename[:])
	}

	return buf
}

// FindByPartitionName returns the first entry whose partition name field
// exactly matches name, or nil if there is none.
func (t *PitTable) FindByPartitionName(name string) *PitEntry {
	for i := range t.Entries {
		if t.Entries[i].PartitionNameString() == name {
			return &t.Entries[i]
		}
	}
	return nil
}

// FindByFilename returns the first entry whose flash filename or FOTA
// filename field matches name, or nil if there is none.
func (t *PitTable) FindByFilename(name string) *PitEntry {
	for i := range t.Entries {
		if t.Entries[i].FlashFilenameString() == name || t.Entries[i].FOTAFilenameString() == name {
			return &t.Entries[i]
		}
	}
	return nil
}

// pitRoundUp500 rounds n up to the nearest multiple of 500, matching the
// device's advertised PIT size rounding during the receive phase.
func pitRoundUp500(n uint32) uint32 {
	if n%500 == 0 {
		return n
	}
	return (n/500 + 1) * 500
}
