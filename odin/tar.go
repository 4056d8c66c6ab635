package odin

import (
	"os"
	"strconv"
	"strings"
)

const tarBlockSize = 512

// TarEntry is one file discovered while walking a ustar archive. Offset
// is a multiple of 512 and points at the first byte of the entry's data,
// immediately following its header block.
type TarEntry struct {
	Name    string
	Size    int64
	Offset  int64
	Mode    int64
	ModTime int64
	IsDir   bool
}

// TarReader is a random-access reader over a POSIX ustar archive. It
// parses the archive's headers once at construction time and afterwards
// reads any entry's bytes on demand by seeking to its recorded offset.
type TarReader struct {
	f       *os.File
	entries []TarEntry
}

// OpenTarReader parses every header block in f (already positioned at
// the archive's start) and returns a reader ready for random access.
func OpenTarReader(f *os.File) (*TarReader, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, newErr(ErrPackageFormat, "seeking to start of tar archive", err)
	}

	t := &TarReader{f: f}
	block := make([]byte, tarBlockSize)
	var pos int64

	for {
		n, err := readFull(f, block)
		if err != nil || n < tarBlockSize {
			break
		}
		if isZeroBlock(block) {
			break
		}

		name := cstring(block[0:100])
		prefix := cstring(block[345:500])
		if prefix != "" {
			name = prefix + "/" + name
		}

		size, err := parseOctal(block[124:136])
		if err != nil {
			return nil, newErr(ErrPackageFormat, "parsing tar entry size for "+name, err)
		}
		mode, _ := parseOctal(block[100:108])
		mtime, _ := parseOctal(block[136:148])
		typeFlag := block[156]

		dataOffset := pos + tarBlockSize
		entry := TarEntry{
			Name:    name,
			Size:    size,
			Offset:  dataOffset,
			Mode:    mode,
			ModTime: mtime,
			IsDir:   typeFlag == '5',
		}

		switch typeFlag {
		case '0', 0, '5':
			t.entries = append(t.entries, entry)
		default:
			// symlinks, devices and other non-payload entries are not
			// exposed; the ingestor only ever needs regular files.
		}

		paddedSize := padTo512(size)
		if _, err := f.Seek(dataOffset+paddedSize, 0); err != nil {
			return nil, newErr(ErrPackageFormat, "seeking past tar entry "+name, err)
		}
		pos = dataOffset + paddedSize
	}

	return t, nil
}

// Entries returns every regular-file and directory entry found in the
// archive, in the order they occur on disk.
func (t *TarReader) Entries() []TarEntry {
	return t.entries
}

// ReadEntry reads size bytes of entry's data into buf, seeking to the
// entry's recorded offset first. buf must be at least entry.Size bytes.
func (t *TarReader) ReadEntry(entry TarEntry, buf []byte) (int, error) {
	if int64(len(buf)) < entry.Size {
		return 0, newErr(ErrPackageFormat, "buffer too small for tar entry "+entry.Name, nil)
	}
	if _, err := t.f.Seek(entry.Offset, 0); err != nil {
		return 0, newErr(ErrPackageFormat, "seeking to tar entry "+entry.Name, err)
	}
	n, err := readFull(t.f, buf[:entry.Size])
	if err != nil {
		return n, newErr(ErrPackageFormat, "reading tar entry "+entry.Name, err)
	}
	return n, nil
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func cstring(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func parseOctal(b []byte) (int64, error) {
	s := strings.TrimSpace(strings.Trim(string(b), "\x00"))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 8, 64)
}

func padTo512(size int64) int64 {
	rem := size % tarBlockSize
	if rem == 0 {
		return size
	}
	return size + (tarBlockSize - rem)
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if total >= len(buf) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
